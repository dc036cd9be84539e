package kademlia

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceSymmetricAndZero(t *testing.T) {
	a, err := Random()
	require.NoError(t, err)
	b, err := Random()
	require.NoError(t, err)

	assert.Equal(t, a.DistanceTo(b), b.DistanceTo(a))
	assert.Equal(t, ID{}, a.DistanceTo(a))
}

func TestFromStringDeterministic(t *testing.T) {
	a := FromString("alice")
	b := FromString("alice")
	c := FromString("bob")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestFromPublicKey(t *testing.T) {
	var pk [32]byte
	pk[0] = 0x42
	id := FromPublicKey(pk)
	assert.Len(t, id, IDSize)
	assert.Equal(t, id, FromPublicKey(pk))
}

func TestBucketIndexSelf(t *testing.T) {
	id, err := Random()
	require.NoError(t, err)
	assert.Equal(t, -1, id.BucketIndex(id))
}

func TestBucketIndexHighestBit(t *testing.T) {
	var a, b ID
	// Differ only in the top bit of the first byte: expected index 0.
	a[0] = 0x00
	b[0] = 0x80
	assert.Equal(t, 0, a.BucketIndex(b))

	// Differ only in the bottom bit of the last byte: expected index 255.
	var c, d ID
	c[31] = 0x00
	d[31] = 0x01
	assert.Equal(t, 255, c.BucketIndex(d))
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestGetBit(t *testing.T) {
	var id ID
	id[0] = 0b10000000
	assert.True(t, id.GetBit(0))
	assert.False(t, id.GetBit(1))
}

func TestTotalOrder(t *testing.T) {
	a := ID{0x01}
	b := ID{0x02}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.False(t, a.Less(a))
}
