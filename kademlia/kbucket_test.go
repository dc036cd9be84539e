package kademlia

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func nodeWithID(b byte) *Node {
	var pk [32]byte
	pk[0] = b
	return NewNode(pk, "127.0.0.1", 33445)
}

// TestKBucketLRUScenario implements spec scenario S1: k=2, add N1, N2,
// re-add N1 (moves to tail), try_add N3 (full), replace_oldest(N3)
// removes N2, leaving {N1, N3}.
func TestKBucketLRUScenario(t *testing.T) {
	kb := NewKBucket(2)

	n1 := nodeWithID(0x01)
	n2 := nodeWithID(0x02)
	n3 := nodeWithID(0x03)

	assert.Equal(t, Added, kb.TryAdd(n1))
	assert.Equal(t, Added, kb.TryAdd(n2))

	// Re-adding n1 moves it to the tail; n2 becomes the oldest.
	assert.Equal(t, Updated, kb.TryAdd(n1))
	oldest := kb.GetOldest()
	assert.True(t, oldest.ID.Equal(n2.ID))

	assert.Equal(t, BucketFull, kb.TryAdd(n3))

	kb.ReplaceOldest(n3)

	ids := map[ID]bool{}
	for _, n := range kb.GetNodes() {
		ids[n.ID] = true
	}
	assert.True(t, ids[n1.ID])
	assert.True(t, ids[n3.ID])
	assert.False(t, ids[n2.ID])
	assert.Len(t, kb.GetNodes(), 2)
}

func TestKBucketGetNodesMostRecentFirst(t *testing.T) {
	kb := NewKBucket(5)
	n1 := nodeWithID(0x01)
	n2 := nodeWithID(0x02)
	n3 := nodeWithID(0x03)

	kb.TryAdd(n1)
	kb.TryAdd(n2)
	kb.TryAdd(n3)

	nodes := kb.GetNodes()
	assert.Equal(t, n3.ID, nodes[0].ID)
	assert.Equal(t, n2.ID, nodes[1].ID)
	assert.Equal(t, n1.ID, nodes[2].ID)
}

func TestKBucketMarkSeenMovesToTail(t *testing.T) {
	kb := NewKBucket(5)
	n1 := nodeWithID(0x01)
	n2 := nodeWithID(0x02)
	kb.TryAdd(n1)
	kb.TryAdd(n2)

	kb.MarkSeen(n1.ID)

	oldest := kb.GetOldest()
	assert.Equal(t, n2.ID, oldest.ID)
}

func TestKBucketNeverStoresDuplicateIDs(t *testing.T) {
	kb := NewKBucket(5)
	n1 := nodeWithID(0x01)
	kb.TryAdd(n1)
	kb.TryAdd(nodeWithID(0x01))
	assert.Equal(t, 1, kb.Len())
}

func TestKBucketRemove(t *testing.T) {
	kb := NewKBucket(5)
	n1 := nodeWithID(0x01)
	kb.TryAdd(n1)
	assert.True(t, kb.Remove(n1.ID))
	assert.False(t, kb.Remove(n1.ID))
	assert.Equal(t, 0, kb.Len())
}
