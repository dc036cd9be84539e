package dhtstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestStorage() (*Storage, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewStorage(clock.now), clock
}

func TestStoreGetRoundTrip(t *testing.T) {
	s, _ := newTestStorage()
	var key [32]byte
	key[0] = 1

	require.NoError(t, s.Store(key, []byte("value"), time.Hour))

	v, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), v)
}

// TestValueExpiresAfterTTL implements spec scenario S3: a stored value
// with a TTL is retrievable before expiry and absent after.
func TestValueExpiresAfterTTL(t *testing.T) {
	s, clock := newTestStorage()
	var key [32]byte
	key[0] = 2

	require.NoError(t, s.Store(key, []byte("v"), time.Minute))

	_, ok := s.Get(key)
	assert.True(t, ok)

	clock.advance(2 * time.Minute)

	_, ok = s.Get(key)
	assert.False(t, ok)
}

func TestStoreRejectsOversizedValue(t *testing.T) {
	s, _ := newTestStorage()
	var key [32]byte
	big := make([]byte, MaxValueSize+1)
	err := s.Store(key, big, time.Hour)
	assert.Error(t, err)
}

// TestOfflineMailboxDrain implements spec scenario S4: store two offline
// messages for a recipient, draining returns both in order, and a second
// drain returns nothing.
func TestOfflineMailboxDrain(t *testing.T) {
	s, _ := newTestStorage()
	var recipient [32]byte
	recipient[0] = 7

	require.NoError(t, s.StoreOfflineMessage(recipient, []byte("m1")))
	require.NoError(t, s.StoreOfflineMessage(recipient, []byte("m2")))

	msgs := s.GetOfflineMessages(recipient)
	assert.Equal(t, [][]byte{[]byte("m1"), []byte("m2")}, msgs)

	assert.Empty(t, s.GetOfflineMessages(recipient))
}

func TestOfflineMailboxCapsPerRecipient(t *testing.T) {
	s, _ := newTestStorage()
	var recipient [32]byte

	for i := 0; i < MaxOfflineMessagesPerRecipient; i++ {
		require.NoError(t, s.StoreOfflineMessage(recipient, []byte("m")))
	}
	err := s.StoreOfflineMessage(recipient, []byte("overflow"))
	assert.ErrorIs(t, err, ErrMailboxFull)
}

func TestOfflineMessagesExpire(t *testing.T) {
	s, clock := newTestStorage()
	var recipient [32]byte
	require.NoError(t, s.StoreOfflineMessage(recipient, []byte("stale")))

	clock.advance(OfflineMessageTTL + time.Hour)

	assert.Empty(t, s.GetOfflineMessages(recipient))
}

func TestGetAllForRepublishSkipsExpired(t *testing.T) {
	s, clock := newTestStorage()
	var liveKey, deadKey [32]byte
	liveKey[0], deadKey[0] = 1, 2

	require.NoError(t, s.Store(liveKey, []byte("live"), time.Hour))
	require.NoError(t, s.Store(deadKey, []byte("dead"), time.Minute))

	clock.advance(2 * time.Minute)

	all := s.GetAllForRepublish()
	require.Len(t, all, 1)
	assert.Equal(t, liveKey, all[0].Key)
}
