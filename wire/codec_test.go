package wire

import (
	"bytes"
	stded25519 "crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnvelopeRoundTrip implements the spec invariant
// deserialize(serialize(m)) == m for the common envelope header.
func TestEnvelopeRoundTrip(t *testing.T) {
	var senderID, senderKey [32]byte
	senderID[0] = 0x11
	senderKey[0] = 0x22

	e := &Envelope{
		Type:      TypeFindNode,
		SenderID:  senderID,
		SenderKey: senderKey,
		Payload:   FindNodePayload{Target: senderID}.Encode(),
	}
	e.MessageID[0] = 0xAB

	decoded, err := DecodeEnvelope(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, e.MessageID, decoded.MessageID)
	assert.Equal(t, e.SenderID, decoded.SenderID)
	assert.Equal(t, e.SenderKey, decoded.SenderKey)
	assert.Equal(t, e.Payload, decoded.Payload)
}

func TestFindNodeResponseRoundTrip(t *testing.T) {
	var inResponseTo [16]byte
	inResponseTo[0] = 0x01

	nodes := []NodeRecord{
		{ID: [32]byte{1}, PublicKey: [32]byte{2}, IP: []byte{127, 0, 0, 1}, Port: 33445},
		{ID: [32]byte{3}, PublicKey: [32]byte{4}, IP: net16()[:], Port: 1234},
	}
	orig := FindNodeResponsePayload{InResponseTo: inResponseTo, Nodes: nodes}

	decoded, err := DecodeFindNodeResponse(orig.Encode())
	require.NoError(t, err)
	assert.Equal(t, orig.InResponseTo, decoded.InResponseTo)
	require.Len(t, decoded.Nodes, 2)
	assert.Equal(t, orig.Nodes[0].ID, decoded.Nodes[0].ID)
	assert.Equal(t, orig.Nodes[1].IP, decoded.Nodes[1].IP)
}

func net16() [16]byte {
	var ip [16]byte
	ip[15] = 1
	return ip
}

func TestFindValueResponseFoundRoundTrip(t *testing.T) {
	orig := FindValueResponsePayload{Found: true, Value: []byte("hello world")}
	decoded, err := DecodeFindValueResponse(orig.Encode())
	require.NoError(t, err)
	assert.True(t, decoded.Found)
	assert.Equal(t, orig.Value, decoded.Value)
	assert.Nil(t, decoded.Nodes)
}

func TestFindValueResponseNotFoundRoundTrip(t *testing.T) {
	orig := FindValueResponsePayload{Found: false, Nodes: []NodeRecord{{ID: [32]byte{9}, IP: []byte{1, 2, 3, 4}}}}
	decoded, err := DecodeFindValueResponse(orig.Encode())
	require.NoError(t, err)
	assert.False(t, decoded.Found)
	assert.Nil(t, decoded.Value)
	require.Len(t, decoded.Nodes, 1)
}

func TestStoreRoundTrip(t *testing.T) {
	orig := StorePayload{Key: [32]byte{7}, Value: []byte("value-bytes"), TTLSeconds: 3600}
	decoded, err := DecodeStore(orig.Encode())
	require.NoError(t, err)
	assert.Equal(t, orig, decoded)
}

func TestOnionMessageRoundTrip(t *testing.T) {
	orig := OnionMessagePayload{Layer: bytes.Repeat([]byte{0xAA}, 128)}
	decoded, err := DecodeOnionMessage(orig.Encode())
	require.NoError(t, err)
	assert.Equal(t, orig.Layer, decoded.Layer)
}

func TestStoreOfflineMessageRoundTrip(t *testing.T) {
	orig := StoreOfflineMessagePayload{RecipientKey: [32]byte{5}, Ciphertext: []byte("ciphertext")}
	decoded, err := DecodeStoreOfflineMessage(orig.Encode())
	require.NoError(t, err)
	assert.Equal(t, orig, decoded)
}

func TestOfflineMessagesResponseRoundTrip(t *testing.T) {
	orig := OfflineMessagesResponsePayload{Messages: [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}}
	decoded, err := DecodeOfflineMessagesResponse(orig.Encode())
	require.NoError(t, err)
	assert.Equal(t, orig.Messages, decoded.Messages)
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte{1}, 10)))

	_, err := ReadFrame(&buf, 5)
	assert.Error(t, err)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("frame contents")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func seedKeyPair(seedByte byte) (priv [32]byte, pub [32]byte) {
	priv[0] = seedByte
	edPriv := stded25519.NewKeyFromSeed(priv[:])
	copy(pub[:], edPriv[32:])
	return priv, pub
}

func TestUserPublicKeyRecordSignAndVerify(t *testing.T) {
	signingPriv, signingPub := seedKeyPair(0x01)

	rec := &UserPublicKeyRecord{
		SigningPublicKey:    signingPub,
		EncryptionPublicKey: [32]byte{9},
		Address:             "203.0.113.5",
		Port:                33445,
		Timestamp:           1700000000,
	}

	require.NoError(t, rec.Sign(signingPriv))

	decoded, err := DecodeUserPublicKeyRecord(rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, rec.Address, decoded.Address)
	assert.Equal(t, rec.Signature, decoded.Signature)

	ok, err := decoded.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUserPublicKeyRecordRejectsTamperedField(t *testing.T) {
	signingPriv, signingPub := seedKeyPair(0x02)

	rec := &UserPublicKeyRecord{SigningPublicKey: signingPub, EncryptionPublicKey: [32]byte{1}, Address: "a", Port: 1}
	require.NoError(t, rec.Sign(signingPriv))

	rec.Address = "tampered"
	ok, err := rec.Verify()
	require.NoError(t, err)
	assert.False(t, ok)
}
