package onion

import (
	"crypto/rand"
	"fmt"

	"github.com/MagicCactus42/susurri/crypto"
	"github.com/MagicCactus42/susurri/wire"
)

// replyTokenContent is the plaintext sealed into a reply token: where the
// ACK should travel next, plus a fresh session key for that hop to use
// when it eventually needs to re-encrypt the ACK onward.
type replyTokenContent struct {
	Previous   PreviousHop
	SessionKey [32]byte
}

func (c replyTokenContent) encode() []byte {
	w := wire.NewWriter()
	w.U8(uint8(c.Previous.Kind))
	w.String(c.Previous.Address)
	w.U16(c.Previous.Port)
	w.Fixed(c.Previous.PublicKey[:])
	w.Fixed(c.SessionKey[:])
	return w.Bytes()
}

func decodeReplyTokenContent(buf []byte) (replyTokenContent, error) {
	r := wire.NewReader(buf)
	var c replyTokenContent
	kind, err := r.U8()
	if err != nil {
		return c, err
	}
	c.Previous.Kind = PreviousHopKind(kind)
	if c.Previous.Address, err = r.String(1024); err != nil {
		return c, err
	}
	if c.Previous.Port, err = r.U16(); err != nil {
		return c, err
	}
	prevKey, err := r.Bytes(32)
	if err != nil {
		return c, err
	}
	copy(c.Previous.PublicKey[:], prevKey)
	key, err := r.Bytes(32)
	if err != nil {
		return c, err
	}
	copy(c.SessionKey[:], key)
	return c, nil
}

// sealReplyToken builds and seals, for hopPublicKey, a reply token
// recording previous as the hop that sits before this one on the forward
// path.
func sealReplyToken(hopPublicKey [32]byte, previous PreviousHop) ([]byte, error) {
	var sessionKey [32]byte
	if _, err := rand.Read(sessionKey[:]); err != nil {
		return nil, err
	}

	content := replyTokenContent{Previous: previous, SessionKey: sessionKey}
	sealed, err := crypto.SealLayer(content.encode(), hopPublicKey)
	if err != nil {
		return nil, fmt.Errorf("onion: seal reply token: %w", err)
	}
	return wire.EncodeSealedLayer(sealed), nil
}

// openReplyToken decrypts a reply token with the local hop's private key.
func openReplyToken(token []byte, localPrivate [32]byte) (replyTokenContent, error) {
	sealed, err := wire.DecodeSealedLayer(token)
	if err != nil {
		return replyTokenContent{}, fmt.Errorf("onion: decode reply token: %w", err)
	}
	plaintext, err := crypto.OpenLayer(sealed, localPrivate)
	if err != nil {
		return replyTokenContent{}, fmt.Errorf("onion: open reply token: %w", err)
	}
	return decodeReplyTokenContent(plaintext)
}
