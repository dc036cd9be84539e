package onion

import (
	"fmt"

	"github.com/MagicCactus42/susurri/wire"
)

// ContentType tags what an unwrapped onion layer asks the receiving hop
// to do next.
type ContentType uint8

const (
	ContentRelay     ContentType = 0x01
	ContentFinalHop  ContentType = 0x02
	ContentDelivery  ContentType = 0x03
	ContentAck       ContentType = 0x04
)

const (
	maxReplyTokenSize = 4096
	maxInnerSize      = 96 * 1024
)

// LayerContent is the plaintext revealed by decrypting one onion layer.
// NextAddress/NextPort apply only to ContentRelay; RecipientPK applies
// only to ContentFinalHop. ReplyPublicKey applies only to ContentDelivery:
// it carries the forwarding hop's own public key, so the recipient knows
// who to seal the first ACK hop back to. ReplyToken and Inner are always
// present, except a terminal ContentAck frame addressed directly to the
// original sender, which carries an empty ReplyToken.
type LayerContent struct {
	Type           ContentType
	NextAddress    string
	NextPort       uint16
	RecipientPK    [32]byte
	ReplyPublicKey [32]byte
	ReplyToken     []byte
	Inner          []byte
}

// Encode serializes the layer content per the onion layer content wire
// format.
func (c LayerContent) Encode() []byte {
	w := wire.NewWriter()
	w.U8(uint8(c.Type))
	switch c.Type {
	case ContentRelay:
		w.String(c.NextAddress)
		w.U16(c.NextPort)
	case ContentFinalHop:
		w.LenBytes(c.RecipientPK[:])
	case ContentDelivery:
		w.LenBytes(c.ReplyPublicKey[:])
	}
	w.I32LenBytes(c.ReplyToken)
	w.I32LenBytes(c.Inner)
	return w.Bytes()
}

// DecodeLayerContent parses bytes produced by LayerContent.Encode.
func DecodeLayerContent(buf []byte) (LayerContent, error) {
	r := wire.NewReader(buf)
	var c LayerContent

	t, err := r.U8()
	if err != nil {
		return c, fmt.Errorf("onion: decode layer content type: %w", err)
	}
	c.Type = ContentType(t)

	switch c.Type {
	case ContentRelay:
		if c.NextAddress, err = r.String(1024); err != nil {
			return c, fmt.Errorf("onion: decode relay address: %w", err)
		}
		if c.NextPort, err = r.U16(); err != nil {
			return c, fmt.Errorf("onion: decode relay port: %w", err)
		}
	case ContentFinalHop:
		pk, err := r.LenBytes(32)
		if err != nil {
			return c, fmt.Errorf("onion: decode final hop recipient key: %w", err)
		}
		copy(c.RecipientPK[:], pk)
	case ContentDelivery:
		rpk, err := r.LenBytes(32)
		if err != nil {
			return c, fmt.Errorf("onion: decode delivery reply public key: %w", err)
		}
		copy(c.ReplyPublicKey[:], rpk)
	case ContentAck:
		// no type-specific fields beyond the common reply token and inner
		// payload read below.
	default:
		return c, fmt.Errorf("onion: unknown layer content type %d", t)
	}

	if c.ReplyToken, err = r.I32LenBytes(maxReplyTokenSize); err != nil {
		return c, fmt.Errorf("onion: decode reply token: %w", err)
	}
	if c.Inner, err = r.I32LenBytes(maxInnerSize); err != nil {
		return c, fmt.Errorf("onion: decode inner payload: %w", err)
	}
	return c, nil
}
