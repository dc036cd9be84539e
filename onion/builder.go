package onion

import (
	"errors"
	"fmt"

	"github.com/MagicCactus42/susurri/crypto"
	"github.com/MagicCactus42/susurri/wire"
)

// PathHop identifies one relay on a forward onion path.
type PathHop struct {
	NodeID    [32]byte
	PublicKey [32]byte
	Address   string
	Port      uint16
}

// ErrEmptyPath is returned when BuildPacket is asked to build a path of
// zero hops.
var ErrEmptyPath = errors.New("onion: path must have at least one hop")

// Builder constructs layered onion packets, per spec §4.8: pad the
// message, mint one reply token per hop, seal the innermost recipient
// payload, then wrap outward so each hop can decrypt only its own layer.
// Grounded on the teacher's layered envelope construction in
// async/forward_secrecy.go, generalized from a single-hop wrap to an
// arbitrary-length relay path.
type Builder struct{}

// NewBuilder returns a stateless onion packet builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Sender describes the originating node, for reply-token construction:
// the first hop's reply token points an ACK back here.
type Sender struct {
	Address   string
	Port      uint16
	PublicKey [32]byte
}

// BuildPacket builds the outermost sealed layer to push to path[0]. path
// must contain at least one hop, ordered from first relay to last
// (the one adjacent to the recipient).
func (b *Builder) BuildPacket(path []PathHop, recipientPK [32]byte, chatMessage []byte, sender Sender) ([]byte, error) {
	if len(path) == 0 {
		return nil, ErrEmptyPath
	}

	padded, err := Pad(chatMessage)
	if err != nil {
		return nil, fmt.Errorf("onion: pad message: %w", err)
	}

	tokens := make([][]byte, len(path))
	for i, hop := range path {
		var previous PreviousHop
		if i == 0 {
			previous = SenderHop(sender.Address, sender.Port, sender.PublicKey)
		} else {
			previous = Relay(path[i-1].Address, path[i-1].Port, path[i-1].PublicKey)
		}
		tok, err := sealReplyToken(hop.PublicKey, previous)
		if err != nil {
			return nil, fmt.Errorf("onion: seal reply token for hop %d: %w", i, err)
		}
		tokens[i] = tok
	}

	payload := recipientPayload{
		PaddedMessage:   padded,
		ReplyTokens:     tokens,
		SenderPublicKey: sender.PublicKey,
	}
	sealed, err := crypto.SealLayer(payload.encode(), recipientPK)
	if err != nil {
		return nil, fmt.Errorf("onion: seal recipient payload: %w", err)
	}
	innerBytes := wire.EncodeSealedLayer(sealed)

	for i := len(path) - 1; i >= 0; i-- {
		var content LayerContent
		if i == len(path)-1 {
			content = LayerContent{
				Type:        ContentFinalHop,
				RecipientPK: recipientPK,
				ReplyToken:  tokens[i],
				Inner:       innerBytes,
			}
		} else {
			next := path[i+1]
			content = LayerContent{
				Type:        ContentRelay,
				NextAddress: next.Address,
				NextPort:    next.Port,
				ReplyToken:  tokens[i],
				Inner:       innerBytes,
			}
		}

		sealedLayer, err := crypto.SealLayer(content.Encode(), path[i].PublicKey)
		if err != nil {
			return nil, fmt.Errorf("onion: seal layer for hop %d: %w", i, err)
		}
		innerBytes = wire.EncodeSealedLayer(sealedLayer)
	}

	return innerBytes, nil
}
