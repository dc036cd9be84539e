package dhtnode

import (
	"context"

	"github.com/MagicCactus42/susurri/wire"
)

// forwardOnion sends one opaque onion layer to address:port, fire-and-
// forget, stamping this node's own listening port as ReplyPort.
func (n *DhtNode) forwardOnion(address string, port uint16, frame []byte) error {
	payload := wire.OnionMessagePayload{Layer: frame, ReplyPort: n.Port()}
	return n.sendOneShot(context.Background(), address, port, wire.TypeOnionMessage, payload.Encode())
}
