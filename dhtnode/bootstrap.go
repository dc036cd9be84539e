package dhtnode

import (
	"context"
	"fmt"

	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/wire"
)

// Seed identifies a bootstrap contact by address; its node id and public
// key are learned from the Pong it answers with, mirroring the teacher's
// BootstrapManager (opd-ai/toxcore dht/bootstrap.go) generalized from a
// UDP get-nodes handshake to this protocol's ping/pong RPC.
type Seed struct {
	Address string
	Port    uint16
}

// BootstrapResult reports one seed's outcome.
type BootstrapResult struct {
	Seed    Seed
	Success bool
	Err     error
}

// Bootstrap pings every seed; each success is added to the routing table
// and followed by a FIND_NODE on the local id to populate buckets beyond
// the seeds themselves.
func (n *DhtNode) Bootstrap(ctx context.Context, seeds []Seed) []BootstrapResult {
	results := make([]BootstrapResult, 0, len(seeds))
	for _, s := range seeds {
		results = append(results, n.bootstrapOne(ctx, s))
	}

	n.iterativeFindNode(ctx, n.localID)
	return results
}

func (n *DhtNode) bootstrapOne(ctx context.Context, s Seed) BootstrapResult {
	resp, err := n.sendRPC(ctx, s.Address, s.Port, wire.TypePing, wire.PingPayload{}.Encode())
	if err != nil {
		return BootstrapResult{Seed: s, Success: false, Err: fmt.Errorf("dhtnode: bootstrap ping %s:%d: %w", s.Address, s.Port, err)}
	}
	if _, err := wire.DecodePong(resp.Payload); err != nil {
		return BootstrapResult{Seed: s, Success: false, Err: fmt.Errorf("dhtnode: bootstrap pong %s:%d: %w", s.Address, s.Port, err)}
	}

	node := kademlia.NewNode(resp.SenderKey, s.Address, s.Port)
	n.routingTable.TryAdd(node)
	return BootstrapResult{Seed: s, Success: true}
}
