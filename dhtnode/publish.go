package dhtnode

import (
	"context"
	"fmt"
	"time"

	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/wire"
)

// StoreValue stores value under key on the k nodes nearest key, per the
// standard Kademlia STORE fan-out. If no peers are known, the value is
// kept locally as a last resort so a single-node network still works.
func (n *DhtNode) StoreValue(ctx context.Context, key kademlia.ID, value []byte, ttl time.Duration) error {
	targets := n.iterativeFindNode(ctx, key)
	if len(targets) == 0 {
		return n.storage.Store(key, value, ttl)
	}

	ttlSeconds := uint32(ttl / time.Second)
	payload := wire.StorePayload{Key: key, Value: value, TTLSeconds: ttlSeconds}

	var lastErr error
	stored := 0
	for _, t := range targets {
		resp, err := n.sendRPC(ctx, t.Address, t.Port, wire.TypeStore, payload.Encode())
		t.RecordPing(err == nil)
		if err != nil {
			lastErr = err
			continue
		}
		decoded, err := wire.DecodeStoreResponse(resp.Payload)
		if err != nil {
			lastErr = err
			continue
		}
		if decoded.Success {
			stored++
		}
	}
	if stored == 0 {
		if lastErr != nil {
			return fmt.Errorf("dhtnode: store_value failed on every target: %w", lastErr)
		}
		return fmt.Errorf("dhtnode: store_value rejected by every target")
	}
	return nil
}

// FindValue checks local storage first, then runs the iterative
// FIND_VALUE procedure against the network.
func (n *DhtNode) FindValue(ctx context.Context, key kademlia.ID) ([]byte, bool) {
	if value, ok := n.storage.Get(key); ok {
		return value, true
	}
	return n.iterativeFindValue(ctx, key)
}

// RandomNodesForPath samples up to count nodes from the routing table for
// onion path selection, excluding exclude (the message's recipient: per
// spec.md §4.3, the caller must filter out the target, since a path hop
// that turns out to be the recipient gets delivered to directly by
// handleFinalHop with no dialable reply address, silently dropping the
// ACK). Oversamples by one so a present-and-filtered recipient doesn't
// shrink the result below count unless the table is that small.
func (n *DhtNode) RandomNodesForPath(count int, exclude [32]byte) []*kademlia.Node {
	candidates := n.routingTable.GetRandomNodes(count + 1)
	result := make([]*kademlia.Node, 0, count)
	for _, node := range candidates {
		if node.PublicKey == exclude {
			continue
		}
		result = append(result, node)
		if len(result) == count {
			break
		}
	}
	return result
}

// PublishPublicKey signs and stores a UserPublicKeyRecord under
// hash(username), on the k nodes nearest that key. address is the
// caller's own dialable endpoint (this substrate has no NAT-traversal
// discovery of its own, per the onion/relay design, so callers that sit
// behind NAT must supply a relay-reachable address here instead).
func (n *DhtNode) PublishPublicKey(ctx context.Context, username, address string, port uint16) error {
	record := &wire.UserPublicKeyRecord{
		SigningPublicKey:    n.identity.SigningPublicKey32(),
		EncryptionPublicKey: n.identity.EncryptionPublicKey(),
		Address:             address,
		Port:                port,
		Timestamp:           time.Now().Unix(),
	}

	if err := record.Sign(n.identity.SigningSeed()); err != nil {
		return fmt.Errorf("dhtnode: sign public key record: %w", err)
	}

	key := kademlia.FromString(username)
	return n.StoreValue(ctx, key, record.Encode(), n.cfg.DefaultValueTTL)
}

// LookupPublicKey resolves username to its published record, verifying
// the attached signature. A record that fails verification is treated as
// absent (spec scenario S9): callers never learn the tampered contents.
func (n *DhtNode) LookupPublicKey(ctx context.Context, username string) (*wire.UserPublicKeyRecord, bool) {
	key := kademlia.FromString(username)
	value, ok := n.FindValue(ctx, key)
	if !ok {
		return nil, false
	}

	record, err := wire.DecodeUserPublicKeyRecord(value)
	if err != nil {
		n.logger.WithError(err).WithField("username", username).Debug("malformed public key record")
		return nil, false
	}

	valid, err := record.Verify()
	if err != nil || !valid {
		n.logger.WithField("username", username).Debug("public key record failed signature verification")
		return nil, false
	}
	return record, true
}
