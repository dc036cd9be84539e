package dhtnode

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/wire"
)

// dispatch routes a decoded request envelope to its handler. OnionMessage
// has no response frame on this connection: any reply travels back later
// as an independent onion frame, per the onion router's ACK design.
func (n *DhtNode) dispatch(ctx context.Context, env *wire.Envelope, fromHost string) (*wire.Envelope, error) {
	switch env.Type {
	case wire.TypePing:
		return n.handlePing(env)
	case wire.TypeFindNode:
		return n.handleFindNode(env)
	case wire.TypeFindValue:
		return n.handleFindValue(env)
	case wire.TypeStore:
		return n.handleStore(env)
	case wire.TypeStoreOfflineMessage:
		return n.handleStoreOfflineMessage(env)
	case wire.TypeGetOfflineMessages:
		return n.handleGetOfflineMessages(env)
	case wire.TypeOnionMessage:
		return nil, n.handleOnionMessage(env, fromHost)
	default:
		if n.extraDispatch != nil {
			return n.extraDispatch(ctx, env, fromHost)
		}
		return nil, fmt.Errorf("dhtnode: unhandled message type %d", env.Type)
	}
}

func (n *DhtNode) handlePing(env *wire.Envelope) (*wire.Envelope, error) {
	resp := wire.PongPayload{InResponseTo: env.MessageID}
	return n.responseEnvelope(wire.TypePong, resp.Encode()), nil
}

func nodeRecordsFor(nodes []*kademlia.Node) []wire.NodeRecord {
	out := make([]wire.NodeRecord, 0, len(nodes))
	for _, nd := range nodes {
		out = append(out, wire.NodeRecord{
			ID:        nd.ID,
			PublicKey: nd.PublicKey,
			IP:        hostToIPBytes(nd.Address),
			Port:      nd.Port,
		})
	}
	return out
}

func (n *DhtNode) handleFindNode(env *wire.Envelope) (*wire.Envelope, error) {
	req, err := wire.DecodeFindNode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: decode find_node: %w", err)
	}
	target, err := kademlia.FromBytes(req.Target[:])
	if err != nil {
		return nil, fmt.Errorf("dhtnode: invalid find_node target: %w", err)
	}
	closest := n.routingTable.FindClosest(target, n.cfg.K)
	resp := wire.FindNodeResponsePayload{InResponseTo: env.MessageID, Nodes: nodeRecordsFor(closest)}
	return n.responseEnvelope(wire.TypeFindNodeResponse, resp.Encode()), nil
}

func (n *DhtNode) handleFindValue(env *wire.Envelope) (*wire.Envelope, error) {
	req, err := wire.DecodeFindValue(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: decode find_value: %w", err)
	}

	var resp wire.FindValueResponsePayload
	resp.InResponseTo = env.MessageID
	if value, ok := n.storage.Get(req.Key); ok {
		resp.Found = true
		resp.Value = value
	} else {
		target, err := kademlia.FromBytes(req.Key[:])
		if err != nil {
			return nil, fmt.Errorf("dhtnode: invalid find_value key: %w", err)
		}
		resp.Nodes = nodeRecordsFor(n.routingTable.FindClosest(target, n.cfg.K))
	}
	return n.responseEnvelope(wire.TypeFindValueResponse, resp.Encode()), nil
}

func (n *DhtNode) handleStore(env *wire.Envelope) (*wire.Envelope, error) {
	req, err := wire.DecodeStore(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: decode store: %w", err)
	}

	ttl := n.cfg.DefaultValueTTL
	if req.TTLSeconds > 0 {
		ttl = secondsToDuration(req.TTLSeconds)
	}

	resp := wire.StoreResponsePayload{InResponseTo: env.MessageID, Success: true}
	if err := n.storage.Store(req.Key, req.Value, ttl); err != nil {
		resp.Success = false
		resp.Error = err.Error()
	}
	return n.responseEnvelope(wire.TypeStoreResponse, resp.Encode()), nil
}

// mailboxKey hashes a raw recipient public key to the key dhtstore uses
// for offline mailboxes, matching onion.Router's local-delivery path so a
// message mailboxed by either route lands in the same bucket.
func mailboxKey(recipientPK [32]byte) [32]byte {
	return sha256.Sum256(recipientPK[:])
}

func (n *DhtNode) handleStoreOfflineMessage(env *wire.Envelope) (*wire.Envelope, error) {
	req, err := wire.DecodeStoreOfflineMessage(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: decode store_offline_message: %w", err)
	}
	resp := wire.StoreResponsePayload{InResponseTo: env.MessageID, Success: true}
	if err := n.storage.StoreOfflineMessage(mailboxKey(req.RecipientKey), req.Ciphertext); err != nil {
		resp.Success = false
		resp.Error = err.Error()
	}
	return n.responseEnvelope(wire.TypeStoreResponse, resp.Encode()), nil
}

func (n *DhtNode) handleGetOfflineMessages(env *wire.Envelope) (*wire.Envelope, error) {
	req, err := wire.DecodeGetOfflineMessages(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: decode get_offline_messages: %w", err)
	}
	messages := n.storage.GetOfflineMessages(mailboxKey(req.RecipientKey))
	resp := wire.OfflineMessagesResponsePayload{InResponseTo: env.MessageID, Messages: messages}
	return n.responseEnvelope(wire.TypeOfflineMessagesResponse, resp.Encode()), nil
}

func (n *DhtNode) handleOnionMessage(env *wire.Envelope, fromHost string) error {
	req, err := wire.DecodeOnionMessage(env.Payload)
	if err != nil {
		return fmt.Errorf("dhtnode: decode onion message: %w", err)
	}
	if n.onOnionMessage == nil {
		return nil
	}
	n.onOnionMessage(req.Layer, fromHost, req.ReplyPort)
	return nil
}
