package dhtnode

import (
	"context"
	"fmt"

	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/wire"
)

// StoreOfflineMessage implements onion.Mailbox: deposits ciphertext into
// the mailboxes of the k nodes nearest recipientPK's node id, the same
// Kademlia STORE fan-out StoreValue uses for arbitrary values, so a
// message mailboxed here can later be found by the recipient's own
// GetOfflineMessages call regardless of which relay happened to be the
// last onion hop. Falls back to local storage if no peers are known, so
// a single-node network still works.
func (n *DhtNode) StoreOfflineMessage(recipientPK [32]byte, ciphertext []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()

	key := kademlia.FromPublicKey(recipientPK)
	targets := n.iterativeFindNode(ctx, key)
	if len(targets) == 0 {
		return n.storage.StoreOfflineMessage(mailboxKey(recipientPK), ciphertext)
	}

	payload := wire.StoreOfflineMessagePayload{RecipientKey: recipientPK, Ciphertext: ciphertext}

	var lastErr error
	stored := 0
	for _, t := range targets {
		resp, err := n.sendRPC(ctx, t.Address, t.Port, wire.TypeStoreOfflineMessage, payload.Encode())
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
			return fmt.Errorf("dhtnode: store_offline_message failed on every target: %w", lastErr)
		}
		return fmt.Errorf("dhtnode: store_offline_message rejected by every target")
	}
	return nil
}

// GetOfflineMessages drains this node's own local mailbox, then runs the
// iterative FIND_NODE procedure against this node's own id and asks each
// of the resulting nodes for any messages they hold for it, mirroring
// FindValue's query-the-network fan-out. Meant to be called once at
// startup, once the node is listening and can receive replies.
func (n *DhtNode) GetOfflineMessages(ctx context.Context) [][]byte {
	ownKey := n.identity.EncryptionPublicKey()
	messages := n.storage.GetOfflineMessages(mailboxKey(ownKey))

	key := kademlia.FromPublicKey(ownKey)
	targets := n.iterativeFindNode(ctx, key)
	if len(targets) == 0 {
		return messages
	}

	payload := wire.GetOfflineMessagesPayload{RecipientKey: ownKey}
	for _, t := range targets {
		resp, err := n.sendRPC(ctx, t.Address, t.Port, wire.TypeGetOfflineMessages, payload.Encode())
		t.RecordPing(err == nil)
		if err != nil {
			continue
		}
		decoded, err := wire.DecodeOfflineMessagesResponse(resp.Payload)
		if err != nil {
			continue
		}
		messages = append(messages, decoded.Messages...)
	}
	return messages
}

// Locate implements onion.PeerLocator: if pk is a node already known in
// the routing table, its address/port are returned directly, avoiding a
// DHT round trip for path hops the local node has already seen.
func (n *DhtNode) Locate(pk [32]byte) (string, uint16, bool) {
	id := kademlia.FromPublicKey(pk)
	nodes := n.routingTable.FindClosest(id, 1)
	if len(nodes) == 0 || nodes[0].PublicKey != pk {
		return "", 0, false
	}
	return nodes[0].Address, nodes[0].Port, true
}

// Forward implements onion.Forwarder: deliver one opaque onion frame to
// address:port as a one-shot OnionMessage RPC, stamping this node's own
// listening port so the recipient has a dialable address for any ACK.
func (n *DhtNode) Forward(address string, port uint16, frame []byte) error {
	return n.forwardOnion(address, port, frame)
}
