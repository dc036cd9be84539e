package dhtnode

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/MagicCactus42/susurri/wire"
)

// pendingRequest is the bookkeeping entry kept for the duration of one
// outstanding RPC, mirroring the spec's message-id-keyed tracking map even
// though this transport resolves each request on its own dedicated
// connection rather than multiplexing responses over a shared socket.
type pendingRequest struct {
	startedAt time.Time
	timeout   time.Duration
}

func randomMessageID() ([16]byte, error) {
	var id [16]byte
	_, err := rand.Read(id[:])
	return id, err
}

// dial opens a fresh TCP connection to address:port with the configured
// RPC timeout applied to both the dial and the full request/response
// exchange.
func (n *DhtNode) dial(ctx context.Context, address string, port uint16) (net.Conn, error) {
	dialer := net.Dialer{Timeout: n.cfg.RPCTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("dhtnode: dial %s:%d: %w", address, port, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// sendRPC performs one request/response RPC: dial, write the request
// envelope, read back one response frame. The outstanding request is
// registered in n.pending for the duration of the call so its presence can
// be inspected (e.g. by tests or diagnostics) the way the spec's
// pending-request map is described.
func (n *DhtNode) sendRPC(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) (*wire.Envelope, error) {
	msgID, err := randomMessageID()
	if err != nil {
		return nil, fmt.Errorf("dhtnode: generate message id: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	n.pending.Store(msgID, pendingRequest{startedAt: time.Now(), timeout: n.cfg.RPCTimeout})
	defer n.pending.Delete(msgID)

	conn, err := n.dial(ctx, address, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := &wire.Envelope{
		Type:      msgType,
		MessageID: msgID,
		SenderID:  n.localID,
		SenderKey: n.identity.EncryptionPublicKey(),
		Payload:   payload,
	}
	if err := wire.WriteFrame(conn, req.Encode()); err != nil {
		return nil, fmt.Errorf("dhtnode: write request: %w", err)
	}

	frame, err := wire.ReadFrame(conn, n.cfg.MaxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: read response: %w", err)
	}
	resp, err := wire.DecodeEnvelope(frame)
	if err != nil {
		return nil, fmt.Errorf("dhtnode: decode response: %w", err)
	}
	return resp, nil
}

// SendRPC is the exported form of sendRPC, used by components that share
// this node's socket (the relay service, when acting as a circuit client)
// to issue a request/response exchange of their own message type.
func (n *DhtNode) SendRPC(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) (*wire.Envelope, error) {
	return n.sendRPC(ctx, address, port, msgType, payload)
}

// SendOneShot is the exported form of sendOneShot, used by components that
// share this node's socket (the relay service) to deliver a frame of their
// own message type without waiting for a response.
func (n *DhtNode) SendOneShot(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) error {
	return n.sendOneShot(ctx, address, port, msgType, payload)
}

// DialRaw opens a fresh TCP connection to address:port using the node's
// configured dial timeout, without sending anything. Used by the relay
// service to hold open the target side of a stateful circuit.
func (n *DhtNode) DialRaw(ctx context.Context, address string, port uint16) (net.Conn, error) {
	return n.dial(ctx, address, port)
}

// pendingCount reports how many RPCs are currently in flight, for tests.
func (n *DhtNode) pendingCount() int {
	count := 0
	n.pending.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// sendOneShot delivers payload without waiting for or reading a response,
// used for OnionMessage forwarding where the protocol defines no reply
// frame on this connection (any ACK travels back as its own, independent
// onion message later).
func (n *DhtNode) sendOneShot(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) error {
	msgID, err := randomMessageID()
	if err != nil {
		return fmt.Errorf("dhtnode: generate message id: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	conn, err := n.dial(ctx, address, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := &wire.Envelope{
		Type:      msgType,
		MessageID: msgID,
		SenderID:  n.localID,
		SenderKey: n.identity.EncryptionPublicKey(),
		Payload:   payload,
	}
	if err := wire.WriteFrame(conn, req.Encode()); err != nil {
		return fmt.Errorf("dhtnode: write one-shot message: %w", err)
	}
	return nil
}
