package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MagicCactus42/susurri/config"
	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/wire"
)

type sentFrame struct {
	address string
	port    uint16
	msgType wire.MessageType
	payload []byte
}

// fakeTransport stubs the outbound side of Service.Transport: DialRaw always
// returns a fixed connection (typically one end of a net.Pipe whose other
// end the test drives as the "target"), and SendOneShot records every frame
// instead of actually sending it.
type fakeTransport struct {
	dialConn net.Conn
	dialErr  error

	// rpcPeer, when set, makes SendRPC dispatch directly into another
	// Service's Dispatch in-process, simulating a network round trip
	// between two nodes without opening real sockets.
	rpcPeer *Service

	mu   sync.Mutex
	sent []sentFrame
}

func (f *fakeTransport) DialRaw(ctx context.Context, address string, port uint16) (net.Conn, error) {
	return f.dialConn, f.dialErr
}

func (f *fakeTransport) SendOneShot(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{address, port, msgType, payload})
	peer := f.rpcPeer
	f.mu.Unlock()
	if peer != nil {
		_, err := peer.Dispatch(ctx, &wire.Envelope{Type: msgType, Payload: payload}, "relay-host")
		return err
	}
	return nil
}

func (f *fakeTransport) SendRPC(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) (*wire.Envelope, error) {
	if f.rpcPeer == nil {
		return nil, fmt.Errorf("fakeTransport: no rpc peer configured")
	}
	env := &wire.Envelope{Type: msgType, Payload: payload}
	return f.rpcPeer.Dispatch(ctx, env, "client-host")
}

func (f *fakeTransport) sentOf(msgType wire.MessageType) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, s := range f.sent {
		if s.msgType == msgType {
			out = append(out, s)
		}
	}
	return out
}

func addKnownTarget(t *testing.T, rt *kademlia.RoutingTable, address string, port uint16) [32]byte {
	t.Helper()
	var pk [32]byte
	pk[0] = byte(port) // distinct per-test, good enough for a unique ID
	pk[1] = byte(port >> 8)
	node := kademlia.NewNode(pk, address, port)
	require.Equal(t, kademlia.Added, rt.TryAdd(node))
	return node.ID
}

func newTestService(t *testing.T, transport Transport) (*Service, *kademlia.RoutingTable) {
	t.Helper()
	localID, err := kademlia.Random()
	require.NoError(t, err)
	cfg := config.Default()
	rt := kademlia.NewRoutingTable(localID, cfg.BucketCount, cfg.K)
	svc := New(cfg, transport, rt, func() uint16 { return 4242 })
	t.Cleanup(svc.Stop)
	return svc, rt
}

func TestRelayRequestUnknownTargetFailsFast(t *testing.T) {
	transport := &fakeTransport{}
	svc, _ := newTestService(t, transport)

	req := wire.RelayRequestPayload{TargetID: [32]byte{0xAA}, Data: []byte("ping")}
	env := &wire.Envelope{Type: wire.TypeRelayRequest, Payload: req.Encode()}

	resp, err := svc.Dispatch(context.Background(), env, "requester-host")
	require.NoError(t, err)

	decoded, err := wire.DecodeRelayResponse(resp.Payload)
	require.NoError(t, err)
	assert.False(t, decoded.Success)
	assert.NotEmpty(t, decoded.Error)
}

func TestRelayRequestForwardsToKnownTargetAndPipesResponse(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	transport := &fakeTransport{dialConn: client}
	svc, rt := newTestService(t, transport)
	targetID := addKnownTarget(t, rt, "127.0.0.1", 5001)

	go func() {
		frame, err := wire.ReadFrame(server, config.Default().MaxFrameSize)
		if err != nil {
			return
		}
		_ = wire.WriteFrame(server, append([]byte("echo:"), frame...))
	}()

	req := wire.RelayRequestPayload{TargetID: targetID, Data: []byte("ping")}
	env := &wire.Envelope{Type: wire.TypeRelayRequest, Payload: req.Encode()}

	resp, err := svc.Dispatch(context.Background(), env, "requester-host")
	require.NoError(t, err)

	decoded, err := wire.DecodeRelayResponse(resp.Payload)
	require.NoError(t, err)
	assert.True(t, decoded.Success)
	assert.Equal(t, "echo:ping", string(decoded.Data))
}

func TestCircuitRequestAcceptedAndDataRelayedBothWays(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	transport := &fakeTransport{dialConn: client}
	svc, rt := newTestService(t, transport)
	targetID := addKnownTarget(t, rt, "127.0.0.1", 5002)

	openReq := wire.CircuitRequestPayload{CircuitID: "circuit-1", TargetID: targetID, ReplyPort: 9001}
	env := &wire.Envelope{Type: wire.TypeCircuitRequest, Payload: openReq.Encode()}

	resp, err := svc.Dispatch(context.Background(), env, "requester-host")
	require.NoError(t, err)

	accept, err := wire.DecodeCircuitAccept(resp.Payload)
	require.NoError(t, err)
	assert.True(t, accept.Accepted)
	assert.Equal(t, "circuit-1", accept.CircuitID)
	assert.Equal(t, 1, svc.ActiveCircuits())

	// net.Pipe is unbuffered, so the target side must be reading while
	// Dispatch writes the forwarded frame.
	var frame []byte
	readDone := make(chan error, 1)
	go func() {
		var readErr error
		frame, readErr = wire.ReadFrame(server, config.Default().MaxFrameSize)
		readDone <- readErr
	}()

	dataReq := wire.RelayDataPayload{CircuitID: "circuit-1", Data: []byte("hello")}
	dataEnv := &wire.Envelope{Type: wire.TypeRelayData, Payload: dataReq.Encode()}
	_, err = svc.Dispatch(context.Background(), dataEnv, "requester-host")
	require.NoError(t, err)

	require.NoError(t, <-readDone)
	assert.Equal(t, []byte("hello"), frame)

	require.NoError(t, wire.WriteFrame(server, []byte("reply-data")))

	assert.Eventually(t, func() bool {
		for _, s := range transport.sentOf(wire.TypeRelayData) {
			payload, err := wire.DecodeRelayData(s.payload)
			if err == nil && payload.CircuitID == "circuit-1" && string(payload.Data) == "reply-data" {
				return s.address == "requester-host" && s.port == 9001
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestCircuitCloseRemovesCircuit(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	transport := &fakeTransport{dialConn: client}
	svc, rt := newTestService(t, transport)
	targetID := addKnownTarget(t, rt, "127.0.0.1", 5003)

	openReq := wire.CircuitRequestPayload{CircuitID: "circuit-close", TargetID: targetID, ReplyPort: 9002}
	env := &wire.Envelope{Type: wire.TypeCircuitRequest, Payload: openReq.Encode()}
	_, err := svc.Dispatch(context.Background(), env, "requester-host")
	require.NoError(t, err)
	require.Equal(t, 1, svc.ActiveCircuits())

	closeReq := wire.CircuitClosePayload{CircuitID: "circuit-close", Reason: "done"}
	closeEnv := &wire.Envelope{Type: wire.TypeCircuitClose, Payload: closeReq.Encode()}
	_, err = svc.Dispatch(context.Background(), closeEnv, "requester-host")
	require.NoError(t, err)
	assert.Equal(t, 0, svc.ActiveCircuits())
}

// TestCircuitDataBreachClosesCircuitAndNotifiesRequester implements spec
// scenario S8 at the service level: a RelayData chunk that crosses the byte
// cap tears the circuit down and notifies the requester with CircuitClose.
func TestCircuitDataBreachClosesCircuitAndNotifiesRequester(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	transport := &fakeTransport{dialConn: client}
	svc, rt := newTestService(t, transport)
	svc.circuits.maxCircuitBytes = 4
	targetID := addKnownTarget(t, rt, "127.0.0.1", 5004)

	openReq := wire.CircuitRequestPayload{CircuitID: "circuit-cap", TargetID: targetID, ReplyPort: 9003}
	env := &wire.Envelope{Type: wire.TypeCircuitRequest, Payload: openReq.Encode()}
	_, err := svc.Dispatch(context.Background(), env, "requester-host")
	require.NoError(t, err)

	dataReq := wire.RelayDataPayload{CircuitID: "circuit-cap", Data: []byte("toolong")}
	dataEnv := &wire.Envelope{Type: wire.TypeRelayData, Payload: dataReq.Encode()}
	_, err = svc.Dispatch(context.Background(), dataEnv, "requester-host")
	require.NoError(t, err)

	assert.Equal(t, 0, svc.ActiveCircuits())
	assert.NotEmpty(t, transport.sentOf(wire.TypeCircuitClose))
}

type recordingSink struct {
	mu     sync.Mutex
	data   [][]byte
	closed string
}

func (r *recordingSink) OnCircuitData(circuitID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, data)
}

func (r *recordingSink) OnCircuitClosed(circuitID string, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = reason
}

// TestEstablishCircuitRoundTrip exercises the client half of the circuit
// protocol against a real relay Service (in-process, via fakeTransport's
// rpcPeer dispatch) standing in for a remote relay node.
func TestEstablishCircuitRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	relayTransport := &fakeTransport{dialConn: client}
	relaySvc, rt := newTestService(t, relayTransport)
	targetID := addKnownTarget(t, rt, "127.0.0.1", 5005)

	requesterTransport := &fakeTransport{rpcPeer: relaySvc}
	requesterSvc, _ := newTestService(t, requesterTransport)
	// The relay pushes RelayData/CircuitClose back to the requester's own
	// socket; route that traffic into the requester Service the same way a
	// DhtNode's OnUnroutedMessage hook would.
	relayTransport.rpcPeer = requesterSvc

	sink := &recordingSink{}
	circuitID, err := requesterSvc.EstablishCircuit(context.Background(), targetID, "relay-host", 6000, sink)
	require.NoError(t, err)
	require.Equal(t, 1, relaySvc.ActiveCircuits())

	// net.Pipe is unbuffered, so the target side must be reading while the
	// relay writes the forwarded frame.
	var frame []byte
	readDone := make(chan error, 1)
	go func() {
		var readErr error
		frame, readErr = wire.ReadFrame(server, config.Default().MaxFrameSize)
		readDone <- readErr
	}()

	require.NoError(t, requesterSvc.SendCircuitData(context.Background(), circuitID, "relay-host", 6000, []byte("hi")))

	require.NoError(t, <-readDone)
	assert.Equal(t, []byte("hi"), frame)

	require.NoError(t, wire.WriteFrame(server, []byte("reply")))

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.data) == 1 && string(sink.data[0]) == "reply"
	}, time.Second, 10*time.Millisecond)

	requesterSvc.CloseClientCircuit(context.Background(), circuitID, "relay-host", 6000, "done")
	assert.Eventually(t, func() bool {
		return relaySvc.ActiveCircuits() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEstablishCircuitRejectedWhenTargetUnknown(t *testing.T) {
	relayTransport := &fakeTransport{}
	relaySvc, _ := newTestService(t, relayTransport)

	requesterTransport := &fakeTransport{rpcPeer: relaySvc}
	requesterSvc, _ := newTestService(t, requesterTransport)

	_, err := requesterSvc.EstablishCircuit(context.Background(), [32]byte{0x99}, "relay-host", 6000, &recordingSink{})
	var rejected ErrCircuitRejected
	assert.ErrorAs(t, err, &rejected)
}
