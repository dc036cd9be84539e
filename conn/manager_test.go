package conn

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MagicCactus42/susurri/config"
	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/relay"
	"github.com/MagicCactus42/susurri/wire"
)

// fakeDialTransport stubs the direct-dial path.
type fakeDialTransport struct {
	conn    net.Conn
	dialErr error
	dials   int
}

func (f *fakeDialTransport) DialRaw(ctx context.Context, address string, port uint16) (net.Conn, error) {
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.conn, nil
}

// fakeRelayTransport stubs relay.Service's outbound side, routing SendRPC
// into a peer Service's Dispatch in-process.
type fakeRelayTransport struct {
	rpcPeer  *relay.Service
	dialConn net.Conn
}

func (f *fakeRelayTransport) DialRaw(ctx context.Context, address string, port uint16) (net.Conn, error) {
	return f.dialConn, nil
}

func (f *fakeRelayTransport) SendRPC(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) (*wire.Envelope, error) {
	return f.rpcPeer.Dispatch(ctx, &wire.Envelope{Type: msgType, Payload: payload}, "client-host")
}

func (f *fakeRelayTransport) SendOneShot(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) error {
	_, err := f.rpcPeer.Dispatch(ctx, &wire.Envelope{Type: msgType, Payload: payload}, "client-host")
	return err
}

func addNode(t *testing.T, rt *kademlia.RoutingTable, salt byte, address string, port uint16) *kademlia.Node {
	t.Helper()
	var pk [32]byte
	pk[0] = salt
	node := kademlia.NewNode(pk, address, port)
	require.Equal(t, kademlia.Added, rt.TryAdd(node))
	return node
}

func newTestManager(t *testing.T, dialTransport Transport, relaySvc *relay.Service, rt *kademlia.RoutingTable) *ConnectionManager {
	t.Helper()
	cfg := config.Default()
	m := New(cfg, dialTransport, relaySvc, rt)
	t.Cleanup(m.Stop)
	return m
}

func TestGetConnectionReturnsErrNodeUnknownForEmptyTable(t *testing.T) {
	rt := kademlia.NewRoutingTable(mustRandomID(t), config.Default().BucketCount, config.Default().K)
	relaySvc := relay.New(config.Default(), &fakeRelayTransport{}, rt, func() uint16 { return 1 })
	m := newTestManager(t, &fakeDialTransport{}, relaySvc, rt)

	_, err := m.GetConnection(context.Background(), kademlia.ID{0x42})
	var unknown ErrNodeUnknown
	assert.ErrorAs(t, err, &unknown)
}

func TestGetConnectionCachesDirectConnection(t *testing.T) {
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	rt := kademlia.NewRoutingTable(mustRandomID(t), config.Default().BucketCount, config.Default().K)
	target := addNode(t, rt, 1, "127.0.0.1", 7000)

	dialTransport := &fakeDialTransport{conn: client}
	relaySvc := relay.New(config.Default(), &fakeRelayTransport{}, rt, func() uint16 { return 1 })
	m := newTestManager(t, dialTransport, relaySvc, rt)

	c1, err := m.GetConnection(context.Background(), target.ID)
	require.NoError(t, err)
	c2, err := m.GetConnection(context.Background(), target.ID)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dialTransport.dials)
}

func TestGetConnectionFallsBackToRelayWhenDirectDialFails(t *testing.T) {
	relayClientConn, relayServerConn := net.Pipe()
	t.Cleanup(func() { relayClientConn.Close(); relayServerConn.Close() })

	managerRT := kademlia.NewRoutingTable(mustRandomID(t), config.Default().BucketCount, config.Default().K)
	target := addNode(t, managerRT, 1, "127.0.0.1", 7001)
	addNode(t, managerRT, 2, "127.0.0.1", 7002)

	relayServerRT := kademlia.NewRoutingTable(mustRandomID(t), config.Default().BucketCount, config.Default().K)
	require.Equal(t, kademlia.Added, relayServerRT.TryAdd(&kademlia.Node{ID: target.ID, PublicKey: target.PublicKey, Address: target.Address, Port: target.Port}))

	relayServerSvc := relay.New(config.Default(), &fakeRelayTransport{dialConn: relayClientConn}, relayServerRT, func() uint16 { return 9000 })

	clientRelayRT := kademlia.NewRoutingTable(mustRandomID(t), config.Default().BucketCount, config.Default().K)
	clientRelaySvc := relay.New(config.Default(), &fakeRelayTransport{rpcPeer: relayServerSvc}, clientRelayRT, func() uint16 { return 4000 })

	dialTransport := &fakeDialTransport{dialErr: errors.New("direct dial refused")}
	m := newTestManager(t, dialTransport, clientRelaySvc, managerRT)

	c, err := m.GetConnection(context.Background(), target.ID)
	require.NoError(t, err)
	require.NotNil(t, c)

	require.NoError(t, c.Send(context.Background(), []byte("via-relay")))

	frame, err := wire.ReadFrame(relayServerConn, config.Default().MaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("via-relay"), frame)
}

func mustRandomID(t *testing.T) kademlia.ID {
	t.Helper()
	id, err := kademlia.Random()
	require.NoError(t, err)
	return id
}
