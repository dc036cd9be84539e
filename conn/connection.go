// Package conn implements the connection fabric: a direct-then-relayed
// connection abstraction over a target node, cached and idle-evicted.
// Grounded on the teacher's net.PacketConnection abstraction (opd-ai/
// toxcore net/packet_connection.go), which likewise hides a transport
// behind Send/Receive/Close so callers don't care whether traffic moves
// over a raw socket or something else underneath.
package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/MagicCactus42/susurri/relay"
	"github.com/MagicCactus42/susurri/wire"
)

// Connection is a logical duplex pipe to one remote node, direct or
// relayed. Send and Receive are safe to call from different goroutines;
// Close is idempotent.
type Connection interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// directConn is a Connection backed by one real TCP connection to the peer.
type directConn struct {
	conn   rawConn
	maxLen int
}

// rawConn is the subset of net.Conn directConn needs, narrowed so tests can
// substitute net.Pipe ends without pulling in a real listener.
type rawConn interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

func newDirectConn(c rawConn, maxFrameSize int) *directConn {
	return &directConn{conn: c, maxLen: maxFrameSize}
}

func (d *directConn) Send(ctx context.Context, frame []byte) error {
	return wire.WriteFrame(writerAdapter{d.conn}, frame)
}

func (d *directConn) Receive(ctx context.Context) ([]byte, error) {
	return wire.ReadFrame(readerAdapter{d.conn}, d.maxLen)
}

func (d *directConn) Close() error {
	return d.conn.Close()
}

// writerAdapter and readerAdapter satisfy io.Writer/io.Reader over rawConn
// without requiring the full net.Conn surface.
type writerAdapter struct{ rawConn }
type readerAdapter struct{ rawConn }

func (w writerAdapter) Write(b []byte) (int, error) { return w.rawConn.Write(b) }
func (r readerAdapter) Read(b []byte) (int, error)  { return r.rawConn.Read(b) }

// relayConn is a Connection backed by a circuit through a relay node. It
// implements relay.ClientCircuitSink so the relay service can hand it
// inbound data and close notifications as they arrive.
type relayConn struct {
	svc        *relay.Service
	circuitID  string
	relayAddr  string
	relayPort  uint16

	mu     sync.Mutex
	inbox  chan []byte
	closed chan struct{}
	closeOnce sync.Once
	closeErr  string
}

func newRelayConn(svc *relay.Service, circuitID, relayAddr string, relayPort uint16) *relayConn {
	return &relayConn{
		svc:       svc,
		circuitID: circuitID,
		relayAddr: relayAddr,
		relayPort: relayPort,
		inbox:     make(chan []byte, 16),
		closed:    make(chan struct{}),
	}
}

func (r *relayConn) OnCircuitData(circuitID string, data []byte) {
	select {
	case r.inbox <- data:
	default:
		// Inbox full: drop rather than block the relay dispatch goroutine.
	}
}

func (r *relayConn) OnCircuitClosed(circuitID string, reason string) {
	r.mu.Lock()
	r.closeErr = reason
	r.mu.Unlock()
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *relayConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-r.closed:
		return fmt.Errorf("conn: circuit %s closed: %s", r.circuitID, r.reason())
	default:
	}
	return r.svc.SendCircuitData(ctx, r.circuitID, r.relayAddr, r.relayPort, frame)
}

func (r *relayConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-r.inbox:
		return frame, nil
	case <-r.closed:
		return nil, fmt.Errorf("conn: circuit %s closed: %s", r.circuitID, r.reason())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *relayConn) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	r.svc.CloseClientCircuit(context.Background(), r.circuitID, r.relayAddr, r.relayPort, "closed by caller")
	return nil
}

func (r *relayConn) reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeErr
}
