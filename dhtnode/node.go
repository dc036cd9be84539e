// Package dhtnode implements the Kademlia RPC server: accept loop,
// per-IP rate limiting, request dispatch, iterative FIND_NODE/FIND_VALUE,
// bootstrap, and public-key publish/lookup. It generalizes the teacher's
// transport.UDPTransport accept/dispatch loop (opd-ai/toxcore
// transport/udp.go) to the spec's length-prefixed TCP frames and
// request/response RPC model.
package dhtnode

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MagicCactus42/susurri/config"
	"github.com/MagicCactus42/susurri/dhtstore"
	"github.com/MagicCactus42/susurri/identity"
	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/safego"
	"github.com/MagicCactus42/susurri/wire"
)

// OnionMessageHandler receives an inbound onion frame: the raw layer
// bytes, and the address/port to use if a response (an ACK, ultimately)
// needs to travel back toward whoever delivered it.
type OnionMessageHandler func(frame []byte, fromAddr string, fromPort uint16)

// DhtNode is the Kademlia RPC server and client for one local identity: it
// accepts and dispatches inbound requests, and issues outbound iterative
// lookups, bootstrap pings, and publish/store/find_value calls.
type DhtNode struct {
	cfg      *config.Config
	identity *identity.Identity
	localID  kademlia.ID

	routingTable *kademlia.RoutingTable
	storage      *dhtstore.Storage
	limiter      *dhtstore.RateLimiter

	port uint16

	mu       sync.Mutex
	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	onOnionMessage OnionMessageHandler
	extraDispatch  ExtraDispatchFunc

	pending sync.Map // [16]byte -> pendingRequest, diagnostic only

	logger *logrus.Entry
}

// New constructs a DhtNode bound to id's keys, sharing routingTable,
// storage, and limiter with the rest of the local node's components (the
// connection fabric and relay service need the same routing table, per
// this repo's compose_root wiring).
func New(cfg *config.Config, id *identity.Identity, routingTable *kademlia.RoutingTable, storage *dhtstore.Storage, limiter *dhtstore.RateLimiter) *DhtNode {
	return &DhtNode{
		cfg:          cfg,
		identity:     id,
		localID:      kademlia.FromPublicKey(id.EncryptionPublicKey()),
		routingTable: routingTable,
		storage:      storage,
		limiter:      limiter,
		logger:       logrus.WithField("component", "dhtnode"),
	}
}

// OnOnionMessage registers the callback invoked for every inbound
// OnionMessage frame. Must be called before Start to avoid a race with the
// accept loop.
func (n *DhtNode) OnOnionMessage(h OnionMessageHandler) {
	n.onOnionMessage = h
}

// ExtraDispatchFunc handles a message type this package does not know
// about natively, returning the response envelope (or nil) to write back.
type ExtraDispatchFunc func(ctx context.Context, env *wire.Envelope, fromHost string) (*wire.Envelope, error)

// OnUnroutedMessage registers a fallback handler for message types outside
// the core Kademlia/onion set, letting other components (the relay
// service) share this node's single listening socket instead of opening
// their own. Must be called before Start.
func (n *DhtNode) OnUnroutedMessage(h ExtraDispatchFunc) {
	n.extraDispatch = h
}

// Port returns the port Start bound to.
func (n *DhtNode) Port() uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.port
}

// Start binds a TCP listener on port and begins accepting connections.
// port 0 lets the OS choose a free port, which Port() then reports.
func (n *DhtNode) Start(port uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listener != nil {
		return fmt.Errorf("dhtnode: already started")
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("dhtnode: listen on port %d: %w", port, err)
	}
	n.listener = lis
	n.stopCh = make(chan struct{})
	if tcpAddr, ok := lis.Addr().(*net.TCPAddr); ok {
		n.port = uint16(tcpAddr.Port)
	} else {
		n.port = port
	}

	n.wg.Add(1)
	safego.Go(n.logger, "dhtnode-accept-loop", func() error {
		defer n.wg.Done()
		n.acceptLoop(lis)
		return nil
	})

	n.logger.WithField("port", n.port).Info("dht node listening")
	return nil
}

// Stop closes the listener and waits for in-flight connections to finish
// their current request. Idempotent: a second call is a no-op.
func (n *DhtNode) Stop() error {
	n.mu.Lock()
	lis := n.listener
	n.mu.Unlock()
	if lis == nil {
		return nil
	}

	n.stopOnce.Do(func() {
		close(n.stopCh)
		lis.Close()
	})
	n.wg.Wait()
	return nil
}

func (n *DhtNode) acceptLoop(lis net.Listener) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.logger.WithError(err).Warn("accept failed")
				return
			}
		}
		n.wg.Add(1)
		safego.Go(n.logger, "dhtnode-connection", func() error {
			defer n.wg.Done()
			n.handleConnection(conn)
			return nil
		})
	}
}

func (n *DhtNode) handleConnection(conn net.Conn) {
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	if !n.limiter.IsAllowed(host) {
		n.logger.WithField("peer", host).Debug("rejected connection: rate limited")
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(n.cfg.ConnReadTimeout))

	frame, err := wire.ReadFrame(conn, n.cfg.MaxFrameSize)
	if err != nil {
		n.logger.WithError(err).WithField("peer", host).Debug("rejected frame")
		return
	}
	if frame == nil {
		return
	}

	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		n.logger.WithError(err).WithField("peer", host).Debug("rejected envelope")
		return
	}

	resp, err := n.dispatch(context.Background(), env, host)
	if err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"peer": host,
			"type": env.Type,
		}).Debug("handler error")
		return
	}
	if resp == nil {
		return
	}
	if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
		n.logger.WithError(err).WithField("peer", host).Debug("failed to write response")
	}
}

func (n *DhtNode) responseEnvelope(msgType wire.MessageType, payload []byte) *wire.Envelope {
	var id [16]byte
	return &wire.Envelope{
		Type:      msgType,
		MessageID: id,
		SenderID:  n.localID,
		SenderKey: n.identity.EncryptionPublicKey(),
		Payload:   payload,
	}
}
