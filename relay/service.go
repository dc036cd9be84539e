package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MagicCactus42/susurri/config"
	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/safego"
	"github.com/MagicCactus42/susurri/wire"
)

// Transport is the subset of DhtNode's outbound capability the relay
// service needs: fire-and-forget frame delivery for circuit events, a
// request/response exchange for establishing a circuit as a client, and a
// raw dial for holding open the target side of a stateful circuit. A
// DhtNode satisfies this interface directly via its SendOneShot/SendRPC/
// DialRaw methods, letting the relay service share the node's socket
// instead of opening its own.
type Transport interface {
	SendOneShot(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) error
	SendRPC(ctx context.Context, address string, port uint16, msgType wire.MessageType, payload []byte) (*wire.Envelope, error)
	DialRaw(ctx context.Context, address string, port uint16) (net.Conn, error)
}

// ClientCircuitSink receives inbound traffic for a circuit this node
// established as the requesting side (through EstablishCircuit), as
// opposed to one it admitted on behalf of some other requester.
type ClientCircuitSink interface {
	OnCircuitData(circuitID string, data []byte)
	OnCircuitClosed(circuitID string, reason string)
}

// Service implements the stateless relay (one-shot RelayRequest/
// RelayResponse) and the stateful circuit relay (CircuitRequest/
// CircuitAccept/RelayData/CircuitClose), sharing its host node's routing
// table to resolve target node IDs to dialable endpoints. Grounded on the
// teacher's transport dispatch style (opd-ai/toxcore transport/udp.go)
// generalized from a single message switch to this package's own
// sub-protocol, reached through DhtNode.OnUnroutedMessage.
type Service struct {
	cfg          *config.Config
	transport    Transport
	routingTable *kademlia.RoutingTable
	circuits     *circuitTable

	connMu sync.Mutex
	conns  map[string]net.Conn

	clientMu    sync.Mutex
	clientSinks map[string]ClientCircuitSink

	localPort func() uint16

	stopCh chan struct{}
	logger *logrus.Entry
}

// New constructs a relay Service bound to the host node's routing table and
// outbound transport, applying cfg's circuit caps and timeouts. localPort
// reports the host node's own listening port at call time (it may not be
// known yet at construction if the node was started with port 0), used to
// stamp ReplyPort on circuits this service establishes as a client.
func New(cfg *config.Config, transport Transport, routingTable *kademlia.RoutingTable, localPort func() uint16) *Service {
	return &Service{
		cfg:          cfg,
		transport:    transport,
		routingTable: routingTable,
		circuits:     newCircuitTable(cfg.MaxCircuits, cfg.MaxCircuitsPerPeer, cfg.MaxCircuitBytes, cfg.CircuitIdleTimeout, nil),
		conns:        make(map[string]net.Conn),
		clientSinks:  make(map[string]ClientCircuitSink),
		localPort:    localPort,
		stopCh:       make(chan struct{}),
		logger:       logrus.WithField("component", "relay"),
	}
}

// Start launches the periodic idle-circuit cleanup loop. Safe to call at
// most once.
func (s *Service) Start() {
	safego.Go(s.logger, "relay-cleanup", func() error {
		ticker := time.NewTicker(s.cfg.CircuitCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return nil
			case <-ticker.C:
				s.expireIdleCircuits()
			}
		}
	})
}

// Stop ends the cleanup loop and closes every held circuit connection.
func (s *Service) Stop() {
	close(s.stopCh)
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for id, conn := range s.conns {
		conn.Close()
		delete(s.conns, id)
	}
}

func (s *Service) expireIdleCircuits() {
	for _, id := range s.circuits.cleanupIdle() {
		s.closeConn(id)
	}
}

func (s *Service) closeConn(id string) {
	s.connMu.Lock()
	conn, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.connMu.Unlock()
	if ok {
		conn.Close()
	}
}

// resolveTarget looks up targetID in the routing table, returning the node
// only if its recorded ID matches exactly (no closest-node fallback: a
// relay only forwards to nodes it actually knows).
func (s *Service) resolveTarget(targetID [32]byte) (*kademlia.Node, bool) {
	candidates := s.routingTable.FindClosest(kademlia.ID(targetID), 1)
	if len(candidates) == 0 || candidates[0].ID != kademlia.ID(targetID) {
		return nil, false
	}
	return candidates[0], true
}

// Dispatch handles one relay-family envelope, matching DhtNode's
// ExtraDispatchFunc signature so it can be registered directly via
// node.OnUnroutedMessage(service.Dispatch).
func (s *Service) Dispatch(ctx context.Context, env *wire.Envelope, fromHost string) (*wire.Envelope, error) {
	switch env.Type {
	case wire.TypeRelayRequest:
		return s.handleRelayRequest(ctx, env)
	case wire.TypeCircuitRequest:
		return s.handleCircuitRequest(ctx, env, fromHost)
	case wire.TypeRelayData:
		return nil, s.handleRelayData(ctx, env)
	case wire.TypeCircuitClose:
		return nil, s.handleCircuitClose(env)
	default:
		return nil, fmt.Errorf("relay: unhandled message type %d", env.Type)
	}
}

func (s *Service) response(msgType wire.MessageType, payload []byte) *wire.Envelope {
	return &wire.Envelope{Type: msgType, Payload: payload}
}

// handleRelayRequest forwards Data to TargetID over a fresh connection as
// one length-prefixed frame, reads back one response frame, and pipes it
// into the RelayResponse. Fails fast if the target is unknown or the dial
// or exchange fails.
func (s *Service) handleRelayRequest(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
	req, err := wire.DecodeRelayRequest(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("relay: decode relay_request: %w", err)
	}

	resp := wire.RelayResponsePayload{InResponseTo: env.MessageID}

	target, ok := s.resolveTarget(req.TargetID)
	if !ok {
		resp.Error = "relay: unknown target"
		return s.response(wire.TypeRelayResponse, resp.Encode()), nil
	}

	conn, err := s.transport.DialRaw(ctx, target.Address, target.Port)
	if err != nil {
		resp.Error = fmt.Sprintf("relay: dial target: %v", err)
		return s.response(wire.TypeRelayResponse, resp.Encode()), nil
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, req.Data); err != nil {
		resp.Error = fmt.Sprintf("relay: forward to target: %v", err)
		return s.response(wire.TypeRelayResponse, resp.Encode()), nil
	}
	replyFrame, err := wire.ReadFrame(conn, s.cfg.MaxFrameSize)
	if err != nil {
		resp.Error = fmt.Sprintf("relay: read target response: %v", err)
		return s.response(wire.TypeRelayResponse, resp.Encode()), nil
	}

	resp.Success = true
	resp.Data = replyFrame
	return s.response(wire.TypeRelayResponse, resp.Encode()), nil
}

// handleCircuitRequest admits a new circuit (subject to the global and
// per-requester caps) and dials the target, holding the connection open for
// subsequent RelayData frames. A background goroutine pipes anything the
// target sends back to the requester as RelayData frames on the same
// circuit.
func (s *Service) handleCircuitRequest(ctx context.Context, env *wire.Envelope, fromHost string) (*wire.Envelope, error) {
	req, err := wire.DecodeCircuitRequest(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("relay: decode circuit_request: %w", err)
	}

	resp := wire.CircuitAcceptPayload{InResponseTo: env.MessageID, CircuitID: req.CircuitID}

	target, ok := s.resolveTarget(req.TargetID)
	if !ok {
		resp.Error = "relay: unknown target"
		return s.response(wire.TypeCircuitAccept, resp.Encode()), nil
	}

	if err := s.circuits.open(req.CircuitID, fromHost, req.ReplyPort, req.TargetID); err != nil {
		resp.Error = err.Error()
		return s.response(wire.TypeCircuitAccept, resp.Encode()), nil
	}

	conn, err := s.transport.DialRaw(ctx, target.Address, target.Port)
	if err != nil {
		s.circuits.close(req.CircuitID)
		resp.Error = fmt.Sprintf("relay: dial target: %v", err)
		return s.response(wire.TypeCircuitAccept, resp.Encode()), nil
	}

	s.connMu.Lock()
	s.conns[req.CircuitID] = conn
	s.connMu.Unlock()

	circuitID := req.CircuitID
	replyHost, replyPort := fromHost, req.ReplyPort
	safego.Go(s.logger, "relay-circuit-"+circuitID, func() error {
		s.pumpFromTarget(circuitID, replyHost, replyPort, conn)
		return nil
	})

	resp.Accepted = true
	return s.response(wire.TypeCircuitAccept, resp.Encode()), nil
}

// pumpFromTarget reads frames arriving from the circuit's target and
// forwards each as a RelayData frame back to the requester, until the
// connection closes or the circuit is torn down.
func (s *Service) pumpFromTarget(circuitID, requesterHost string, requesterPort uint16, conn net.Conn) {
	defer s.closeConn(circuitID)
	for {
		frame, err := wire.ReadFrame(conn, s.cfg.MaxFrameSize)
		if err != nil {
			return
		}
		if err := s.circuits.recordData(circuitID, len(frame)); err != nil {
			s.notifyClose(circuitID, requesterHost, requesterPort, err.Error())
			return
		}
		data := wire.RelayDataPayload{CircuitID: circuitID, Data: frame}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RelayRequestTimeout)
		_ = s.transport.SendOneShot(ctx, requesterHost, requesterPort, wire.TypeRelayData, data.Encode())
		cancel()
	}
}

func (s *Service) notifyClose(circuitID, requesterHost string, requesterPort uint16, reason string) {
	closeMsg := wire.CircuitClosePayload{CircuitID: circuitID, Reason: reason}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RelayRequestTimeout)
	defer cancel()
	_ = s.transport.SendOneShot(ctx, requesterHost, requesterPort, wire.TypeCircuitClose, closeMsg.Encode())
}

// handleRelayData accounts and forwards one chunk of circuit traffic
// arriving from the requester toward the circuit's target. If the circuit
// ID instead belongs to one this node established as a client (through
// EstablishCircuit), the data is handed to that circuit's sink. An unknown
// circuit ID is silently dropped per the stateless-dispatch contract;
// breaching the byte cap removes the circuit and notifies the requester.
func (s *Service) handleRelayData(ctx context.Context, env *wire.Envelope) error {
	req, err := wire.DecodeRelayData(env.Payload)
	if err != nil {
		return fmt.Errorf("relay: decode relay_data: %w", err)
	}

	if sink, ok := s.clientSink(req.CircuitID); ok {
		sink.OnCircuitData(req.CircuitID, req.Data)
		return nil
	}

	c := s.circuits.get(req.CircuitID)
	if c == nil {
		return nil
	}

	if err := s.circuits.recordData(req.CircuitID, len(req.Data)); err != nil {
		s.closeConn(req.CircuitID)
		s.notifyClose(req.CircuitID, c.requesterAddress, c.requesterPort, err.Error())
		return nil
	}

	s.connMu.Lock()
	conn, ok := s.conns[req.CircuitID]
	s.connMu.Unlock()
	if !ok {
		return nil
	}
	if err := wire.WriteFrame(conn, req.Data); err != nil {
		s.circuits.close(req.CircuitID)
		s.closeConn(req.CircuitID)
		return fmt.Errorf("relay: forward to target: %w", err)
	}
	return nil
}

// handleCircuitClose tears down a circuit on explicit request from either
// end, or notifies a client-side sink if the ID belongs to a circuit this
// node established itself.
func (s *Service) handleCircuitClose(env *wire.Envelope) error {
	req, err := wire.DecodeCircuitClose(env.Payload)
	if err != nil {
		return fmt.Errorf("relay: decode circuit_close: %w", err)
	}
	if sink, ok := s.clientSink(req.CircuitID); ok {
		s.unregisterClientSink(req.CircuitID)
		sink.OnCircuitClosed(req.CircuitID, req.Reason)
		return nil
	}
	s.circuits.close(req.CircuitID)
	s.closeConn(req.CircuitID)
	return nil
}

// ActiveCircuits reports the number of live circuits, for tests and
// diagnostics.
func (s *Service) ActiveCircuits() int {
	return s.circuits.len()
}
