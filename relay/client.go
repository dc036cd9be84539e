package relay

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MagicCactus42/susurri/wire"
)

// ErrCircuitRejected is returned when a relay node declines a circuit
// request (its caps are full, or it doesn't know the target).
type ErrCircuitRejected struct {
	Reason string
}

func (e ErrCircuitRejected) Error() string {
	return fmt.Sprintf("relay: circuit rejected: %s", e.Reason)
}

func (s *Service) clientSink(circuitID string) (ClientCircuitSink, bool) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	sink, ok := s.clientSinks[circuitID]
	return sink, ok
}

func (s *Service) registerClientSink(circuitID string, sink ClientCircuitSink) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	s.clientSinks[circuitID] = sink
}

func (s *Service) unregisterClientSink(circuitID string) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	delete(s.clientSinks, circuitID)
}

// EstablishCircuit asks relayAddr:relayPort to open a circuit to targetID,
// generating a fresh UUID circuit ID and registering sink to receive any
// RelayData/CircuitClose the relay later pushes back for it. This is the
// client half of the circuit protocol, used by the connection manager's
// relay fallback; the server half (admitting circuits for other
// requesters) is handleCircuitRequest.
func (s *Service) EstablishCircuit(ctx context.Context, targetID [32]byte, relayAddr string, relayPort uint16, sink ClientCircuitSink) (string, error) {
	circuitID := uuid.New().String()
	req := wire.CircuitRequestPayload{CircuitID: circuitID, TargetID: targetID, ReplyPort: s.localPort()}

	respEnv, err := s.transport.SendRPC(ctx, relayAddr, relayPort, wire.TypeCircuitRequest, req.Encode())
	if err != nil {
		return "", fmt.Errorf("relay: circuit_request: %w", err)
	}
	accept, err := wire.DecodeCircuitAccept(respEnv.Payload)
	if err != nil {
		return "", fmt.Errorf("relay: decode circuit_accept: %w", err)
	}
	if !accept.Accepted {
		return "", ErrCircuitRejected{Reason: accept.Error}
	}

	s.registerClientSink(circuitID, sink)
	return circuitID, nil
}

// SendCircuitData pushes one chunk of data into a circuit this node
// established as a client, fire-and-forget (the relay accounts and
// forwards it; any reply arrives later via the registered sink).
func (s *Service) SendCircuitData(ctx context.Context, circuitID, relayAddr string, relayPort uint16, data []byte) error {
	payload := wire.RelayDataPayload{CircuitID: circuitID, Data: data}
	return s.transport.SendOneShot(ctx, relayAddr, relayPort, wire.TypeRelayData, payload.Encode())
}

// CloseClientCircuit tells the relay to tear down a circuit this node
// established as a client, and forgets its sink locally.
func (s *Service) CloseClientCircuit(ctx context.Context, circuitID, relayAddr string, relayPort uint16, reason string) {
	s.unregisterClientSink(circuitID)
	payload := wire.CircuitClosePayload{CircuitID: circuitID, Reason: reason}
	_ = s.transport.SendOneShot(ctx, relayAddr, relayPort, wire.TypeCircuitClose, payload.Encode())
}
