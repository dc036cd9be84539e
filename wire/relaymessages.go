package wire

// Relay message types extend the Kademlia RPC tag space (0x01-0x14) with
// the stateless and stateful relay operations of the connection fabric.
const (
	TypeRelayRequest   MessageType = 0x20
	TypeRelayResponse  MessageType = 0x21
	TypeCircuitRequest MessageType = 0x22
	TypeCircuitAccept  MessageType = 0x23
	TypeRelayData      MessageType = 0x24
	TypeCircuitClose   MessageType = 0x25
)

const (
	maxCircuitIDLen   = 36 // UUID string form
	maxRelayFrameSize = 64 * 1024
)

// RelayRequestPayload asks the receiving node to forward Data to a target
// node it knows directly, one shot, no circuit state kept.
type RelayRequestPayload struct {
	TargetID [32]byte
	Data     []byte
}

func (r RelayRequestPayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(r.TargetID[:])
	w.I32LenBytes(r.Data)
	return w.Bytes()
}

func DecodeRelayRequest(payload []byte) (RelayRequestPayload, error) {
	r := NewReader(payload)
	var req RelayRequestPayload
	var err error
	if req.TargetID, err = r.Fixed32(); err != nil {
		return req, err
	}
	req.Data, err = r.I32LenBytes(maxRelayFrameSize)
	return req, err
}

// RelayResponsePayload reports the outcome of a stateless relay request.
type RelayResponsePayload struct {
	InResponseTo [16]byte
	Success      bool
	Data         []byte
	Error        string
}

func (r RelayResponsePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(r.InResponseTo[:])
	w.Bool(r.Success)
	w.I32LenBytes(r.Data)
	w.String(r.Error)
	return w.Bytes()
}

func DecodeRelayResponse(payload []byte) (RelayResponsePayload, error) {
	r := NewReader(payload)
	var resp RelayResponsePayload
	var err error
	if resp.InResponseTo, err = r.Fixed16(); err != nil {
		return resp, err
	}
	if resp.Success, err = r.Bool(); err != nil {
		return resp, err
	}
	if resp.Data, err = r.I32LenBytes(maxRelayFrameSize); err != nil {
		return resp, err
	}
	resp.Error, err = r.String(maxErrorStringLen)
	return resp, err
}

// CircuitRequestPayload asks the receiving node to open a persistent
// circuit to TargetID, identified thereafter by CircuitID. ReplyPort is the
// requester's own listening port: the relay later pushes RelayData and
// CircuitClose frames back to the requester over fresh connections of its
// own, so it needs a dialable port rather than the ephemeral source port of
// this request's connection.
type CircuitRequestPayload struct {
	CircuitID string
	TargetID  [32]byte
	ReplyPort uint16
}

func (c CircuitRequestPayload) Encode() []byte {
	w := NewWriter()
	w.String(c.CircuitID)
	w.Fixed(c.TargetID[:])
	w.U16(c.ReplyPort)
	return w.Bytes()
}

func DecodeCircuitRequest(payload []byte) (CircuitRequestPayload, error) {
	r := NewReader(payload)
	var c CircuitRequestPayload
	var err error
	if c.CircuitID, err = r.String(maxCircuitIDLen); err != nil {
		return c, err
	}
	if c.TargetID, err = r.Fixed32(); err != nil {
		return c, err
	}
	c.ReplyPort, err = r.U16()
	return c, err
}

// CircuitAcceptPayload reports whether CircuitRequest succeeded.
type CircuitAcceptPayload struct {
	InResponseTo [16]byte
	CircuitID    string
	Accepted     bool
	Error        string
}

func (c CircuitAcceptPayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(c.InResponseTo[:])
	w.String(c.CircuitID)
	w.Bool(c.Accepted)
	w.String(c.Error)
	return w.Bytes()
}

func DecodeCircuitAccept(payload []byte) (CircuitAcceptPayload, error) {
	r := NewReader(payload)
	var c CircuitAcceptPayload
	var err error
	if c.InResponseTo, err = r.Fixed16(); err != nil {
		return c, err
	}
	if c.CircuitID, err = r.String(maxCircuitIDLen); err != nil {
		return c, err
	}
	if c.Accepted, err = r.Bool(); err != nil {
		return c, err
	}
	c.Error, err = r.String(maxErrorStringLen)
	return c, err
}

// RelayDataPayload carries one chunk of raw circuit traffic.
type RelayDataPayload struct {
	CircuitID string
	Data      []byte
}

func (d RelayDataPayload) Encode() []byte {
	w := NewWriter()
	w.String(d.CircuitID)
	w.I32LenBytes(d.Data)
	return w.Bytes()
}

func DecodeRelayData(payload []byte) (RelayDataPayload, error) {
	r := NewReader(payload)
	var d RelayDataPayload
	var err error
	if d.CircuitID, err = r.String(maxCircuitIDLen); err != nil {
		return d, err
	}
	d.Data, err = r.I32LenBytes(maxRelayFrameSize)
	return d, err
}

// CircuitClosePayload tears down a circuit, with a reason for logging.
type CircuitClosePayload struct {
	CircuitID string
	Reason    string
}

func (c CircuitClosePayload) Encode() []byte {
	w := NewWriter()
	w.String(c.CircuitID)
	w.String(c.Reason)
	return w.Bytes()
}

func DecodeCircuitClose(payload []byte) (CircuitClosePayload, error) {
	r := NewReader(payload)
	var c CircuitClosePayload
	var err error
	if c.CircuitID, err = r.String(maxCircuitIDLen); err != nil {
		return c, err
	}
	c.Reason, err = r.String(maxErrorStringLen)
	return c, err
}
