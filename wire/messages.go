package wire

import "fmt"

// MessageType tags the payload carried by an Envelope.
type MessageType uint8

const (
	TypePing MessageType = 0x01
	TypePong MessageType = 0x02

	TypeFindNode         MessageType = 0x03
	TypeFindNodeResponse MessageType = 0x04

	TypeFindValue         MessageType = 0x05
	TypeFindValueResponse MessageType = 0x06

	TypeStore         MessageType = 0x07
	TypeStoreResponse MessageType = 0x08

	TypeOnionMessage MessageType = 0x10

	TypeStoreOfflineMessage     MessageType = 0x12
	TypeGetOfflineMessages      MessageType = 0x13
	TypeOfflineMessagesResponse MessageType = 0x14
)

const (
	maxNodesPerResponse  = 20
	maxStoredValueBytes  = 32 * 1024
	maxOnionPayloadBytes = 64 * 1024
	maxOfflineCipherSize = 64 * 1024
	maxErrorStringLen    = 256
)

// Envelope is the common header wrapping every RPC payload: a random
// message id for request/response correlation, the sender's claimed node
// id and public key, and the type-specific payload bytes. This mirrors the
// teacher's transport.Packet header/body split (opd-ai/toxcore
// transport/packet.go) generalized to a variable-length TLV payload.
type Envelope struct {
	Type      MessageType
	MessageID [16]byte
	SenderID  [32]byte
	SenderKey [32]byte
	Payload   []byte
}

// Encode serializes the envelope to bytes suitable for WriteFrame.
func (e *Envelope) Encode() []byte {
	w := NewWriter()
	w.U8(uint8(e.Type))
	w.Fixed(e.MessageID[:])
	w.Fixed(e.SenderID[:])
	w.Fixed(e.SenderKey[:])
	w.I32LenBytes(e.Payload)
	return w.Bytes()
}

// DecodeEnvelope parses the common header and leaves the per-type payload
// undecoded in Envelope.Payload for the caller to dispatch on Type.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	r := NewReader(buf)
	t, err := r.U8()
	if err != nil {
		return nil, fmt.Errorf("wire: decode envelope type: %w", err)
	}
	e := &Envelope{Type: MessageType(t)}
	if e.MessageID, err = r.Fixed16(); err != nil {
		return nil, fmt.Errorf("wire: decode envelope message id: %w", err)
	}
	if e.SenderID, err = r.Fixed32(); err != nil {
		return nil, fmt.Errorf("wire: decode envelope sender id: %w", err)
	}
	if e.SenderKey, err = r.Fixed32(); err != nil {
		return nil, fmt.Errorf("wire: decode envelope sender key: %w", err)
	}
	if e.Payload, err = r.I32LenBytes(MaxFrameSize); err != nil {
		return nil, fmt.Errorf("wire: decode envelope payload: %w", err)
	}
	return e, nil
}

// NodeRecord is the contact record exchanged in FIND_NODE / FIND_VALUE
// responses: id, public key, and dialable address.
type NodeRecord struct {
	ID        [32]byte
	PublicKey [32]byte
	IP        []byte
	Port      uint16
}

func (n NodeRecord) encode(w *Writer) {
	w.Fixed(n.ID[:])
	w.Fixed(n.PublicKey[:])
	w.U8(uint8(len(n.IP)))
	w.Raw(n.IP)
	w.U16(n.Port)
}

func decodeNodeRecord(r *Reader) (NodeRecord, error) {
	var n NodeRecord
	var err error
	if n.ID, err = r.Fixed32(); err != nil {
		return n, err
	}
	if n.PublicKey, err = r.Fixed32(); err != nil {
		return n, err
	}
	if n.IP, err = r.IPBytes(); err != nil {
		return n, err
	}
	if n.Port, err = r.U16(); err != nil {
		return n, err
	}
	return n, nil
}

func encodeNodeList(w *Writer, nodes []NodeRecord) {
	if len(nodes) > maxNodesPerResponse {
		nodes = nodes[:maxNodesPerResponse]
	}
	w.U8(uint8(len(nodes)))
	for _, n := range nodes {
		n.encode(w)
	}
}

func decodeNodeList(r *Reader) ([]NodeRecord, error) {
	count, err := r.U8()
	if err != nil {
		return nil, err
	}
	if int(count) > maxNodesPerResponse {
		return nil, fmt.Errorf("%w: node list count %d", ErrTooLong, count)
	}
	nodes := make([]NodeRecord, 0, count)
	for i := 0; i < int(count); i++ {
		n, err := decodeNodeRecord(r)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// PingPayload carries no data beyond the envelope header.
type PingPayload struct{}

func (PingPayload) Encode() []byte { return nil }

// PongPayload echoes the request it answers.
type PongPayload struct {
	InResponseTo [16]byte
}

func (p PongPayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(p.InResponseTo[:])
	return w.Bytes()
}

func DecodePong(payload []byte) (PongPayload, error) {
	r := NewReader(payload)
	var p PongPayload
	var err error
	p.InResponseTo, err = r.Fixed16()
	return p, err
}

// FindNodePayload requests the nodes closest to Target.
type FindNodePayload struct {
	Target [32]byte
}

func (f FindNodePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(f.Target[:])
	return w.Bytes()
}

func DecodeFindNode(payload []byte) (FindNodePayload, error) {
	r := NewReader(payload)
	var f FindNodePayload
	var err error
	f.Target, err = r.Fixed32()
	return f, err
}

// FindNodeResponsePayload returns up to k nodes closest to the request's
// target, per spec invariant that responses never exceed k entries.
type FindNodeResponsePayload struct {
	InResponseTo [16]byte
	Nodes        []NodeRecord
}

func (f FindNodeResponsePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(f.InResponseTo[:])
	encodeNodeList(w, f.Nodes)
	return w.Bytes()
}

func DecodeFindNodeResponse(payload []byte) (FindNodeResponsePayload, error) {
	r := NewReader(payload)
	var f FindNodeResponsePayload
	var err error
	if f.InResponseTo, err = r.Fixed16(); err != nil {
		return f, err
	}
	f.Nodes, err = decodeNodeList(r)
	return f, err
}

// FindValuePayload requests the value stored under Key, or the nodes
// closest to it if no value is held locally.
type FindValuePayload struct {
	Key [32]byte
}

func (f FindValuePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(f.Key[:])
	return w.Bytes()
}

func DecodeFindValue(payload []byte) (FindValuePayload, error) {
	r := NewReader(payload)
	var f FindValuePayload
	var err error
	f.Key, err = r.Fixed32()
	return f, err
}

// FindValueResponsePayload carries either the stored value or a fallback
// node list, never both.
type FindValueResponsePayload struct {
	InResponseTo [16]byte
	Found        bool
	Value        []byte
	Nodes        []NodeRecord
}

func (f FindValueResponsePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(f.InResponseTo[:])
	w.Bool(f.Found)
	if f.Found {
		w.I32LenBytes(f.Value)
	} else {
		encodeNodeList(w, f.Nodes)
	}
	return w.Bytes()
}

func DecodeFindValueResponse(payload []byte) (FindValueResponsePayload, error) {
	r := NewReader(payload)
	var f FindValueResponsePayload
	var err error
	if f.InResponseTo, err = r.Fixed16(); err != nil {
		return f, err
	}
	if f.Found, err = r.Bool(); err != nil {
		return f, err
	}
	if f.Found {
		f.Value, err = r.I32LenBytes(maxStoredValueBytes)
	} else {
		f.Nodes, err = decodeNodeList(r)
	}
	return f, err
}

// StorePayload asks the receiving node to hold Value under Key for
// TTLSeconds.
type StorePayload struct {
	Key        [32]byte
	Value      []byte
	TTLSeconds uint32
}

func (s StorePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(s.Key[:])
	w.I32LenBytes(s.Value)
	w.U32(s.TTLSeconds)
	return w.Bytes()
}

func DecodeStore(payload []byte) (StorePayload, error) {
	r := NewReader(payload)
	var s StorePayload
	var err error
	if s.Key, err = r.Fixed32(); err != nil {
		return s, err
	}
	if s.Value, err = r.I32LenBytes(maxStoredValueBytes); err != nil {
		return s, err
	}
	s.TTLSeconds, err = r.U32()
	return s, err
}

// StoreResponsePayload reports whether a Store request was accepted.
type StoreResponsePayload struct {
	InResponseTo [16]byte
	Success      bool
	Error        string
}

func (s StoreResponsePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(s.InResponseTo[:])
	w.Bool(s.Success)
	w.String(s.Error)
	return w.Bytes()
}

func DecodeStoreResponse(payload []byte) (StoreResponsePayload, error) {
	r := NewReader(payload)
	var s StoreResponsePayload
	var err error
	if s.InResponseTo, err = r.Fixed16(); err != nil {
		return s, err
	}
	if s.Success, err = r.Bool(); err != nil {
		return s, err
	}
	s.Error, err = r.String(maxErrorStringLen)
	return s, err
}

// OnionMessagePayload carries one opaque, already-encrypted onion layer;
// the receiving node never inspects its contents beyond the wrapper the
// onion package decodes. ReplyPort is the sending node's own listening
// port, carried alongside the layer because the TCP connection delivering
// it is outbound from the sender's side and its source port is ephemeral:
// without this, a recipient has no dialable address to send an ACK back
// toward the peer that physically handed it the frame.
type OnionMessagePayload struct {
	Layer     []byte
	ReplyPort uint16
}

func (o OnionMessagePayload) Encode() []byte {
	w := NewWriter()
	w.I32LenBytes(o.Layer)
	w.U16(o.ReplyPort)
	return w.Bytes()
}

func DecodeOnionMessage(payload []byte) (OnionMessagePayload, error) {
	r := NewReader(payload)
	var o OnionMessagePayload
	var err error
	if o.Layer, err = r.I32LenBytes(maxOnionPayloadBytes); err != nil {
		return o, err
	}
	o.ReplyPort, err = r.U16()
	return o, err
}

// StoreOfflineMessagePayload deposits an encrypted message into a
// recipient's mailbox for later retrieval.
type StoreOfflineMessagePayload struct {
	RecipientKey [32]byte
	Ciphertext   []byte
}

func (s StoreOfflineMessagePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(s.RecipientKey[:])
	w.I32LenBytes(s.Ciphertext)
	return w.Bytes()
}

func DecodeStoreOfflineMessage(payload []byte) (StoreOfflineMessagePayload, error) {
	r := NewReader(payload)
	var s StoreOfflineMessagePayload
	var err error
	if s.RecipientKey, err = r.Fixed32(); err != nil {
		return s, err
	}
	s.Ciphertext, err = r.I32LenBytes(maxOfflineCipherSize)
	return s, err
}

// GetOfflineMessagesPayload requests and drains a mailbox.
type GetOfflineMessagesPayload struct {
	RecipientKey [32]byte
}

func (g GetOfflineMessagesPayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(g.RecipientKey[:])
	return w.Bytes()
}

func DecodeGetOfflineMessages(payload []byte) (GetOfflineMessagesPayload, error) {
	r := NewReader(payload)
	var g GetOfflineMessagesPayload
	var err error
	g.RecipientKey, err = r.Fixed32()
	return g, err
}

// OfflineMessagesResponsePayload returns every message drained from a
// mailbox in one response.
type OfflineMessagesResponsePayload struct {
	InResponseTo [16]byte
	Messages     [][]byte
}

const maxOfflineMessagesPerResponse = 100

func (o OfflineMessagesResponsePayload) Encode() []byte {
	w := NewWriter()
	w.Fixed(o.InResponseTo[:])
	msgs := o.Messages
	if len(msgs) > maxOfflineMessagesPerResponse {
		msgs = msgs[:maxOfflineMessagesPerResponse]
	}
	w.U16(uint16(len(msgs)))
	for _, m := range msgs {
		w.I32LenBytes(m)
	}
	return w.Bytes()
}

func DecodeOfflineMessagesResponse(payload []byte) (OfflineMessagesResponsePayload, error) {
	r := NewReader(payload)
	var o OfflineMessagesResponsePayload
	var err error
	if o.InResponseTo, err = r.Fixed16(); err != nil {
		return o, err
	}
	count, err := r.U16()
	if err != nil {
		return o, err
	}
	if int(count) > maxOfflineMessagesPerResponse {
		return o, fmt.Errorf("%w: offline message count %d", ErrTooLong, count)
	}
	o.Messages = make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		m, err := r.I32LenBytes(maxOfflineCipherSize)
		if err != nil {
			return o, err
		}
		o.Messages = append(o.Messages, m)
	}
	return o, nil
}
