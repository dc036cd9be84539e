package onion

// PreviousHopKind distinguishes whether a reply token's previous hop is
// the original sender (the ACK terminates here) or another relay (the ACK
// must be forwarded there). Replaces the source's mix of a "SENDER"
// sentinel string and a separate IsSenderToken boolean, per the redesign
// note: a marker that cannot collide with a literal payload.
type PreviousHopKind uint8

const (
	PreviousHopSender PreviousHopKind = iota
	PreviousHopRelay
)

// PreviousHop identifies who sits immediately before this hop on the
// forward path, so an ACK can be re-encrypted for them and sent backward
// one link at a time. Address, Port, and PublicKey are always populated:
// for PreviousHopRelay they address the previous relay; for
// PreviousHopSender they address the original sender's own node, since
// the sender is not itself a path entry and needs its public key on file
// to receive a re-sealed ACK layer.
type PreviousHop struct {
	Kind      PreviousHopKind
	Address   string
	Port      uint16
	PublicKey [32]byte
}

// SenderHop constructs the terminal previous-hop marker, addressing the
// original sender's node directly.
func SenderHop(address string, port uint16, publicKey [32]byte) PreviousHop {
	return PreviousHop{Kind: PreviousHopSender, Address: address, Port: port, PublicKey: publicKey}
}

// Relay constructs a previous-hop marker pointing at another relay node.
func Relay(address string, port uint16, publicKey [32]byte) PreviousHop {
	return PreviousHop{Kind: PreviousHopRelay, Address: address, Port: port, PublicKey: publicKey}
}

// IsSender reports whether this marker terminates the reply path.
func (p PreviousHop) IsSender() bool {
	return p.Kind == PreviousHopSender
}
