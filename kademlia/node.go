package kademlia

import "time"

// PingStats tracks ping reliability for a node, non-authoritative
// diagnostic bookkeeping carried alongside strict Kademlia state (it never
// changes bucket eviction semantics, which stay LRU-only).
type PingStats struct {
	Sent     int
	Answered int
}

// GetReliability returns the fraction of pings this node has answered, or
// 1.0 if no pings have been sent yet (an unproven node is not penalized).
func (s PingStats) GetReliability() float64 {
	if s.Sent == 0 {
		return 1.0
	}
	return float64(s.Answered) / float64(s.Sent)
}

// Node is a known peer in the routing table: identifier, encryption
// public key, network endpoint, and last-seen time. A Node is owned by
// exactly one KBucket at a time; it is created when a peer is learned from a
// bootstrap Pong or from the node list of a FIND_NODE/FIND_VALUE response,
// and destroyed on eviction. An inbound request does not add its sender.
type Node struct {
	ID        ID
	PublicKey [32]byte
	Address   string // host (IPv4, IPv6, or opaque address string)
	Port      uint16
	LastSeen  time.Time
	Pings     PingStats
}

// NewNode constructs a Node, deriving its ID from the public key as
// FromPublicKey does, and stamping LastSeen with the current time.
func NewNode(publicKey [32]byte, address string, port uint16) *Node {
	return &Node{
		ID:        FromPublicKey(publicKey),
		PublicKey: publicKey,
		Address:   address,
		Port:      port,
		LastSeen:  time.Now(),
	}
}

// Touch updates LastSeen to now, marking the node as recently active.
func (n *Node) Touch() {
	n.LastSeen = time.Now()
}

// RecordPing updates ping reliability bookkeeping for one ping attempt.
func (n *Node) RecordPing(answered bool) {
	n.Pings.Sent++
	if answered {
		n.Pings.Answered++
	}
}

// Clone returns a shallow copy of the node, safe to hand to a caller
// without risking mutation of the bucket's internal state.
func (n *Node) Clone() *Node {
	cp := *n
	return &cp
}
