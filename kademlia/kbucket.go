package kademlia

import "sync"

// AddResult reports what try_add did, so callers can decide whether to
// attempt eviction on a full bucket.
type AddResult int

const (
	// Added means the node was new and the bucket had room.
	Added AddResult = iota
	// Updated means a node with the same id already existed and was
	// refreshed and moved to the tail.
	Updated
	// BucketFull means the bucket is at capacity and does not contain
	// the node; the caller may call GetOldest/ReplaceOldest to evict.
	BucketFull
)

// KBucket is a bounded, ordered LRU list of up to k nodes whose XOR
// distance to the local node falls within one bucket's range. The head
// of the list is the least-recently-seen entry; the tail is the most
// recently seen. All operations are safe under concurrent access.
type KBucket struct {
	mu    sync.Mutex
	nodes []*Node
	k     int
}

// NewKBucket creates an empty bucket with capacity k.
func NewKBucket(k int) *KBucket {
	return &KBucket{nodes: make([]*Node, 0, k), k: k}
}

// TryAdd implements the bucket contract: an existing id is refreshed and
// moved to the tail (Updated); a bucket with room appends at the tail
// (Added); a full bucket without the node returns BucketFull and performs
// no mutation, leaving the eviction decision to the caller.
func (kb *KBucket) TryAdd(node *Node) AddResult {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i, existing := range kb.nodes {
		if existing.ID.Equal(node.ID) {
			node.Touch()
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			kb.nodes = append(kb.nodes, node)
			return Updated
		}
	}

	if len(kb.nodes) < kb.k {
		kb.nodes = append(kb.nodes, node)
		return Added
	}

	return BucketFull
}

// ReplaceOldest removes the head (oldest) entry and appends newNode at
// the tail. The caller is responsible for having first confirmed the
// oldest entry should be evicted (e.g. it failed a liveness ping).
func (kb *KBucket) ReplaceOldest(newNode *Node) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if len(kb.nodes) == 0 {
		kb.nodes = append(kb.nodes, newNode)
		return
	}
	kb.nodes = append(kb.nodes[1:], newNode)
}

// GetOldest returns the head (least-recently-seen) entry, or nil if the
// bucket is empty.
func (kb *KBucket) GetOldest() *Node {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if len(kb.nodes) == 0 {
		return nil
	}
	return kb.nodes[0].Clone()
}

// MarkSeen moves the entry with the given id to the tail, if present.
func (kb *KBucket) MarkSeen(id ID) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i, existing := range kb.nodes {
		if existing.ID.Equal(id) {
			existing.Touch()
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			kb.nodes = append(kb.nodes, existing)
			return
		}
	}
}

// Remove deletes the entry with the given id, if present, and reports
// whether anything was removed.
func (kb *KBucket) Remove(id ID) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	for i, existing := range kb.nodes {
		if existing.ID.Equal(id) {
			kb.nodes = append(kb.nodes[:i], kb.nodes[i+1:]...)
			return true
		}
	}
	return false
}

// GetNodes returns a snapshot of the bucket's contents in
// most-recently-seen-first order (reverse of internal storage order, per
// the bucket contract callers rely on).
func (kb *KBucket) GetNodes() []*Node {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	out := make([]*Node, len(kb.nodes))
	for i, n := range kb.nodes {
		out[len(kb.nodes)-1-i] = n.Clone()
	}
	return out
}

// Len returns the current number of entries in the bucket.
func (kb *KBucket) Len() int {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.nodes)
}
