package kademlia

import (
	"math/rand/v2"
	"sort"
	"sync"
)

// RoutingTable is an array of 256 k-buckets indexed by bucket index,
// generalizing the teacher's per-node routing table (opd-ai/toxcore
// dht.RoutingTable) to the spec's SHA-256 NodeId space. The local node is
// never stored; FindClosest serves both FIND_NODE responses and local
// iterative-lookup seeding, and GetRandomNodes samples an onion path.
type RoutingTable struct {
	mu      sync.RWMutex
	buckets []*KBucket
	localID ID
}

// NewRoutingTable creates a routing table for localID with bucketCount
// buckets, each holding up to k nodes.
func NewRoutingTable(localID ID, bucketCount, k int) *RoutingTable {
	rt := &RoutingTable{
		buckets: make([]*KBucket, bucketCount),
		localID: localID,
	}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket(k)
	}
	return rt
}

// LocalID returns the table owner's id.
func (rt *RoutingTable) LocalID() ID {
	return rt.localID
}

// TryAdd routes node to its bucket by XOR distance from the local id. A
// self-add is a no-op reported as Updated, per the bucket contract
// (self is never stored but the call isn't treated as failed).
func (rt *RoutingTable) TryAdd(node *Node) AddResult {
	if node.ID.Equal(rt.localID) {
		return Updated
	}

	idx := rt.localID.BucketIndex(node.ID)
	if idx < 0 || idx >= len(rt.buckets) {
		idx = len(rt.buckets) - 1
	}

	rt.mu.RLock()
	bucket := rt.buckets[idx]
	rt.mu.RUnlock()

	return bucket.TryAdd(node)
}

// BucketFor returns the bucket a node with the given id would live in.
// Exposed so callers (e.g. DhtNode) can implement the BucketFull ->
// ping-oldest-then-evict dance described in the KBucket contract.
func (rt *RoutingTable) BucketFor(id ID) *KBucket {
	idx := rt.localID.BucketIndex(id)
	if idx < 0 || idx >= len(rt.buckets) {
		idx = len(rt.buckets) - 1
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[idx]
}

// FindClosest returns the n nodes across the whole table with the
// smallest XOR distance to target, sorted ascending by that distance.
// Ties are broken by byte order of the node id, which is deterministic
// across invocations for a fixed table snapshot.
func (rt *RoutingTable) FindClosest(target ID, n int) []*Node {
	all := rt.GetAllNodes()

	sort.Slice(all, func(i, j int) bool {
		di := all[i].ID.DistanceTo(target)
		dj := all[j].ID.DistanceTo(target)
		if di == dj {
			return all[i].ID.Less(all[j].ID)
		}
		return lessDistance(di, dj)
	})

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// GetRandomNodes samples up to n nodes from the full table via
// Fisher-Yates, for onion path selection. The caller is responsible for
// filtering out any node it does not want in the sample (e.g. the
// message's own target).
func (rt *RoutingTable) GetRandomNodes(n int) []*Node {
	all := rt.GetAllNodes()

	for i := len(all) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		all[i], all[j] = all[j], all[i]
	}

	if len(all) > n {
		all = all[:n]
	}
	return all
}

// GetAllNodes returns a snapshot of every node currently stored in the
// table, across all buckets.
func (rt *RoutingTable) GetAllNodes() []*Node {
	rt.mu.RLock()
	buckets := make([]*KBucket, len(rt.buckets))
	copy(buckets, rt.buckets)
	rt.mu.RUnlock()

	var all []*Node
	for _, b := range buckets {
		all = append(all, b.GetNodes()...)
	}
	return all
}

// TotalNodeCount returns the sum of bucket sizes across the table.
func (rt *RoutingTable) TotalNodeCount() int {
	rt.mu.RLock()
	buckets := make([]*KBucket, len(rt.buckets))
	copy(buckets, rt.buckets)
	rt.mu.RUnlock()

	total := 0
	for _, b := range buckets {
		total += b.Len()
	}
	return total
}

// Remove deletes the node with the given id from whichever bucket holds
// it, reporting whether anything was removed.
func (rt *RoutingTable) Remove(id ID) bool {
	return rt.BucketFor(id).Remove(id)
}
