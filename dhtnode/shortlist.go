package dhtnode

import (
	"sort"
	"sync"

	"github.com/MagicCactus42/susurri/kademlia"
)

// candidate tracks one node's progress through an iterative lookup round.
type candidate struct {
	node      *kademlia.Node
	queried   bool
	responded bool
}

// shortlist is the mutable working set an iterative FIND_NODE/FIND_VALUE
// lookup narrows toward target, generalizing the teacher's closest-nodes
// bookkeeping (opd-ai/toxcore dht/routing.go's GetClosestNodes sorting) into
// a stateful structure that also tracks which candidates have been queried.
type shortlist struct {
	target kademlia.ID
	k      int

	mu      sync.Mutex
	entries map[kademlia.ID]*candidate
}

func newShortlist(target kademlia.ID, k int) *shortlist {
	return &shortlist{
		target:  target,
		k:       k,
		entries: make(map[kademlia.ID]*candidate),
	}
}

// add inserts nodes not already present, never overwriting an existing
// candidate's queried/responded state.
func (s *shortlist) add(nodes []*kademlia.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if _, ok := s.entries[n.ID]; ok {
			continue
		}
		s.entries[n.ID] = &candidate{node: n}
	}
}

func (s *shortlist) sortedLocked() []*candidate {
	out := make([]*candidate, 0, len(s.entries))
	for _, c := range s.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		di := out[i].node.ID.DistanceTo(s.target)
		dj := out[j].node.ID.DistanceTo(s.target)
		if di == dj {
			return out[i].node.ID.Less(out[j].node.ID)
		}
		return di.Less(dj)
	})
	return out
}

// selectUnqueried returns up to alpha of the closest candidates that have
// not yet been queried, and marks them queried.
func (s *shortlist) selectUnqueried(alpha int) []*candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []*candidate
	for _, c := range s.sortedLocked() {
		if len(picked) >= alpha {
			break
		}
		if c.queried {
			continue
		}
		c.queried = true
		picked = append(picked, c)
	}
	return picked
}

func (s *shortlist) markResponded(id kademlia.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.entries[id]; ok {
		c.responded = true
	}
}

// closestDistance returns the distance from target to the nearest
// candidate currently known, or an all-ones distance if the shortlist is
// empty (so the first round's results always count as an improvement).
func (s *shortlist) closestDistance() kademlia.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.sortedLocked()
	if len(sorted) == 0 {
		var max kademlia.ID
		for i := range max {
			max[i] = 0xFF
		}
		return max
	}
	return sorted[0].node.ID.DistanceTo(s.target)
}

// allQueriedResponded reports whether every candidate marked queried has
// also responded, the second half of the lookup's termination condition.
func (s *shortlist) allQueriedResponded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.entries {
		if c.queried && !c.responded {
			return false
		}
	}
	return true
}

// closest returns up to n candidate nodes nearest target, clamped to k.
func (s *shortlist) closest(n int) []*kademlia.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.sortedLocked()
	if n > s.k {
		n = s.k
	}
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]*kademlia.Node, 0, len(sorted))
	for _, c := range sorted {
		out = append(out, c.node)
	}
	return out
}
