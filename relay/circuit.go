// Package relay implements the stateless and stateful relay service that
// lets nodes behind NAT exchange traffic through an intermediary: one-shot
// RelayRequest/RelayResponse forwarding, and longer-lived RelayCircuits
// identified by a UUID and accounted in bytes, closing on cap breach or
// inactivity. Grounded on the teacher's retrieval_scheduler/async pacing
// style (opd-ai/toxcore async/) for the cleanup loop and on dhtstore's
// RateLimiter for the mutex-guarded map-with-eviction shape.
package relay

import (
	"sync"
	"time"
)

// circuit is one active relay pipe between a requester and a target node.
type circuit struct {
	id               string
	requesterAddress string
	requesterPort    uint16
	targetID         [32]byte
	createdAt        time.Time
	lastActivity     time.Time
	bytesRelayed     int64
}

// circuitTable tracks every active circuit, enforcing the global cap, the
// per-requester cap, and the per-circuit byte cap.
type circuitTable struct {
	mu                 sync.Mutex
	circuits           map[string]*circuit
	perRequester       map[string]int
	maxCircuits        int
	maxCircuitsPerPeer int
	maxCircuitBytes    int64
	idleTimeout        time.Duration
	now                func() time.Time
}

func newCircuitTable(maxCircuits, maxCircuitsPerPeer int, maxCircuitBytes int64, idleTimeout time.Duration, now func() time.Time) *circuitTable {
	if now == nil {
		now = time.Now
	}
	return &circuitTable{
		circuits:           make(map[string]*circuit),
		perRequester:       make(map[string]int),
		maxCircuits:        maxCircuits,
		maxCircuitsPerPeer: maxCircuitsPerPeer,
		maxCircuitBytes:    maxCircuitBytes,
		idleTimeout:        idleTimeout,
		now:                now,
	}
}

// ErrGlobalCap is returned when the table already holds maxCircuits entries.
type ErrGlobalCap struct{}

func (ErrGlobalCap) Error() string { return "relay: global circuit cap reached" }

// ErrPeerCap is returned when the requester already holds maxCircuitsPerPeer
// active circuits.
type ErrPeerCap struct{}

func (ErrPeerCap) Error() string { return "relay: requester circuit cap reached" }

// ErrDuplicateCircuit is returned when id is already in use.
type ErrDuplicateCircuit struct{}

func (ErrDuplicateCircuit) Error() string { return "relay: circuit id already in use" }

// open admits a new circuit under the requester-supplied id (a UUID the
// requester generated itself so it can correlate the eventual CircuitAccept
// and subsequent RelayData frames), or an error if a cap is exceeded or id
// collides with an existing circuit.
func (t *circuitTable) open(id, requesterAddress string, requesterPort uint16, targetID [32]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.circuits[id]; exists {
		return ErrDuplicateCircuit{}
	}
	if len(t.circuits) >= t.maxCircuits {
		return ErrGlobalCap{}
	}
	if t.perRequester[requesterAddress] >= t.maxCircuitsPerPeer {
		return ErrPeerCap{}
	}

	now := t.now()
	t.circuits[id] = &circuit{
		id:               id,
		requesterAddress: requesterAddress,
		requesterPort:    requesterPort,
		targetID:         targetID,
		createdAt:        now,
		lastActivity:     now,
	}
	t.perRequester[requesterAddress]++
	return nil
}

// get returns the circuit for id, or nil if unknown.
func (t *circuitTable) get(id string) *circuit {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.circuits[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// ErrCircuitByteCap is returned when relaying n more bytes on id would
// exceed the per-circuit cap; the circuit is removed as a side effect.
type ErrCircuitByteCap struct{}

func (ErrCircuitByteCap) Error() string { return "relay: circuit byte cap exceeded" }

// recordData accounts n bytes against id's running total, evicting and
// returning ErrCircuitByteCap if the cap would be crossed, or returning nil
// (dropped frame, caller should ignore) if id is unknown.
func (t *circuitTable) recordData(id string, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.circuits[id]
	if !ok {
		return nil
	}
	if c.bytesRelayed+int64(n) > t.maxCircuitBytes {
		t.removeLocked(id)
		return ErrCircuitByteCap{}
	}
	c.bytesRelayed += int64(n)
	c.lastActivity = t.now()
	return nil
}

// close removes id unconditionally (explicit CircuitClose from either end).
func (t *circuitTable) close(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *circuitTable) removeLocked(id string) {
	c, ok := t.circuits[id]
	if !ok {
		return
	}
	delete(t.circuits, id)
	t.perRequester[c.requesterAddress]--
	if t.perRequester[c.requesterAddress] <= 0 {
		delete(t.perRequester, c.requesterAddress)
	}
}

// cleanupIdle removes every circuit whose lastActivity is older than
// idleTimeout, returning the removed circuit IDs so the caller can issue a
// CircuitClose to each requester.
func (t *circuitTable) cleanupIdle() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []string
	for id, c := range t.circuits {
		if now.Sub(c.lastActivity) >= t.idleTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		t.removeLocked(id)
	}
	return expired
}

// len reports the number of active circuits, for tests and diagnostics.
func (t *circuitTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.circuits)
}
