package conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MagicCactus42/susurri/config"
	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/relay"
	"github.com/MagicCactus42/susurri/safego"
)

// Transport is the dial capability the connection manager needs for the
// direct path; a DhtNode satisfies this via its DialRaw method.
type Transport interface {
	DialRaw(ctx context.Context, address string, port uint16) (net.Conn, error)
}

// ErrNodeUnknown is returned when the target is not in the routing table.
type ErrNodeUnknown struct{}

func (ErrNodeUnknown) Error() string { return "conn: node not in routing table" }

// ErrNoPathAvailable is returned when neither a direct connection nor any
// sampled relay could reach the target.
type ErrNoPathAvailable struct{}

func (ErrNoPathAvailable) Error() string { return "conn: no direct or relay path available" }

type cacheEntry struct {
	conn     Connection
	lastUsed time.Time
}

// ConnectionManager implements get_connection's direct-then-relayed
// fallback and caches the result per node, evicting entries idle past
// cfg.ConnIdleTimeout. Grounded on the teacher's transport connection-pool
// shape (opd-ai/toxcore net/packet_connection.go) generalized to add the
// relay fallback this protocol's NAT traversal needs.
type ConnectionManager struct {
	cfg          *config.Config
	transport    Transport
	relaySvc     *relay.Service
	routingTable *kademlia.RoutingTable

	mu    sync.Mutex
	cache map[kademlia.ID]*cacheEntry

	now func() time.Time

	stopCh chan struct{}
	logger *logrus.Entry
}

// New constructs a ConnectionManager sharing routingTable with the rest of
// the node and using relaySvc for fallback circuit establishment.
func New(cfg *config.Config, transport Transport, relaySvc *relay.Service, routingTable *kademlia.RoutingTable) *ConnectionManager {
	return &ConnectionManager{
		cfg:          cfg,
		transport:    transport,
		relaySvc:     relaySvc,
		routingTable: routingTable,
		cache:        make(map[kademlia.ID]*cacheEntry),
		now:          time.Now,
		stopCh:       make(chan struct{}),
		logger:       logrus.WithField("component", "conn"),
	}
}

// Start launches the periodic idle-eviction loop.
func (m *ConnectionManager) Start() {
	safego.Go(m.logger, "conn-eviction", func() error {
		ticker := time.NewTicker(m.cfg.ConnIdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return nil
			case <-ticker.C:
				m.evictIdle()
			}
		}
	})
}

// Stop ends the eviction loop and closes every cached connection.
func (m *ConnectionManager) Stop() {
	close(m.stopCh)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, entry := range m.cache {
		entry.conn.Close()
		delete(m.cache, id)
	}
}

func (m *ConnectionManager) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, entry := range m.cache {
		if now.Sub(entry.lastUsed) >= m.cfg.ConnIdleTimeout {
			entry.conn.Close()
			delete(m.cache, id)
		}
	}
}

// GetConnection returns a cached connection if one is live, otherwise tries
// a direct dial and falls back to sampling up to MaxRelayAttempts relay
// nodes, caching whichever succeeds first.
func (m *ConnectionManager) GetConnection(ctx context.Context, nodeID kademlia.ID) (Connection, error) {
	if c, ok := m.cachedConn(nodeID); ok {
		return c, nil
	}

	candidates := m.routingTable.FindClosest(nodeID, 1)
	if len(candidates) == 0 || candidates[0].ID != nodeID {
		return nil, ErrNodeUnknown{}
	}
	target := candidates[0]

	if c, err := m.dialDirect(ctx, target); err == nil {
		m.cacheConn(nodeID, c)
		return c, nil
	}

	if c, err := m.dialViaRelay(ctx, nodeID, target); err == nil {
		m.cacheConn(nodeID, c)
		return c, nil
	}

	return nil, ErrNoPathAvailable{}
}

func (m *ConnectionManager) cachedConn(nodeID kademlia.ID) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[nodeID]
	if !ok {
		return nil, false
	}
	entry.lastUsed = m.now()
	return entry.conn, true
}

func (m *ConnectionManager) cacheConn(nodeID kademlia.ID, c Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[nodeID] = &cacheEntry{conn: c, lastUsed: m.now()}
}

func (m *ConnectionManager) invalidate(nodeID kademlia.ID) {
	m.mu.Lock()
	entry, ok := m.cache[nodeID]
	if ok {
		delete(m.cache, nodeID)
	}
	m.mu.Unlock()
	if ok {
		entry.conn.Close()
	}
}

func (m *ConnectionManager) dialDirect(ctx context.Context, target *kademlia.Node) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DirectDialTimeout)
	defer cancel()
	raw, err := m.transport.DialRaw(ctx, target.Address, target.Port)
	if err != nil {
		return nil, fmt.Errorf("conn: direct dial: %w", err)
	}
	return newDirectConn(raw, m.cfg.MaxFrameSize), nil
}

// dialViaRelay samples up to MaxRelayAttempts random nodes (excluding the
// target itself) and tries establish_circuit through each, returning the
// first that succeeds.
func (m *ConnectionManager) dialViaRelay(ctx context.Context, targetID kademlia.ID, target *kademlia.Node) (Connection, error) {
	candidates := m.routingTable.GetRandomNodes(m.cfg.MaxRelayAttempts + 1)

	attempts := 0
	var lastErr error
	for _, relayNode := range candidates {
		if relayNode.ID == targetID {
			continue
		}
		if attempts >= m.cfg.MaxRelayAttempts {
			break
		}
		attempts++

		c := newRelayConn(m.relaySvc, "", relayNode.Address, relayNode.Port)
		circuitID, err := m.relaySvc.EstablishCircuit(ctx, [32]byte(targetID), relayNode.Address, relayNode.Port, c)
		if err != nil {
			lastErr = err
			continue
		}
		c.circuitID = circuitID
		return c, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("conn: no relay candidates available")
	}
	return nil, lastErr
}

// Send writes frame to nodeID, retrying once through a fresh connection if
// the first send fails.
func (m *ConnectionManager) Send(ctx context.Context, nodeID kademlia.ID, frame []byte) error {
	c, err := m.GetConnection(ctx, nodeID)
	if err != nil {
		return err
	}
	if err := c.Send(ctx, frame); err == nil {
		return nil
	}

	m.invalidate(nodeID)
	c, err = m.GetConnection(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("conn: retry: %w", err)
	}
	return c.Send(ctx, frame)
}
