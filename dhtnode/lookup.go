package dhtnode

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/wire"
)

// recordsToNodes converts NodeRecords learned from a response into
// routing-table Nodes, recomputing each id from its public key rather
// than trusting the carried id field, so a malicious or buggy peer cannot
// place a node under a forged identifier.
func recordsToNodes(records []wire.NodeRecord) []*kademlia.Node {
	out := make([]*kademlia.Node, 0, len(records))
	for _, r := range records {
		node := kademlia.NewNode(r.PublicKey, ipBytesToHost(r.IP), r.Port)
		out = append(out, node)
	}
	return out
}

func ipBytesToHost(ip []byte) string {
	if len(ip) == 4 || len(ip) == 16 {
		return netIPString(ip)
	}
	return ""
}

// iterativeFindNode runs the spec's iterative FIND_NODE procedure: seed
// from the routing table, fan out alpha queries per round to the closest
// unqueried candidates, merge results, and stop once a round fails to
// improve on the best distance seen and every selected candidate has
// answered.
func (n *DhtNode) iterativeFindNode(ctx context.Context, target kademlia.ID) []*kademlia.Node {
	list := newShortlist(target, n.cfg.K)
	list.add(n.routingTable.FindClosest(target, n.cfg.K))

	for {
		best := list.closestDistance()
		batch := list.selectUnqueried(n.cfg.Alpha)
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range batch {
			c := c
			g.Go(func() error {
				nodes, err := n.queryFindNode(gctx, c.node, target)
				if err != nil {
					n.logger.WithError(err).WithField("peer", c.node.ID).Debug("find_node query failed")
					return nil
				}
				list.markResponded(c.node.ID)
				list.add(nodes)
				for _, found := range nodes {
					n.routingTable.TryAdd(found)
				}
				return nil
			})
		}
		_ = g.Wait()

		if !list.closestDistance().Less(best) && list.allQueriedResponded() {
			break
		}
	}

	return list.closest(n.cfg.K)
}

func (n *DhtNode) queryFindNode(ctx context.Context, target *kademlia.Node, lookupTarget kademlia.ID) ([]*kademlia.Node, error) {
	payload := wire.FindNodePayload{Target: lookupTarget}
	resp, err := n.sendRPC(ctx, target.Address, target.Port, wire.TypeFindNode, payload.Encode())
	target.RecordPing(err == nil)
	if err != nil {
		return nil, err
	}
	decoded, err := wire.DecodeFindNodeResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	return recordsToNodes(decoded.Nodes), nil
}

// iterativeFindValue mirrors iterativeFindNode but terminates the moment
// any response carries a value, caching it locally with the configured
// TTL as the spec requires.
func (n *DhtNode) iterativeFindValue(ctx context.Context, key kademlia.ID) ([]byte, bool) {
	list := newShortlist(key, n.cfg.K)
	list.add(n.routingTable.FindClosest(key, n.cfg.K))

	for {
		best := list.closestDistance()
		batch := list.selectUnqueried(n.cfg.Alpha)
		if len(batch) == 0 {
			break
		}

		type outcome struct {
			value []byte
			found bool
		}
		results := make(chan outcome, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range batch {
			c := c
			g.Go(func() error {
				value, nodes, found, err := n.queryFindValue(gctx, c.node, key)
				if err != nil {
					n.logger.WithError(err).WithField("peer", c.node.ID).Debug("find_value query failed")
					return nil
				}
				list.markResponded(c.node.ID)
				if found {
					results <- outcome{value: value, found: true}
					return nil
				}
				list.add(nodes)
				for _, discovered := range nodes {
					n.routingTable.TryAdd(discovered)
				}
				return nil
			})
		}
		_ = g.Wait()
		close(results)

		for o := range results {
			if o.found {
				if err := n.storage.Store(key, o.value, n.cfg.FindValueCacheTTL); err != nil {
					n.logger.WithError(err).Debug("failed to cache found value locally")
				}
				return o.value, true
			}
		}

		if !list.closestDistance().Less(best) && list.allQueriedResponded() {
			break
		}
	}

	return nil, false
}

func (n *DhtNode) queryFindValue(ctx context.Context, target *kademlia.Node, key kademlia.ID) ([]byte, []*kademlia.Node, bool, error) {
	payload := wire.FindValuePayload{Key: key}
	resp, err := n.sendRPC(ctx, target.Address, target.Port, wire.TypeFindValue, payload.Encode())
	target.RecordPing(err == nil)
	if err != nil {
		return nil, nil, false, err
	}
	decoded, err := wire.DecodeFindValueResponse(resp.Payload)
	if err != nil {
		return nil, nil, false, err
	}
	if decoded.Found {
		return decoded.Value, nil, true, nil
	}
	return nil, recordsToNodes(decoded.Nodes), false, nil
}
