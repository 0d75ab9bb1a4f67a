package graph

import (
	"context"
	"fmt"
	"log"

	"github.com/VictoriaMetrics/metrics"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/repository"
)

var (
	edgesConnected    = metrics.NewCounter("treedb_graph_edges_connected_total")
	edgesDisconnected = metrics.NewCounter("treedb_graph_edges_disconnected_total")
	cyclesRejected    = metrics.NewCounter("treedb_graph_cycles_rejected_total")
)

type pendingEdge struct {
	child, parent int64
	disconnect    bool
}

// ChangeSet collects edge mutations against a Graph. Connect and
// Disconnect persist their edge records immediately inside the given
// transaction but the in-memory adjacency only moves on Commit, after
// the transaction has committed. A change set is single-goroutine; the
// graph lock is only taken for validation and for Commit.
type ChangeSet struct {
	g       *Graph
	actor   int64
	pending []pendingEdge
	// stagedParents mirrors the not-yet-committed connects so cycle
	// checks see edges queued earlier in the same change set.
	stagedParents map[int64][]int64
}

func (g *Graph) NewChangeSet(actor int64) *ChangeSet {
	return &ChangeSet{g: g, actor: actor, stagedParents: make(map[int64][]int64)}
}

// Connect validates and persists a child→parent edge. Self loops,
// duplicate edges, and edges that would close a cycle are rejected
// without touching storage.
func (cs *ChangeSet) Connect(ctx context.Context, tx repository.Tx, child, parent int64, edgeType uint32) error {
	if child == parent {
		return fmt.Errorf("self loop on node %d: %w", child, domain.ErrGraph)
	}

	cs.g.mu.Lock()
	if n, ok := cs.g.nodes[child]; ok && n.parents[parent] {
		cs.g.mu.Unlock()
		return fmt.Errorf("edge %d->%d already connected: %w", child, parent, domain.ErrGraph)
	}
	for _, p := range cs.stagedParents[child] {
		if p == parent {
			cs.g.mu.Unlock()
			return fmt.Errorf("edge %d->%d already connected: %w", child, parent, domain.ErrGraph)
		}
	}
	// The new edge makes parent an ancestor of child; if child already
	// sits above parent the edge closes a cycle.
	if cs.g.isAncestor(child, parent, cs.stagedParents) {
		cs.g.mu.Unlock()
		cyclesRejected.Inc()
		return fmt.Errorf("edge %d->%d would create a cycle: %w", child, parent, domain.ErrGraph)
	}
	cs.g.mu.Unlock()

	edge := &domain.NodeEdge{
		ChildID:  child,
		ParentID: parent,
		EdgeType: edgeType,
		Kind:     cs.g.connKind(child, parent),
	}
	edge.Meta.DomainID = cs.g.domainID
	if err := cs.g.engine.Create(ctx, tx, cs.actor, edge); err != nil {
		return fmt.Errorf("failed to persist edge %d->%d: %w", child, parent, err)
	}

	cs.pending = append(cs.pending, pendingEdge{child: child, parent: parent})
	cs.stagedParents[child] = append(cs.stagedParents[child], parent)
	return nil
}

// Disconnect soft-deletes the persisted edge and queues its removal
// from the adjacency. The edge must be known to the in-memory graph.
func (cs *ChangeSet) Disconnect(ctx context.Context, tx repository.Tx, child, parent int64) error {
	if !cs.g.HasEdge(child, parent) {
		return fmt.Errorf("edge %d->%d not connected: %w", child, parent, domain.ErrGraph)
	}

	err := repository.RunInTx(ctx, cs.g.dao, tx, func(tx repository.Tx) error {
		recs, err := tx.Query(ctx, repository.Where(domain.TagNode,
			repository.Eq("child_id", child),
			repository.Eq("parent_id", parent),
			repository.Eq("status", domain.StatusActive),
		))
		if err != nil {
			return fmt.Errorf("failed to load edge %d->%d: %w", child, parent, err)
		}
		for _, rec := range recs {
			if _, err := cs.g.engine.Delete(ctx, tx, cs.actor, rec, false); err != nil {
				return fmt.Errorf("failed to delete edge %d->%d: %w", child, parent, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	cs.pending = append(cs.pending, pendingEdge{child: child, parent: parent, disconnect: true})
	return nil
}

// Commit applies the queued adjacency changes in order under one lock.
func (cs *ChangeSet) Commit() {
	cs.g.mu.Lock()
	for _, p := range cs.pending {
		if p.disconnect {
			delete(cs.g.node(p.child).parents, p.parent)
			delete(cs.g.node(p.parent).children, p.child)
			edgesDisconnected.Inc()
		} else {
			cs.g.node(p.child).parents[p.parent] = true
			cs.g.node(p.parent).children[p.child] = true
			edgesConnected.Inc()
		}
	}
	n := len(cs.pending)
	cs.g.mu.Unlock()
	if n > 0 {
		log.Printf("[graph] committed %d edge changes in domain %d", n, cs.g.domainID)
	}
	cs.pending = nil
	cs.stagedParents = make(map[int64][]int64)
}

// Discard drops the queued adjacency changes. The persisted edge rows
// are expected to be rolled back with the surrounding transaction.
func (cs *ChangeSet) Discard() {
	cs.pending = nil
	cs.stagedParents = make(map[int64][]int64)
}
