// Package graph maintains the in-memory parent/child adjacency mirroring
// persisted node edges. The adjacency is rebuilt lazily from edge records
// and deliberately not kept in sync edge-by-edge: connect and disconnect
// queue their changes in an explicit change set that a single Commit
// applies under one lock, so a batch import never exposes a partially
// visible graph.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/histo"
	"github.com/rpattn/treedb/internal/repository"
)

type node struct {
	inMemory bool
	parents  map[int64]bool
	children map[int64]bool
}

// Graph is the adjacency over one tenant domain's records.
type Graph struct {
	dao      repository.DAO
	engine   *histo.Engine
	domainID int64
	loader   *recordLoader

	mu    sync.Mutex
	nodes map[int64]*node
}

func New(dao repository.DAO, engine *histo.Engine, domainID int64) *Graph {
	g := &Graph{
		dao:      dao,
		engine:   engine,
		domainID: domainID,
		nodes:    make(map[int64]*node),
	}
	g.loader = newRecordLoader(dao)
	return g
}

func (g *Graph) node(id int64) *node {
	n, ok := g.nodes[id]
	if !ok {
		n = &node{parents: make(map[int64]bool), children: make(map[int64]bool)}
		g.nodes[id] = n
	}
	return n
}

// Materialize rebuilds the adjacency from the persisted ACTIVE edges of
// the domain and batch-fetches the connected records to mark them
// resident. Callers run this after a batch of graph mutations.
func (g *Graph) Materialize(ctx context.Context) error {
	tx, err := g.dao.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	recs, err := tx.Query(ctx, repository.Where(domain.TagNode,
		repository.Eq("domain_id", g.domainID),
		repository.Eq("status", domain.StatusActive),
	))
	if err != nil {
		return fmt.Errorf("failed to load graph edges: %w", err)
	}

	ids := make(map[int64]bool)
	g.mu.Lock()
	g.nodes = make(map[int64]*node)
	for _, rec := range recs {
		edge := rec.(*domain.NodeEdge)
		g.node(edge.ChildID).parents[edge.ParentID] = true
		g.node(edge.ParentID).children[edge.ChildID] = true
		ids[edge.ChildID] = true
		ids[edge.ParentID] = true
	}
	g.mu.Unlock()

	keys := make([]int64, 0, len(ids))
	for id := range ids {
		keys = append(keys, id)
	}
	loaded, err := g.loader.LoadMany(ctx, keys)
	if err != nil {
		return err
	}
	g.mu.Lock()
	for id, rec := range loaded {
		g.node(id).inMemory = rec != nil
	}
	g.mu.Unlock()
	return nil
}

// MarkInMemory flags whether a record's subtree is resident, which
// decides the connection kind of future edges touching it.
func (g *Graph) MarkInMemory(id int64, resident bool) {
	g.mu.Lock()
	g.node(id).inMemory = resident
	g.mu.Unlock()
}

// Parent returns the single parent of id. Zero or more than one parent is
// an error; this graph models a constrained tree where single-parent
// lookup is a common but fallible convenience.
func (g *Graph) Parent(id int64) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok || len(n.parents) == 0 {
		return 0, fmt.Errorf("node %d has no parent: %w", id, domain.ErrNotFound)
	}
	if len(n.parents) > 1 {
		return 0, fmt.Errorf("node %d has %d parents: %w", id, len(n.parents), domain.ErrNonUnique)
	}
	for p := range n.parents {
		return p, nil
	}
	return 0, nil
}

// Children returns the resident child set of id.
func (g *Graph) Children(id int64) []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(n.children))
	for c := range n.children {
		out = append(out, c)
	}
	return out
}

// HasEdge reports whether the in-memory adjacency holds child→parent.
func (g *Graph) HasEdge(child, parent int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[child]
	return ok && n.parents[parent]
}

// isAncestor walks the parent chains of start looking for target,
// considering both the committed adjacency and the staged additions.
// Caller holds g.mu.
func (g *Graph) isAncestor(target, start int64, staged map[int64][]int64) bool {
	seen := make(map[int64]bool)
	stack := []int64{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if n, ok := g.nodes[cur]; ok {
			for p := range n.parents {
				stack = append(stack, p)
			}
		}
		stack = append(stack, staged[cur]...)
	}
	return false
}

// connKind classifies an edge by how much of both endpoints is resident.
func (g *Graph) connKind(child, parent int64) domain.ConnKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	childIn := false
	if n, ok := g.nodes[child]; ok {
		childIn = n.inMemory
	}
	parentIn := false
	if n, ok := g.nodes[parent]; ok {
		parentIn = n.inMemory
	}
	switch {
	case childIn && parentIn:
		return domain.ConnInMemory
	case parentIn:
		return domain.ConnLazyChild
	default:
		return domain.ConnLazyNodes
	}
}
