package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/histo"
	"github.com/rpattn/treedb/internal/repository"
)

func newTestGraph(t *testing.T) (*Graph, *histo.Engine, repository.DAO) {
	t.Helper()
	dao := repository.NewMemoryDAO()
	engine := histo.New(dao)
	return New(dao, engine, 1), engine, dao
}

func connect(t *testing.T, g *Graph, child, parent int64) {
	t.Helper()
	cs := g.NewChangeSet(42)
	if err := cs.Connect(context.Background(), nil, child, parent, 0); err != nil {
		t.Fatalf("connect %d->%d: %v", child, parent, err)
	}
	cs.Commit()
}

func TestConnectAndParent(t *testing.T) {
	g, _, _ := newTestGraph(t)
	connect(t, g, 2, 1)
	connect(t, g, 3, 1)

	p, err := g.Parent(2)
	if err != nil || p != 1 {
		t.Fatalf("parent of 2 = %d, %v", p, err)
	}
	kids := g.Children(1)
	if len(kids) != 2 {
		t.Fatalf("children of 1 = %v", kids)
	}
	if !g.HasEdge(2, 1) || g.HasEdge(1, 2) {
		t.Fatalf("adjacency direction wrong")
	}
}

func TestParentErrors(t *testing.T) {
	g, _, _ := newTestGraph(t)
	connect(t, g, 5, 1)
	connect(t, g, 5, 2)

	if _, err := g.Parent(9); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("parent of unknown node: %v", err)
	}
	if _, err := g.Parent(5); !errors.Is(err, domain.ErrNonUnique) {
		t.Fatalf("multi-parent lookup must fail, got %v", err)
	}
}

func TestConnectRejectsSelfLoopAndDuplicate(t *testing.T) {
	g, _, _ := newTestGraph(t)
	cs := g.NewChangeSet(42)
	ctx := context.Background()

	if err := cs.Connect(ctx, nil, 1, 1, 0); !errors.Is(err, domain.ErrGraph) {
		t.Fatalf("self loop: %v", err)
	}
	if err := cs.Connect(ctx, nil, 2, 1, 0); err != nil {
		t.Fatalf("first edge: %v", err)
	}
	// Duplicate of an edge staged in the same change set.
	if err := cs.Connect(ctx, nil, 2, 1, 0); !errors.Is(err, domain.ErrGraph) {
		t.Fatalf("staged duplicate: %v", err)
	}
	cs.Commit()

	// Duplicate of a committed edge.
	cs2 := g.NewChangeSet(42)
	if err := cs2.Connect(ctx, nil, 2, 1, 0); !errors.Is(err, domain.ErrGraph) {
		t.Fatalf("committed duplicate: %v", err)
	}
}

func TestConnectRejectsCycle(t *testing.T) {
	g, _, dao := newTestGraph(t)
	connect(t, g, 2, 1)
	connect(t, g, 3, 2)

	cs := g.NewChangeSet(42)
	err := cs.Connect(context.Background(), nil, 1, 3, 0)
	if !errors.Is(err, domain.ErrGraph) {
		t.Fatalf("closing 1->3 over 3->2->1 must be a cycle, got %v", err)
	}
	cs.Commit()

	// The rejected edge left neither adjacency nor storage behind.
	if g.HasEdge(1, 3) {
		t.Fatalf("rejected edge entered the adjacency")
	}
	ctx := context.Background()
	tx, _ := dao.Begin(ctx)
	defer tx.Rollback(ctx)
	recs, _ := tx.Query(ctx, repository.Where(domain.TagNode,
		repository.Eq("child_id", int64(1)),
		repository.Eq("status", domain.StatusActive),
	))
	if len(recs) != 0 {
		t.Fatalf("rejected edge was persisted")
	}
}

func TestCycleCheckSeesStagedEdges(t *testing.T) {
	g, _, _ := newTestGraph(t)
	cs := g.NewChangeSet(42)
	ctx := context.Background()

	if err := cs.Connect(ctx, nil, 2, 1, 0); err != nil {
		t.Fatalf("stage 2->1: %v", err)
	}
	// 1->2 closes a cycle against the staged edge before any commit.
	if err := cs.Connect(ctx, nil, 1, 2, 0); !errors.Is(err, domain.ErrGraph) {
		t.Fatalf("staged cycle not caught: %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	g, _, dao := newTestGraph(t)
	connect(t, g, 2, 1)

	cs := g.NewChangeSet(42)
	ctx := context.Background()
	if err := cs.Disconnect(ctx, nil, 2, 1); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	cs.Commit()

	if g.HasEdge(2, 1) {
		t.Fatalf("edge survived disconnect")
	}
	// The persisted edge is tombstoned, not removed.
	tx, _ := dao.Begin(ctx)
	defer tx.Rollback(ctx)
	recs, _ := tx.Query(ctx, repository.Where(domain.TagNode,
		repository.Eq("child_id", int64(2)),
	))
	if len(recs) == 0 {
		t.Fatalf("edge history lost")
	}
	for _, rec := range recs {
		if rec.RecordMeta().Status == domain.StatusActive {
			t.Fatalf("disconnected edge still ACTIVE")
		}
	}

	cs2 := g.NewChangeSet(42)
	if err := cs2.Disconnect(ctx, nil, 2, 1); !errors.Is(err, domain.ErrGraph) {
		t.Fatalf("double disconnect must fail, got %v", err)
	}
}

func TestDiscardDropsStagedChanges(t *testing.T) {
	g, _, _ := newTestGraph(t)
	cs := g.NewChangeSet(42)
	if err := cs.Connect(context.Background(), nil, 2, 1, 0); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cs.Discard()
	cs.Commit()
	if g.HasEdge(2, 1) {
		t.Fatalf("discarded edge entered the adjacency")
	}
}

func TestMaterializeRebuildsFromStorage(t *testing.T) {
	g, engine, dao := newTestGraph(t)
	ctx := context.Background()

	// Records give the endpoints residency.
	a := &domain.CI{Name: "a"}
	a.DomainID = 1
	b := &domain.CI{Name: "b"}
	b.DomainID = 1
	if err := engine.Create(ctx, nil, 42, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := engine.Create(ctx, nil, 42, b); err != nil {
		t.Fatalf("create b: %v", err)
	}
	connect(t, g, b.HistID, a.HistID)

	// A second graph over the same store starts empty and recovers the
	// adjacency from the persisted edges.
	g2 := New(dao, engine, 1)
	if err := g2.Materialize(ctx); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if !g2.HasEdge(b.HistID, a.HistID) {
		t.Fatalf("materialized graph missing edge")
	}

	kind := g2.connKind(b.HistID, a.HistID)
	if kind != domain.ConnInMemory {
		t.Fatalf("both endpoints resident, kind = %s", kind)
	}
}

func TestConnKindTiers(t *testing.T) {
	g, _, _ := newTestGraph(t)
	g.MarkInMemory(1, true)

	if k := g.connKind(2, 1); k != domain.ConnLazyChild {
		t.Fatalf("resident parent, lazy child: %s", k)
	}
	if k := g.connKind(2, 3); k != domain.ConnLazyNodes {
		t.Fatalf("both lazy: %s", k)
	}
	g.MarkInMemory(2, true)
	if k := g.connKind(2, 1); k != domain.ConnInMemory {
		t.Fatalf("both resident: %s", k)
	}
}
