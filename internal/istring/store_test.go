package istring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/repository"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore() (*Store, *testClock) {
	clock := &testClock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	return NewStore(repository.NewMemoryDAO(), WithClock(clock.Now)), clock
}

func TestCreateStartsGroup(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	row, err := s.Create(ctx, nil, 1, 7, "Hello", "en", "", 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if row.GroupID == 0 || row.GroupID != row.HistID {
		t.Fatalf("group id %d must equal hist id %d of the first variant", row.GroupID, row.HistID)
	}
	if row.DomainID != 7 {
		t.Fatalf("domain id not carried: %d", row.DomainID)
	}
}

func TestLocaleFallback(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	group, err := s.Create(ctx, nil, 1, 0, "colour", "en", "", 0)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := s.FindOrCreateAndUpdate(ctx, nil, 1, group.GroupID, "color", "en", "US", 0); err != nil {
		t.Fatalf("add en-US: %v", err)
	}
	if _, err := s.FindOrCreateAndUpdate(ctx, nil, 1, group.GroupID, "Farbe", "de", "", 0); err != nil {
		t.Fatalf("add de: %v", err)
	}

	cases := []struct {
		lang, country, want string
	}{
		{"en", "", "colour"},   // generic row directly
		{"en", "US", "color"},  // exact country wins over generic
		{"en", "GB", "colour"}, // no GB row, generic fallback
		{"de", "AT", "Farbe"},  // fallback in the other language
	}
	for _, tc := range cases {
		row, err := s.Load(ctx, nil, group.GroupID, tc.lang, tc.country, nil)
		if err != nil {
			t.Fatalf("load %s/%s: %v", tc.lang, tc.country, err)
		}
		if row.Text != tc.want {
			t.Errorf("load %s/%s = %q, want %q", tc.lang, tc.country, row.Text, tc.want)
		}
	}

	if _, err := s.Load(ctx, nil, group.GroupID, "fr", "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing language must be ErrNotFound, got %v", err)
	}
}

func TestFindOrCreateAndUpdateHistorizes(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	group, _ := s.Create(ctx, nil, 1, 0, "first", "en", "", 0)

	// Unchanged text never writes.
	row, err := s.FindOrCreateAndUpdate(ctx, nil, 1, group.GroupID, "first", "en", "", 0)
	if err != nil {
		t.Fatalf("idempotent update: %v", err)
	}
	if row.Version != 0 {
		t.Fatalf("unchanged text bumped version to %d", row.Version)
	}

	row, err = s.FindOrCreateAndUpdate(ctx, nil, 1, group.GroupID, "second", "en", "", 0)
	if err != nil {
		t.Fatalf("text update: %v", err)
	}
	if row.Version != 1 || row.Text != "second" {
		t.Fatalf("update not applied: version=%d text=%q", row.Version, row.Text)
	}

	// The prior text survives as a closed historical row.
	dao := s.dao
	tx, _ := dao.Begin(ctx)
	defer tx.Rollback(ctx)
	recs, err := tx.Query(ctx, repository.Where(domain.TagIString,
		repository.Eq("group_id", group.GroupID),
		repository.Eq("status", domain.StatusUpdated),
	))
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 historical row, got %d", len(recs))
	}
	hist := recs[0].(*domain.IString)
	if hist.Text != "first" || hist.DeletedAt == nil {
		t.Fatalf("historical row wrong: text=%q deleted=%v", hist.Text, hist.DeletedAt)
	}
}

func TestLoadAsOf(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	group, _ := s.Create(ctx, nil, 1, 0, "old", "en", "", 0)
	was := group.ModifiedAt
	if _, err := s.FindOrCreateAndUpdate(ctx, nil, 1, group.GroupID, "new", "en", "", 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	row, err := s.Load(ctx, nil, group.GroupID, "en", "", &was)
	if err != nil {
		t.Fatalf("as-of load: %v", err)
	}
	if row.Text != "old" {
		t.Fatalf("as-of text = %q, want old", row.Text)
	}

	now := clock.Now()
	row, err = s.Load(ctx, nil, group.GroupID, "en", "", &now)
	if err != nil {
		t.Fatalf("as-of now: %v", err)
	}
	if row.Text != "new" {
		t.Fatalf("as-of now text = %q, want new", row.Text)
	}
}

func TestDeleteVariants(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	group, _ := s.Create(ctx, nil, 1, 0, "generic", "en", "", 0)
	s.FindOrCreateAndUpdate(ctx, nil, 1, group.GroupID, "us", "en", "US", 0)
	s.FindOrCreateAndUpdate(ctx, nil, 1, group.GroupID, "de", "de", "", 0)

	n, err := s.DeleteVariant(ctx, nil, 1, group.GroupID, "en", "US")
	if err != nil || n != 1 {
		t.Fatalf("delete variant: n=%d err=%v", n, err)
	}
	row, err := s.Load(ctx, nil, group.GroupID, "en", "US", nil)
	if err != nil {
		t.Fatalf("load after variant delete: %v", err)
	}
	if row.Text != "generic" {
		t.Fatalf("deleted country must fall back to generic, got %q", row.Text)
	}

	n, err = s.DeleteLanguage(ctx, nil, 1, group.GroupID, "en")
	if err != nil || n != 1 {
		t.Fatalf("delete language: n=%d err=%v", n, err)
	}
	if _, err := s.Load(ctx, nil, group.GroupID, "en", "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted language still loads: %v", err)
	}

	n, err = s.DeleteGroup(ctx, nil, 1, group.GroupID)
	if err != nil || n != 1 {
		t.Fatalf("delete group: n=%d err=%v", n, err)
	}
	if _, err := s.Load(ctx, nil, group.GroupID, "de", "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted group still loads: %v", err)
	}
}
