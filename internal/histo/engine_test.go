package histo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/repository"
)

// testClock hands out strictly increasing timestamps so validity windows
// never collapse to zero width.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestEngine(t *testing.T) (*Engine, *repository.MemoryDAO, *testClock) {
	t.Helper()
	dao := repository.NewMemoryDAO()
	clock := newTestClock()
	return New(dao, WithClock(clock.Now)), dao, clock
}

func createCI(t *testing.T, e *Engine, name string) *domain.CI {
	t.Helper()
	ci := &domain.CI{Name: name, TypeID: 1}
	if err := e.Create(context.Background(), nil, 42, ci); err != nil {
		t.Fatalf("create %q: %v", name, err)
	}
	return ci
}

func updateName(t *testing.T, e *Engine, ci *domain.CI, name string) {
	t.Helper()
	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldName, domain.StringValue(name))
	if err := e.Update(context.Background(), nil, 42, ci, set); err != nil {
		t.Fatalf("update to %q: %v", name, err)
	}
}

func allRows(t *testing.T, dao repository.DAO, tag uint32, histID int64) []domain.Record {
	t.Helper()
	ctx := context.Background()
	tx, _ := dao.Begin(ctx)
	defer tx.Rollback(ctx)
	recs, err := tx.Query(ctx, repository.Query{
		TypeTag: tag,
		Where:   []repository.Cond{repository.Eq("hist_id", histID)},
		OrderBy: "version",
	})
	if err != nil {
		t.Fatalf("query rows: %v", err)
	}
	return recs
}

func TestCreateAssignsHistID(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ci := createCI(t, e, "router-1")

	if ci.HistID == 0 || ci.HistID != ci.ID {
		t.Fatalf("hist id %d must equal first row id %d", ci.HistID, ci.ID)
	}
	if ci.Status != domain.StatusActive {
		t.Fatalf("fresh record must be ACTIVE, got %s", ci.Status)
	}
	if ci.Version != 0 {
		t.Fatalf("fresh record must be version 0, got %d", ci.Version)
	}
	if ci.CreatedBy != 42 || ci.ModifiedBy != 42 {
		t.Fatalf("audit fields not stamped: %d/%d", ci.CreatedBy, ci.ModifiedBy)
	}
}

func TestUpdateHistorizes(t *testing.T) {
	e, dao, _ := newTestEngine(t)
	ci := createCI(t, e, "switch-1")

	for i, name := range []string{"switch-2", "switch-3", "switch-4"} {
		updateName(t, e, ci, name)
		if ci.Version != int64(i+1) {
			t.Fatalf("live version = %d after %d updates", ci.Version, i+1)
		}
	}

	rows := allRows(t, dao, domain.TagCI, ci.HistID)
	if len(rows) != 4 {
		t.Fatalf("expected 4 physical rows, got %d", len(rows))
	}

	active := 0
	for i, rec := range rows {
		m := rec.RecordMeta()
		if m.Version != int64(i) {
			t.Fatalf("row %d has version %d, want %d", i, m.Version, i)
		}
		if m.HistID != ci.HistID {
			t.Fatalf("row %d has hist id %d, want %d", i, m.HistID, ci.HistID)
		}
		switch m.Status {
		case domain.StatusActive:
			active++
			if m.DeletedAt != nil {
				t.Fatalf("live row carries a deletion stamp")
			}
			if m.ID == ci.HistID && ci.Version > 0 {
				t.Fatalf("live row id must diverge from hist id after updates")
			}
		case domain.StatusUpdated:
			if m.DeletedAt == nil {
				t.Fatalf("historical row %d has an open validity window", i)
			}
			if m.LockVersion != 0 {
				t.Fatalf("historical row %d kept live lock token %d", i, m.LockVersion)
			}
		default:
			t.Fatalf("unexpected status %s on row %d", m.Status, i)
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one ACTIVE row, got %d", active)
	}

	if rows[3].(*domain.CI).Name != "switch-4" {
		t.Fatalf("live row name = %q", rows[3].(*domain.CI).Name)
	}
	if rows[0].(*domain.CI).Name != "switch-1" {
		t.Fatalf("oldest row name = %q", rows[0].(*domain.CI).Name)
	}
}

func TestUpdateNoopEliminated(t *testing.T) {
	e, dao, _ := newTestEngine(t)
	ci := createCI(t, e, "same")

	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldName, domain.StringValue("same"))
	set.Set(domain.CIFieldType, domain.LongValue(1))
	if err := e.Update(context.Background(), nil, 42, ci, set); err != nil {
		t.Fatalf("noop update: %v", err)
	}

	if !set.Empty() {
		t.Fatalf("noop entries must be removed from the caller's set, %d left", set.Len())
	}
	if ci.Version != 0 {
		t.Fatalf("noop update bumped version to %d", ci.Version)
	}
	if rows := allRows(t, dao, domain.TagCI, ci.HistID); len(rows) != 1 {
		t.Fatalf("noop update created %d rows", len(rows))
	}
}

func TestUpdatePartialNoop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ci := createCI(t, e, "partial")

	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldName, domain.StringValue("partial")) // unchanged
	set.Set(domain.CIFieldAlias, domain.StringValue("p1"))
	if err := e.Update(context.Background(), nil, 42, ci, set); err != nil {
		t.Fatalf("update: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("expected the unchanged entry removed, %d left", set.Len())
	}
	if ci.Version != 1 || ci.Alias != "p1" {
		t.Fatalf("changed field not applied: version=%d alias=%q", ci.Version, ci.Alias)
	}
}

func TestUpdateKindMismatch(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ci := createCI(t, e, "typed")

	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldName, domain.LongValue(5))
	err := e.Update(context.Background(), nil, 42, ci, set)
	if !errors.Is(err, domain.ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	if ci.Version != 0 {
		t.Fatalf("failed update must not version")
	}
}

func TestUpdateRejectsHistoricalRow(t *testing.T) {
	e, dao, _ := newTestEngine(t)
	ci := createCI(t, e, "hist")
	updateName(t, e, ci, "hist-2")

	rows := allRows(t, dao, domain.TagCI, ci.HistID)
	old := rows[0].(*domain.CI)
	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldName, domain.StringValue("resurrect"))
	err := e.Update(context.Background(), nil, 42, old, set)
	if !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState updating an UPDATED row, got %v", err)
	}
}

func TestSoftDeleteThenUpdateFails(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ci := createCI(t, e, "gone")

	found, err := e.Delete(context.Background(), nil, 42, ci, false)
	if err != nil || !found {
		t.Fatalf("delete: found=%v err=%v", found, err)
	}
	if ci.Status != domain.StatusDeleted || ci.DeletedAt == nil {
		t.Fatalf("soft delete did not mark the row: %s", ci.Status)
	}

	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldName, domain.StringValue("back"))
	if err := e.Update(context.Background(), nil, 42, ci, set); !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState after delete, got %v", err)
	}

	if _, err := e.Load(context.Background(), nil, domain.TagCI, ci.HistID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted record still loads: %v", err)
	}
}

func TestHardDelete(t *testing.T) {
	e, dao, _ := newTestEngine(t)
	ci := createCI(t, e, "hard")

	found, err := e.Delete(context.Background(), nil, 42, ci, true)
	if err != nil || !found {
		t.Fatalf("hard delete: found=%v err=%v", found, err)
	}
	if rows := allRows(t, dao, domain.TagCI, ci.HistID); len(rows) != 0 {
		t.Fatalf("hard delete left %d rows", len(rows))
	}

	found, err = e.Delete(context.Background(), nil, 42, ci, true)
	if err != nil {
		t.Fatalf("second hard delete: %v", err)
	}
	if found {
		t.Fatalf("second hard delete reported a target")
	}
}

func TestLoadAsOf(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	ci := createCI(t, e, "v0")
	created := ci.ModifiedAt

	updateName(t, e, ci, "v1")
	afterFirst := ci.ModifiedAt
	updateName(t, e, ci, "v2")

	rec, err := e.LoadAsOf(ctx, nil, domain.TagCI, ci.HistID, created)
	if err != nil {
		t.Fatalf("as-of create: %v", err)
	}
	if rec.(*domain.CI).Name != "v0" {
		t.Fatalf("as-of create = %q", rec.(*domain.CI).Name)
	}

	rec, err = e.LoadAsOf(ctx, nil, domain.TagCI, ci.HistID, afterFirst)
	if err != nil {
		t.Fatalf("as-of first update: %v", err)
	}
	if rec.(*domain.CI).Name != "v1" {
		t.Fatalf("as-of first update = %q", rec.(*domain.CI).Name)
	}

	rec, err = e.LoadAsOf(ctx, nil, domain.TagCI, ci.HistID, clock.Now())
	if err != nil {
		t.Fatalf("as-of now: %v", err)
	}
	if rec.(*domain.CI).Name != "v2" {
		t.Fatalf("as-of now = %q", rec.(*domain.CI).Name)
	}

	if _, err := e.LoadAsOf(ctx, nil, domain.TagCI, ci.HistID, created.Add(-time.Hour)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before creation, got %v", err)
	}
}

func TestLoadAsOfAfterDelete(t *testing.T) {
	e, _, clock := newTestEngine(t)
	ctx := context.Background()
	ci := createCI(t, e, "doomed")
	alive := ci.ModifiedAt

	if _, err := e.Delete(ctx, nil, 42, ci, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rec, err := e.LoadAsOf(ctx, nil, domain.TagCI, ci.HistID, alive)
	if err != nil {
		t.Fatalf("as-of while alive: %v", err)
	}
	if rec.(*domain.CI).Name != "doomed" {
		t.Fatalf("as-of while alive = %q", rec.(*domain.CI).Name)
	}
	if _, err := e.LoadAsOf(ctx, nil, domain.TagCI, ci.HistID, clock.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestUniqueNameConstraint(t *testing.T) {
	e, _, _ := newTestEngine(t)
	createCI(t, e, "unique")

	dup := &domain.CI{Name: "unique"}
	err := e.Create(context.Background(), nil, 42, dup)
	if !errors.Is(err, domain.ErrConstraint) {
		t.Fatalf("expected ErrConstraint on duplicate name, got %v", err)
	}

	other := createCI(t, e, "other")
	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldName, domain.StringValue("unique"))
	if err := e.Update(context.Background(), nil, 42, other, set); !errors.Is(err, domain.ErrConstraint) {
		t.Fatalf("expected ErrConstraint on rename collision, got %v", err)
	}
	if other.Version != 0 {
		t.Fatalf("rejected update must not version")
	}
}

func TestReferenceOnlyUpdateDoesNotVersion(t *testing.T) {
	e, dao, _ := newTestEngine(t)
	ctx := context.Background()
	ci := createCI(t, e, "localized")

	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldDescription, domain.LocalizedStringValue("Ein Router", "de", ""))
	if err := e.Update(ctx, nil, 42, ci, set); err != nil {
		t.Fatalf("reference update: %v", err)
	}

	if ci.Version != 0 {
		t.Fatalf("reference-only update versioned the owner to %d", ci.Version)
	}
	if ci.DescriptionRef == 0 {
		t.Fatalf("description group not back-linked")
	}
	if rows := allRows(t, dao, domain.TagCI, ci.HistID); len(rows) != 1 {
		t.Fatalf("reference-only update created %d owner rows", len(rows))
	}

	s, err := e.Strings().Load(ctx, nil, ci.DescriptionRef, "de", "", nil)
	if err != nil {
		t.Fatalf("load variant: %v", err)
	}
	if s.Text != "Ein Router" {
		t.Fatalf("variant text = %q", s.Text)
	}
}

func TestLocalizedStringDelete(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	ci := createCI(t, e, "strings")

	set := domain.NewUpdateSet()
	set.Set(domain.CIFieldDescription, domain.LocalizedStringValue("hello", "en", ""))
	if err := e.Update(ctx, nil, 42, ci, set); err != nil {
		t.Fatalf("create variant: %v", err)
	}
	group := ci.DescriptionRef

	set = domain.NewUpdateSet()
	set.Set(domain.CIFieldDescription, domain.LocalizedStringDeleteValue("", ""))
	if err := e.Update(ctx, nil, 42, ci, set); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if ci.DescriptionRef != 0 {
		t.Fatalf("group deletion must clear the back-link, got %d", ci.DescriptionRef)
	}
	if _, err := e.Strings().Load(ctx, nil, group, "en", "", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted variant still loads: %v", err)
	}
}

func TestUpdateSerializedPerRecord(t *testing.T) {
	e, dao, _ := newTestEngine(t)
	ci := createCI(t, e, "contended")

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		name := []string{"left", "right"}[i]
		go func() {
			cur, err := e.Load(context.Background(), nil, domain.TagCI, ci.HistID)
			if err != nil {
				done <- err
				return
			}
			set := domain.NewUpdateSet()
			set.Set(domain.CIFieldName, domain.StringValue(name))
			done <- e.Update(context.Background(), nil, 42, cur, set)
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && !errors.Is(err, repository.ErrStaleRow) {
			t.Fatalf("concurrent update: %v", err)
		}
	}

	rows := allRows(t, dao, domain.TagCI, ci.HistID)
	active := 0
	for _, rec := range rows {
		if rec.RecordMeta().Status == domain.StatusActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("expected exactly one ACTIVE row after contention, got %d", active)
	}
}
