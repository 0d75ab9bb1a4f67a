package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/treedb/internal/domain"
)

// ErrStaleRow signals an optimistic-lock failure: the row changed under a
// transaction that re-persisted a stale in-memory copy.
var ErrStaleRow = errors.New("stale row version")

// MemoryDAO is an in-memory DAO used by tests and embedded deployments.
// It mirrors the transactional behavior of the Postgres DAO: writes stage
// inside the transaction and become visible on commit only.
type MemoryDAO struct {
	mu     sync.Mutex
	tables map[uint32]map[int64]domain.Record
	nextID int64
}

func NewMemoryDAO() *MemoryDAO {
	return &MemoryDAO{tables: make(map[uint32]map[int64]domain.Record)}
}

// Begin opens a transaction against the store.
func (m *MemoryDAO) Begin(ctx context.Context) (Tx, error) {
	return &memTx{
		dao:     m,
		staged:  make(map[uint32]map[int64]domain.Record),
		deleted: make(map[uint32]map[int64]bool),
	}, nil
}

func (m *MemoryDAO) table(tag uint32) map[int64]domain.Record {
	t, ok := m.tables[tag]
	if !ok {
		t = make(map[int64]domain.Record)
		m.tables[tag] = t
	}
	return t
}

type memTx struct {
	dao      *MemoryDAO
	staged   map[uint32]map[int64]domain.Record
	deleted  map[uint32]map[int64]bool
	done     bool
	detached map[domain.Record]bool
}

func (t *memTx) stage(tag uint32) map[int64]domain.Record {
	s, ok := t.staged[tag]
	if !ok {
		s = make(map[int64]domain.Record)
		t.staged[tag] = s
	}
	return s
}

func (t *memTx) tombstones(tag uint32) map[int64]bool {
	d, ok := t.deleted[tag]
	if !ok {
		d = make(map[int64]bool)
		t.deleted[tag] = d
	}
	return d
}

// visible returns the record as this transaction sees it: staged writes
// shadow committed state, tombstones hide rows.
func (t *memTx) visible(tag uint32, id int64) (domain.Record, bool) {
	if t.deleted[tag][id] {
		return nil, false
	}
	if rec, ok := t.staged[tag][id]; ok {
		return rec, true
	}
	t.dao.mu.Lock()
	defer t.dao.mu.Unlock()
	rec, ok := t.dao.table(tag)[id]
	return rec, ok
}

func (t *memTx) Get(ctx context.Context, typeTag uint32, id int64) (domain.Record, error) {
	rec, ok := t.visible(typeTag, id)
	if !ok {
		return nil, fmt.Errorf("get %d/%d: %w", typeTag, id, domain.ErrNotFound)
	}
	return rec.CloneRecord(), nil
}

func (t *memTx) Query(ctx context.Context, q Query) ([]domain.Record, error) {
	return t.QueryPage(ctx, q, 0, 0)
}

func (t *memTx) QueryPage(ctx context.Context, q Query, offset, limit int) ([]domain.Record, error) {
	ids := make(map[int64]bool)
	var out []domain.Record

	collect := func(id int64, rec domain.Record) error {
		if ids[id] || t.deleted[q.TypeTag][id] {
			return nil
		}
		ids[id] = true
		match, err := matches(rec, q.Where)
		if err != nil {
			return err
		}
		if match {
			out = append(out, rec.CloneRecord())
		}
		return nil
	}

	for id, rec := range t.staged[q.TypeTag] {
		if err := collect(id, rec); err != nil {
			return nil, err
		}
	}
	t.dao.mu.Lock()
	committed := make(map[int64]domain.Record, len(t.dao.table(q.TypeTag)))
	for id, rec := range t.dao.table(q.TypeTag) {
		committed[id] = rec
	}
	t.dao.mu.Unlock()
	for id, rec := range committed {
		if _, shadowed := t.staged[q.TypeTag][id]; shadowed {
			continue
		}
		if err := collect(id, rec); err != nil {
			return nil, err
		}
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = "id"
	}
	var sortErr error
	sort.Slice(out, func(i, j int) bool {
		a, _ := fieldOf(out[i], orderBy)
		b, _ := fieldOf(out[j], orderBy)
		c, err := compare(a, b)
		if err != nil && sortErr == nil {
			sortErr = err
		}
		if q.Desc {
			return c > 0
		}
		return c < 0
	})
	if sortErr != nil {
		return nil, sortErr
	}

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) Insert(ctx context.Context, rec domain.Record) error {
	t.dao.mu.Lock()
	t.dao.nextID++
	id := t.dao.nextID
	t.dao.mu.Unlock()

	rec.RecordMeta().ID = id
	t.stage(rec.TypeTag())[id] = rec.CloneRecord()
	delete(t.tombstones(rec.TypeTag()), id)
	return nil
}

func (t *memTx) Update(ctx context.Context, rec domain.Record) error {
	meta := rec.RecordMeta()
	current, ok := t.visible(rec.TypeTag(), meta.ID)
	if !ok {
		return fmt.Errorf("update %d/%d: %w", rec.TypeTag(), meta.ID, domain.ErrNotFound)
	}
	if current.RecordMeta().LockVersion != meta.LockVersion {
		return fmt.Errorf("update %d/%d: %w", rec.TypeTag(), meta.ID, ErrStaleRow)
	}
	meta.LockVersion++
	t.stage(rec.TypeTag())[meta.ID] = rec.CloneRecord()
	return nil
}

func (t *memTx) DeleteRow(ctx context.Context, typeTag uint32, id int64) (bool, error) {
	_, ok := t.visible(typeTag, id)
	if !ok {
		return false, nil
	}
	delete(t.stage(typeTag), id)
	t.tombstones(typeTag)[id] = true
	return true, nil
}

func (t *memTx) DeleteWhere(ctx context.Context, q Query) (int64, error) {
	recs, err := t.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if _, err := t.DeleteRow(ctx, q.TypeTag, rec.RecordMeta().ID); err != nil {
			return 0, err
		}
	}
	return int64(len(recs)), nil
}

func (t *memTx) Detach(rec domain.Record) {
	if t.detached == nil {
		t.detached = make(map[domain.Record]bool)
	}
	t.detached[rec] = true
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true

	t.dao.mu.Lock()
	defer t.dao.mu.Unlock()
	for tag, rows := range t.staged {
		table := t.dao.table(tag)
		for id, rec := range rows {
			table[id] = rec
		}
	}
	for tag, ids := range t.deleted {
		table := t.dao.table(tag)
		for id := range ids {
			delete(table, id)
		}
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.staged = nil
	t.deleted = nil
	return nil
}

func matches(rec domain.Record, conds []Cond) (bool, error) {
	for _, c := range conds {
		v, ok := fieldOf(rec, c.Field)
		if !ok {
			return false, fmt.Errorf("unknown query field %q for type %d", c.Field, rec.TypeTag())
		}
		switch c.Op {
		case OpIsNull:
			if v != nil {
				return false, nil
			}
			continue
		case OpNotNull:
			if v == nil {
				return false, nil
			}
			continue
		}
		if v == nil {
			return false, nil
		}
		if c.Op == OpIn {
			ids, ok := c.Value.([]int64)
			if !ok {
				return false, fmt.Errorf("in match needs []int64 for field %q", c.Field)
			}
			fv, ok := asInt(v)
			if !ok {
				return false, fmt.Errorf("in match on non-integer field %q", c.Field)
			}
			hit := false
			for _, id := range ids {
				if id == fv {
					hit = true
					break
				}
			}
			if !hit {
				return false, nil
			}
			continue
		}
		if c.Op == OpPrefix {
			s, ok := v.(string)
			p, pok := c.Value.(string)
			if !ok || !pok {
				return false, fmt.Errorf("prefix match on non-string field %q", c.Field)
			}
			if !strings.HasPrefix(s, p) {
				return false, nil
			}
			continue
		}
		cmp, err := compare(v, c.Value)
		if err != nil {
			return false, fmt.Errorf("field %q: %w", c.Field, err)
		}
		keep := false
		switch c.Op {
		case OpEq:
			keep = cmp == 0
		case OpNe:
			keep = cmp != 0
		case OpLt:
			keep = cmp < 0
		case OpLe:
			keep = cmp <= 0
		case OpGt:
			keep = cmp > 0
		case OpGe:
			keep = cmp >= 0
		}
		if !keep {
			return false, nil
		}
	}
	return true, nil
}

// compare normalizes the supported scalar types and compares.
func compare(a, b any) (int, error) {
	if at, ok := asTime(a); ok {
		bt, ok := asTime(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare time with %T", b)
		}
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		}
		return 0, nil
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(as, bs), nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("cannot compare bool with %T", b)
		}
		if ab == bb {
			return 0, nil
		}
		if !ab {
			return -1, nil
		}
		return 1, nil
	}
	ai, ok := asInt(a)
	if !ok {
		return 0, fmt.Errorf("unsupported comparison type %T", a)
	}
	bi, ok := asInt(b)
	if !ok {
		return 0, fmt.Errorf("cannot compare integer with %T", b)
	}
	switch {
	case ai < bi:
		return -1, nil
	case ai > bi:
		return 1, nil
	}
	return 0, nil
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	}
	return time.Time{}, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case domain.Status:
		return int64(n), true
	case domain.FieldKind:
		return int64(n), true
	case domain.ConnKind:
		return int64(n), true
	case domain.SlotKey:
		return int64(n), true
	case domain.FieldID:
		return int64(n), true
	}
	return 0, false
}

// fieldOf resolves a storage field name on a record. The names double as
// the column names of the Postgres DAO.
func fieldOf(rec domain.Record, name string) (any, bool) {
	meta := rec.RecordMeta()
	switch name {
	case "id":
		return meta.ID, true
	case "hist_id":
		return meta.HistID, true
	case "version":
		return meta.Version, true
	case "status":
		return meta.Status, true
	case "created_at":
		return meta.CreatedAt, true
	case "modified_at":
		return meta.ModifiedAt, true
	case "deleted_at":
		if meta.DeletedAt == nil {
			return nil, true
		}
		return *meta.DeletedAt, true
	case "domain_id":
		return meta.DomainID, true
	}

	switch r := rec.(type) {
	case *domain.CI:
		switch name {
		case "name":
			return r.Name, true
		case "alias":
			return r.Alias, true
		case "type_id":
			return r.TypeID, true
		case "description_ref":
			return r.DescriptionRef, true
		case "image_ref":
			return r.ImageRef, true
		}
	case *domain.KeyValuePair:
		switch name {
		case "key":
			return r.Key, true
		case "owner_id":
			return r.OwnerID, true
		case "owner_tag":
			return r.OwnerTag, true
		case "slot":
			return r.Slot, true
		case "kind":
			return r.Kind, true
		}
	case *domain.ValueRow:
		switch name {
		case "owner_id":
			return r.OwnerID, true
		case "owner_tag":
			return r.OwnerTag, true
		case "slot":
			return r.Slot, true
		case "kind":
			return r.Kind, true
		case "ref":
			return r.Ref, true
		case "blob_key":
			return r.BlobKey, true
		}
	case *domain.IString:
		switch name {
		case "group_id":
			return r.GroupID, true
		case "language":
			return r.Language, true
		case "country":
			return r.Country, true
		case "text":
			return r.Text, true
		}
	case *domain.Image:
		switch name {
		case "name":
			return r.Name, true
		case "hash":
			return r.Hash, true
		case "blob_key":
			return r.BlobKey, true
		}
	case *domain.NodeEdge:
		switch name {
		case "child_id":
			return r.ChildID, true
		case "parent_id":
			return r.ParentID, true
		case "edge_type":
			return r.EdgeType, true
		case "conn_kind":
			return r.Kind, true
		}
	case *domain.CacheEntry:
		switch name {
		case "owner_tag":
			return r.OwnerTag, true
		case "owner_hist_id":
			return r.OwnerHistID, true
		case "cache_key":
			return r.CacheKey, true
		case "last_used":
			return r.LastUsed, true
		case "blob_key":
			return r.BlobKey, true
		}
	}
	return nil, false
}
