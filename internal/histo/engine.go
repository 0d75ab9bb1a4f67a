// Package histo implements the historization engine: copy-on-write
// versioning over the DAO abstraction. Every update to an ACTIVE row first
// snapshots the prior state as an immutable historical row, then mutates
// the live row in place, so the logical identity (HistID) stays stable
// while the full history remains queryable.
package histo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rpattn/treedb/internal/blob"
	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/istring"
	"github.com/rpattn/treedb/internal/repository"
)

var (
	createdTotal    = metrics.NewCounter("treedb_records_created_total")
	historizedTotal = metrics.NewCounter("treedb_records_historized_total")
	softDeleted     = metrics.NewCounter("treedb_records_soft_deleted_total")
	hardDeleted     = metrics.NewCounter("treedb_records_hard_deleted_total")
	noopFields      = metrics.NewCounter("treedb_update_fields_eliminated_total")
)

// CachePurger invalidates derived-artifact cache entries when a record's
// underlying content changes. Implemented by the cache store; optional.
type CachePurger interface {
	PurgeOwner(ctx context.Context, tx repository.Tx, ownerTag uint32, ownerHistID int64) (int64, error)
}

// Engine orchestrates create/load/update/delete for all registered record
// types.
type Engine struct {
	dao     repository.DAO
	strings *istring.Store
	blobs   blob.Store
	purger  CachePurger
	now     func() time.Time
	types   map[uint32]*TypeDescriptor

	// locks serializes the clone+update sequence per logical record so
	// two concurrent updates cannot race on the same row.
	locks *xsync.MapOf[string, *sync.Mutex]
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBlobStore enables out-of-row storage for lazy binary payloads.
func WithBlobStore(store blob.Store) Option {
	return func(e *Engine) { e.blobs = store }
}

// WithCachePurger wires cache invalidation on content changes.
func WithCachePurger(p CachePurger) Option {
	return func(e *Engine) { e.purger = p }
}

// New builds an engine over dao and registers the built-in record types.
func New(dao repository.DAO, opts ...Option) *Engine {
	e := &Engine{
		dao:   dao,
		now:   time.Now,
		types: make(map[uint32]*TypeDescriptor),
		locks: xsync.NewMapOf[string, *sync.Mutex](),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.strings = istring.NewStore(dao, istring.WithClock(func() time.Time { return e.now() }))
	e.registerBuiltins()
	return e
}

// Strings exposes the localization store sharing the engine's clock.
func (e *Engine) Strings() *istring.Store {
	return e.strings
}

func (e *Engine) lockFor(tag uint32, histID int64) *sync.Mutex {
	key := fmt.Sprintf("%d:%d", tag, histID)
	mu, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	return mu
}

// Create persists rec as the first version of a new logical record: status
// ACTIVE, version 0, HistID set to the freshly assigned row id. The type's
// constraint hook runs before the insert; its result is passed to the
// post-change callback.
func (e *Engine) Create(ctx context.Context, tx repository.Tx, actor int64, rec domain.Record) error {
	td, err := e.descriptor(rec.TypeTag())
	if err != nil {
		return err
	}
	return repository.RunInTx(ctx, e.dao, tx, func(tx repository.Tx) error {
		now := e.now()
		meta := rec.RecordMeta()
		meta.Status = domain.StatusActive
		meta.Version = 0
		meta.CreatedAt = now
		meta.ModifiedAt = now
		meta.CreatedBy = actor
		meta.ModifiedBy = actor

		var hookCtx any
		if td.CheckConstraints != nil {
			hookCtx, err = td.CheckConstraints(ctx, tx, rec, nil)
			if err != nil {
				return err
			}
		}
		if err := tx.Insert(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist record: %w", err)
		}
		meta.HistID = meta.ID
		if err := tx.Update(ctx, rec); err != nil {
			return fmt.Errorf("failed to assign hist id: %w", err)
		}
		if td.PostChange != nil {
			if err := td.PostChange(ctx, tx, rec, nil, hookCtx); err != nil {
				return err
			}
		}
		createdTotal.Inc()
		return nil
	})
}

// Load returns the unique ACTIVE row of the logical record. More than one
// ACTIVE row for a HistID is data corruption and always fails.
func (e *Engine) Load(ctx context.Context, tx repository.Tx, tag uint32, histID int64) (domain.Record, error) {
	var out domain.Record
	err := repository.RunInTx(ctx, e.dao, tx, func(tx repository.Tx) error {
		recs, err := tx.Query(ctx, repository.Where(tag,
			repository.Eq("hist_id", histID),
			repository.Eq("status", domain.StatusActive),
		))
		if err != nil {
			return fmt.Errorf("failed to load %d/%d: %w", tag, histID, err)
		}
		switch len(recs) {
		case 0:
			return fmt.Errorf("record %d/%d: %w", tag, histID, domain.ErrNotFound)
		case 1:
			out = recs[0]
			return nil
		}
		return fmt.Errorf("record %d/%d has %d active rows: %w", tag, histID, len(recs), domain.ErrNonUnique)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadAsOf returns the version of the logical record that was current at
// t: the highest-version row whose validity window [modified, deleted)
// contains t. A t before the first version yields ErrNotFound.
func (e *Engine) LoadAsOf(ctx context.Context, tx repository.Tx, tag uint32, histID int64, t time.Time) (domain.Record, error) {
	var out domain.Record
	err := repository.RunInTx(ctx, e.dao, tx, func(tx repository.Tx) error {
		recs, err := tx.Query(ctx, repository.Query{
			TypeTag: tag,
			Where: []repository.Cond{
				repository.Eq("hist_id", histID),
				repository.Le("modified_at", t),
			},
			OrderBy: "version",
		})
		if err != nil {
			return fmt.Errorf("failed temporal load %d/%d: %w", tag, histID, err)
		}
		for i := len(recs) - 1; i >= 0; i-- {
			meta := recs[i].RecordMeta()
			if meta.DeletedAt != nil && !t.Before(*meta.DeletedAt) {
				continue
			}
			out = recs[i]
			return nil
		}
		return fmt.Errorf("record %d/%d at %s: %w", tag, histID, t.Format(time.RFC3339), domain.ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies set to rec under the historization protocol:
//
//  1. non-ACTIVE targets are rejected outright;
//  2. entries equal to the current field value are removed from set; the
//     set is silently mutated in place, matching the long-standing caller
//     contract;
//  3. an emptied set returns with no side effects;
//  4. a set with any direct field change historizes: the constraint hook
//     runs, the current row is cloned (new physical id, status UPDATED,
//     lock token reset) and persisted as the historical predecessor before
//     the live row is mutated and its version incremented;
//  5. a reference-only set applies without cloning or versioning; the
//     referenced records carry their own history.
func (e *Engine) Update(ctx context.Context, tx repository.Tx, actor int64, rec domain.Record, set *domain.UpdateSet) error {
	meta := rec.RecordMeta()
	if !meta.Status.Mutable() {
		return fmt.Errorf("update of %s record %d: %w", meta.Status, meta.HistID, domain.ErrIllegalState)
	}
	td, err := e.descriptor(rec.TypeTag())
	if err != nil {
		return err
	}

	mu := e.lockFor(rec.TypeTag(), meta.HistID)
	mu.Lock()
	defer mu.Unlock()

	return repository.RunInTx(ctx, e.dao, tx, func(tx repository.Tx) error {
		if err := e.reduce(td, rec, set); err != nil {
			return err
		}
		if set.Empty() {
			return nil
		}

		now := e.now()
		changed := set.Fields()
		var hookCtx any

		if set.HasDirect() {
			if td.CheckConstraints != nil {
				hookCtx, err = td.CheckConstraints(ctx, tx, rec, set)
				if err != nil {
					return err
				}
			}
			// Re-fetch guards against a concurrent historization having
			// replaced the row since rec was loaded.
			if _, err := tx.Get(ctx, rec.TypeTag(), meta.ID); err != nil {
				return fmt.Errorf("record %d vanished during update: %w", meta.HistID, err)
			}

			hist := rec.CloneRecord()
			hm := hist.RecordMeta()
			hm.ID = 0
			if hm.Status == domain.StatusActive {
				hm.Status = domain.StatusUpdated
			}
			hm.LockVersion = 0
			hm.DeletedAt = &now
			if err := tx.Insert(ctx, hist); err != nil {
				return fmt.Errorf("failed to persist historical row: %w", err)
			}

			if err := e.applyFields(ctx, tx, actor, td, rec, set); err != nil {
				return err
			}
			meta.Version++
			meta.ModifiedAt = now
			meta.ModifiedBy = actor
			if err := tx.Update(ctx, rec); err != nil {
				return fmt.Errorf("failed to persist updated row: %w", err)
			}
			historizedTotal.Inc()
		} else {
			if err := e.applyFields(ctx, tx, actor, td, rec, set); err != nil {
				return err
			}
			// Reference fields changed on the live row; persist without
			// touching version or modification stamp.
			if err := tx.Update(ctx, rec); err != nil {
				return fmt.Errorf("failed to persist reference update: %w", err)
			}
		}

		if td.PostChange != nil && td.anyTracked(changed) {
			if err := td.PostChange(ctx, tx, rec, changed, hookCtx); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes a logical record. Soft deletion marks the ACTIVE row
// DELETED and stamps the deletion time, preserving history; hard deletion
// removes the row outright and is reserved for cache-like entities that
// carry no history. Returns whether a target was found.
func (e *Engine) Delete(ctx context.Context, tx repository.Tx, actor int64, rec domain.Record, hard bool) (bool, error) {
	meta := rec.RecordMeta()
	if !hard && !meta.Status.Mutable() {
		return false, fmt.Errorf("delete of %s record %d: %w", meta.Status, meta.HistID, domain.ErrIllegalState)
	}

	mu := e.lockFor(rec.TypeTag(), meta.HistID)
	mu.Lock()
	defer mu.Unlock()

	found := false
	err := repository.RunInTx(ctx, e.dao, tx, func(tx repository.Tx) error {
		if hard {
			ok, err := tx.DeleteRow(ctx, rec.TypeTag(), meta.ID)
			if err != nil {
				return fmt.Errorf("failed to hard-delete record %d: %w", meta.ID, err)
			}
			found = ok
			if ok {
				hardDeleted.Inc()
			}
			return nil
		}

		if _, err := tx.Get(ctx, rec.TypeTag(), meta.ID); err != nil {
			return nil // nothing to delete
		}
		now := e.now()
		meta.Status = domain.StatusDeleted
		meta.DeletedAt = &now
		meta.ModifiedBy = actor
		if err := tx.Update(ctx, rec); err != nil {
			return fmt.Errorf("failed to soft-delete record %d: %w", meta.HistID, err)
		}
		found = true
		softDeleted.Inc()
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// reduce performs no-op elimination: every entry whose value equals the
// current field value is removed from set. Kind mismatches surface here,
// before any write.
func (e *Engine) reduce(td *TypeDescriptor, rec domain.Record, set *domain.UpdateSet) error {
	for _, field := range set.Fields() {
		v, _ := set.Get(field)
		acc, err := td.accessor(field)
		if err != nil {
			return err
		}
		expected := acc.kindFor(rec)
		if !kindCompatible(expected, v.Kind) {
			return fmt.Errorf("field %d expects %s, got %s: %w", field, expected, v.Kind, domain.ErrKindMismatch)
		}
		if v.Kind.Reference() {
			continue // reference kinds always apply; their stores decide
		}
		if acc.Get != nil && acc.Get(rec).Equal(v) {
			set.Remove(field)
			noopFields.Inc()
		}
	}
	return nil
}

func (e *Engine) applyFields(ctx context.Context, tx repository.Tx, actor int64, td *TypeDescriptor, rec domain.Record, set *domain.UpdateSet) error {
	for _, field := range set.Fields() {
		v, _ := set.Get(field)
		acc, err := td.accessor(field)
		if err != nil {
			return err
		}
		if v.Kind.Reference() {
			if err := e.applyReference(ctx, tx, actor, rec, field, acc, v); err != nil {
				return err
			}
			continue
		}
		if acc.Set == nil {
			return fmt.Errorf("field %d is not writable: %w", field, domain.ErrKindMismatch)
		}
		if err := acc.Set(rec, v); err != nil {
			return err
		}
	}
	return nil
}

// kindCompatible accepts the declared kind plus the relationship variants
// that legally target a reference field of the base kind.
func kindCompatible(declared, got domain.FieldKind) bool {
	if declared == got {
		return true
	}
	switch declared {
	case domain.KindLocalizedString:
		return got == domain.KindLocalizedStringDelete
	case domain.KindEmbeddedImage:
		return got == domain.KindEmbeddedImagePlaceholder || got == domain.KindEmbeddedImageDelete
	}
	return false
}
