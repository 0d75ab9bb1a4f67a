// Package cachestore keeps derived artifacts (thumbnails, scaled image
// variants, rendered previews) keyed by owner record and cache key.
// Entries carry no history: they are inserted and hard-deleted, and bulk
// purges run whenever the owning record's content changes.
package cachestore

import (
	"context"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/rpattn/treedb/internal/blob"
	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/repository"
)

var (
	cacheHits   = metrics.NewCounter("treedb_cache_hits_total")
	cacheMisses = metrics.NewCounter("treedb_cache_misses_total")
	cachePurged = metrics.NewCounter("treedb_cache_purged_total")
)

// Store provides the derived-artifact cache.
type Store struct {
	dao   repository.DAO
	blobs blob.Store
	now   func() time.Time

	// spillAt is the payload size (bytes) above which entries move to the
	// blob store, 0 disables spilling.
	spillAt int
}

// Option configures a Store.
type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBlobSpill stores payloads larger than threshold in the blob store
// instead of the cache row.
func WithBlobSpill(store blob.Store, threshold int) Option {
	return func(s *Store) {
		s.blobs = store
		s.spillAt = threshold
	}
}

func New(dao repository.DAO, opts ...Option) *Store {
	s := &Store{dao: dao, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put inserts or replaces the entry for the exact key.
func (s *Store) Put(ctx context.Context, tx repository.Tx, ownerTag uint32, ownerHistID int64, cacheKey string, payload []byte, info string) (*domain.CacheEntry, error) {
	var out *domain.CacheEntry
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		if _, err := s.deleteExact(ctx, tx, ownerTag, ownerHistID, cacheKey); err != nil {
			return err
		}
		now := s.now()
		entry := &domain.CacheEntry{
			Meta: domain.Meta{
				Status:     domain.StatusActive,
				CreatedAt:  now,
				ModifiedAt: now,
			},
			OwnerTag:    ownerTag,
			OwnerHistID: ownerHistID,
			CacheKey:    cacheKey,
			Info:        info,
			LastUsed:    now,
		}
		if s.blobs != nil && s.spillAt > 0 && len(payload) > s.spillAt {
			entry.BlobKey = blobKey(ownerTag, ownerHistID, cacheKey)
			if err := s.blobs.Put(entry.BlobKey, payload); err != nil {
				return err
			}
		} else {
			entry.Payload = payload
		}
		if err := tx.Insert(ctx, entry); err != nil {
			return fmt.Errorf("failed to insert cache entry: %w", err)
		}
		entry.HistID = entry.ID
		if err := tx.Update(ctx, entry); err != nil {
			return fmt.Errorf("failed to finalize cache entry: %w", err)
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches the entry for the exact key, touching its LastUsed stamp.
// The payload is materialized from the blob store when it was spilled.
func (s *Store) Get(ctx context.Context, tx repository.Tx, ownerTag uint32, ownerHistID int64, cacheKey string) (*domain.CacheEntry, error) {
	var out *domain.CacheEntry
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		recs, err := tx.Query(ctx, exactQuery(ownerTag, ownerHistID, cacheKey))
		if err != nil {
			return fmt.Errorf("failed to look up cache entry: %w", err)
		}
		if len(recs) == 0 {
			cacheMisses.Inc()
			return fmt.Errorf("cache %d/%d %q: %w", ownerTag, ownerHistID, cacheKey, domain.ErrNotFound)
		}
		entry := recs[0].(*domain.CacheEntry)
		entry.LastUsed = s.now()
		if err := tx.Update(ctx, entry); err != nil {
			return fmt.Errorf("failed to touch cache entry: %w", err)
		}
		if entry.BlobKey != "" && entry.Payload == nil && s.blobs != nil {
			data, err := s.blobs.Get(entry.BlobKey)
			if err != nil {
				return err
			}
			entry.Payload = data
		}
		cacheHits.Inc()
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteExact removes the entry for the exact key, reporting whether one
// existed.
func (s *Store) DeleteExact(ctx context.Context, tx repository.Tx, ownerTag uint32, ownerHistID int64, cacheKey string) (bool, error) {
	var found bool
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		n, err := s.deleteExact(ctx, tx, ownerTag, ownerHistID, cacheKey)
		found = n > 0
		return err
	})
	return found, err
}

// PurgePrefix removes every entry of the owner whose key starts with
// prefix, e.g. all scaled variants of one source image.
func (s *Store) PurgePrefix(ctx context.Context, tx repository.Tx, ownerTag uint32, ownerHistID int64, prefix string) (int64, error) {
	return s.purge(ctx, tx, repository.Where(domain.TagCache,
		repository.Eq("owner_tag", ownerTag),
		repository.Eq("owner_hist_id", ownerHistID),
		repository.Prefix("cache_key", prefix),
	))
}

// PurgeOwner removes every entry of the owner. The historization engine
// calls this when the owner's content changes.
func (s *Store) PurgeOwner(ctx context.Context, tx repository.Tx, ownerTag uint32, ownerHistID int64) (int64, error) {
	return s.purge(ctx, tx, repository.Where(domain.TagCache,
		repository.Eq("owner_tag", ownerTag),
		repository.Eq("owner_hist_id", ownerHistID),
	))
}

// SweepStale removes entries unused for longer than ttl.
func (s *Store) SweepStale(ctx context.Context, tx repository.Tx, ttl time.Duration) (int64, error) {
	cutoff := s.now().Add(-ttl)
	return s.purge(ctx, tx, repository.Where(domain.TagCache,
		repository.Lt("last_used", cutoff),
	))
}

func (s *Store) purge(ctx context.Context, tx repository.Tx, q repository.Query) (int64, error) {
	var n int64
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		recs, err := tx.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("failed to collect cache entries: %w", err)
		}
		for _, rec := range recs {
			entry := rec.(*domain.CacheEntry)
			if entry.BlobKey != "" && s.blobs != nil {
				if err := s.blobs.Delete(entry.BlobKey); err != nil {
					return err
				}
			}
			if _, err := tx.DeleteRow(ctx, domain.TagCache, entry.ID); err != nil {
				return fmt.Errorf("failed to purge cache entry %d: %w", entry.ID, err)
			}
			n++
		}
		cachePurged.Add(int(n))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) deleteExact(ctx context.Context, tx repository.Tx, ownerTag uint32, ownerHistID int64, cacheKey string) (int64, error) {
	recs, err := tx.Query(ctx, exactQuery(ownerTag, ownerHistID, cacheKey))
	if err != nil {
		return 0, fmt.Errorf("failed to look up cache entry: %w", err)
	}
	var n int64
	for _, rec := range recs {
		entry := rec.(*domain.CacheEntry)
		if entry.BlobKey != "" && s.blobs != nil {
			if err := s.blobs.Delete(entry.BlobKey); err != nil {
				return n, err
			}
		}
		if _, err := tx.DeleteRow(ctx, domain.TagCache, entry.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func exactQuery(ownerTag uint32, ownerHistID int64, cacheKey string) repository.Query {
	return repository.Where(domain.TagCache,
		repository.Eq("owner_tag", ownerTag),
		repository.Eq("owner_hist_id", ownerHistID),
		repository.Eq("cache_key", cacheKey),
	)
}

func blobKey(ownerTag uint32, ownerHistID int64, cacheKey string) string {
	return fmt.Sprintf("cache/%d/%d/%s", ownerTag, ownerHistID, cacheKey)
}
