// Package kvstore is a typed key-value store scoped to tenant domains.
// Each entry is a key-value pair record carried through the
// historization engine, so value changes version like any other record.
// Reads go through a per-process cache invalidated on writes.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/histo"
	"github.com/rpattn/treedb/internal/repository"
	"github.com/rpattn/treedb/internal/value"
)

var (
	kvCacheHits   = metrics.NewCounter("treedb_kv_cache_hits_total")
	kvCacheMisses = metrics.NewCounter("treedb_kv_cache_misses_total")
)

// Store reads and writes typed keys for one or more tenant domains.
type Store struct {
	dao    repository.DAO
	engine *histo.Engine
	cache  *xsync.MapOf[string, *domain.KeyValuePair]
}

func New(dao repository.DAO, engine *histo.Engine) *Store {
	return &Store{
		dao:    dao,
		engine: engine,
		cache:  xsync.NewMapOf[string, *domain.KeyValuePair](),
	}
}

func cacheKey(domainID int64, key string) string {
	return fmt.Sprintf("%d|%s", domainID, key)
}

// Set writes key to the encoded data, creating the pair on first use and
// versioning it through the engine on change. The cache entry for the
// key is dropped, not refreshed, so the next read observes storage.
func Set[T any](ctx context.Context, s *Store, tx repository.Tx, actor, domainID int64, key string, codec value.Codec[T], data T) error {
	defer s.cache.Delete(cacheKey(domainID, key))

	return repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		cur, err := s.find(ctx, tx, domainID, key)
		if err != nil {
			return err
		}
		if cur == nil {
			pair := &domain.KeyValuePair{Key: key}
			pair.Meta.DomainID = domainID
			pair.Kind = codec.Kind
			if err := pair.SetPayload(codec.Encode(data)); err != nil {
				return err
			}
			return s.engine.Create(ctx, tx, actor, pair)
		}
		if cur.Kind != codec.Kind {
			return fmt.Errorf("key %q holds %s, wrote %s: %w",
				key, cur.Kind, codec.Kind, domain.ErrKindMismatch)
		}
		set := domain.NewUpdateSet()
		set.Set(domain.ValueRowField, codec.Encode(data))
		return s.engine.Update(ctx, tx, actor, cur, set)
	})
}

// Get reads key, decoding through the codec. Kind mismatch between the
// stored pair and the codec is an error rather than a zero value.
func Get[T any](ctx context.Context, s *Store, tx repository.Tx, domainID int64, key string, codec value.Codec[T]) (T, error) {
	var zero T

	if cached, ok := s.cache.Load(cacheKey(domainID, key)); ok {
		kvCacheHits.Inc()
		if cached.Kind != codec.Kind {
			return zero, fmt.Errorf("key %q holds %s, read %s: %w",
				key, cached.Kind, codec.Kind, domain.ErrKindMismatch)
		}
		return codec.Decode(cached.Payload()), nil
	}
	kvCacheMisses.Inc()

	var pair *domain.KeyValuePair
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		cur, err := s.find(ctx, tx, domainID, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("key %q: %w", key, domain.ErrNotFound)
		}
		pair = cur
		return nil
	})
	if err != nil {
		return zero, err
	}
	if pair.Kind != codec.Kind {
		return zero, fmt.Errorf("key %q holds %s, read %s: %w",
			key, pair.Kind, codec.Kind, domain.ErrKindMismatch)
	}

	// Only committed reads may seed the shared cache. Inside a caller's
	// transaction the pair is staged data that a rollback would erase.
	if tx == nil {
		s.cache.Store(cacheKey(domainID, key), pair.CloneRecord().(*domain.KeyValuePair))
	}
	return codec.Decode(pair.Payload()), nil
}

// GetOr reads key and falls back to def when the key does not exist.
func GetOr[T any](ctx context.Context, s *Store, tx repository.Tx, domainID int64, key string, codec value.Codec[T], def T) (T, error) {
	v, err := Get(ctx, s, tx, domainID, key, codec)
	if err != nil {
		if errorsIsNotFound(err) {
			return def, nil
		}
		return v, err
	}
	return v, nil
}

// Delete soft-deletes the pair for key. It reports whether a pair existed.
func (s *Store) Delete(ctx context.Context, tx repository.Tx, actor, domainID int64, key string) (bool, error) {
	defer s.cache.Delete(cacheKey(domainID, key))

	found := false
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		cur, err := s.find(ctx, tx, domainID, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return nil
		}
		found, err = s.engine.Delete(ctx, tx, actor, cur, false)
		return err
	})
	return found, err
}

// Keys lists the live keys of a domain.
func (s *Store) Keys(ctx context.Context, tx repository.Tx, domainID int64) ([]string, error) {
	var out []string
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		recs, err := tx.Query(ctx, repository.Query{
			TypeTag: domain.TagKeyValue,
			Where: []repository.Cond{
				repository.Eq("domain_id", domainID),
				repository.Eq("status", domain.StatusActive),
			},
			OrderBy: "key",
		})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			out = append(out, rec.(*domain.KeyValuePair).Key)
		}
		return nil
	})
	return out, err
}

// AsOf reads the historical value of key at time t, bypassing the cache.
func AsOf[T any](ctx context.Context, s *Store, tx repository.Tx, domainID int64, key string, codec value.Codec[T], t time.Time) (T, error) {
	var zero T
	var pair *domain.KeyValuePair
	err := repository.RunInTx(ctx, s.dao, tx, func(tx repository.Tx) error {
		cur, err := s.find(ctx, tx, domainID, key)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("key %q: %w", key, domain.ErrNotFound)
		}
		rec, err := s.engine.LoadAsOf(ctx, tx, domain.TagKeyValue, cur.Meta.HistID, t)
		if err != nil {
			return err
		}
		pair = rec.(*domain.KeyValuePair)
		return nil
	})
	if err != nil {
		return zero, err
	}
	if pair.Kind != codec.Kind {
		return zero, fmt.Errorf("key %q holds %s, read %s: %w",
			key, pair.Kind, codec.Kind, domain.ErrKindMismatch)
	}
	return codec.Decode(pair.Payload()), nil
}

// Invalidate drops every cached entry of the domain, for callers that
// mutate pairs outside this store.
func (s *Store) Invalidate(domainID int64) {
	prefix := fmt.Sprintf("%d|", domainID)
	s.cache.Range(func(k string, _ *domain.KeyValuePair) bool {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			s.cache.Delete(k)
		}
		return true
	})
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func (s *Store) find(ctx context.Context, tx repository.Tx, domainID int64, key string) (*domain.KeyValuePair, error) {
	recs, err := tx.Query(ctx, repository.Where(domain.TagKeyValue,
		repository.Eq("domain_id", domainID),
		repository.Eq("key", key),
		repository.Eq("status", domain.StatusActive),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to look up key %q: %w", key, err)
	}
	switch len(recs) {
	case 0:
		return nil, nil
	case 1:
		return recs[0].(*domain.KeyValuePair), nil
	default:
		return nil, fmt.Errorf("key %q has %d live rows: %w", key, len(recs), domain.ErrNonUnique)
	}
}
