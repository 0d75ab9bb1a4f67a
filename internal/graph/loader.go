package graph

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/repository"
)

// recordLoader batch-fetches ACTIVE records by historization id so that
// materializing a large adjacency issues one query per batch window
// instead of one per node.
type recordLoader struct {
	dao    repository.DAO
	loader *dataloader.Loader
}

func newRecordLoader(dao repository.DAO) *recordLoader {
	rl := &recordLoader{dao: dao}

	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		ids := make([]int64, len(keys))
		for i, k := range keys {
			id, err := strconv.ParseInt(k.String(), 10, 64)
			if err != nil {
				// The batch contract wants one result per key.
				results := make([]*dataloader.Result, len(keys))
				for j := range results {
					results[j] = &dataloader.Result{Error: fmt.Errorf("invalid record id %q: %w", k.String(), err)}
				}
				return results
			}
			ids[i] = id
		}

		recs, err := rl.fetch(ctx, ids)
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		byHist := make(map[int64]domain.Record, len(recs))
		for _, r := range recs {
			byHist[r.RecordMeta().HistID] = r
		}

		results := make([]*dataloader.Result, len(keys))
		for i, id := range ids {
			if r, ok := byHist[id]; ok {
				results[i] = &dataloader.Result{Data: r}
			} else {
				results[i] = &dataloader.Result{Data: nil}
			}
		}
		return results
	}

	rl.loader = dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(5*time.Millisecond))
	return rl
}

func (rl *recordLoader) fetch(ctx context.Context, ids []int64) ([]domain.Record, error) {
	tx, err := rl.dao.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Connections link configuration items; endpoints of other record
	// families are never resident here and resolve as lazy.
	recs, err := tx.Query(ctx, repository.Where(domain.TagCI,
		repository.In("hist_id", ids),
		repository.Eq("status", domain.StatusActive),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to batch load records: %w", err)
	}
	return recs, nil
}

// LoadMany resolves the given hist ids to their ACTIVE records. Missing
// records map to nil rather than an error so callers can classify edge
// endpoints as resident or lazy.
func (rl *recordLoader) LoadMany(ctx context.Context, ids []int64) (map[int64]domain.Record, error) {
	keys := make(dataloader.Keys, len(ids))
	for i, id := range ids {
		keys[i] = dataloader.StringKey(strconv.FormatInt(id, 10))
	}
	thunk := rl.loader.LoadMany(ctx, keys)
	values, errs := thunk()
	if len(errs) > 0 {
		return nil, errs[0]
	}

	out := make(map[int64]domain.Record, len(ids))
	for i, v := range values {
		if v == nil {
			out[ids[i]] = nil
			continue
		}
		rec, _ := v.(domain.Record)
		out[ids[i]] = rec
	}
	return out, nil
}
