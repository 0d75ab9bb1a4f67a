package value

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/rpattn/treedb/internal/blob"
	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/histo"
	"github.com/rpattn/treedb/internal/imaging"
	"github.com/rpattn/treedb/internal/repository"
)

// Images manages image records, including the lazy-loading variant used
// for large payloads: a row can be materialized without its binary data
// and made whole later, with the backing fetch running at most once even
// under concurrent callers.
type Images struct {
	engine *histo.Engine
	dao    repository.DAO
	blobs  blob.Store

	flight singleflight.Group
}

func NewImages(engine *histo.Engine, dao repository.DAO, blobs blob.Store) *Images {
	return &Images{engine: engine, dao: dao, blobs: blobs}
}

// Create persists a new image, deriving dimensions, content hash and JPEG
// capture metadata from the payload. Extraction failures degrade to zero
// values; they never fail the create.
func (s *Images) Create(ctx context.Context, tx repository.Tx, actor, domainID int64, name string, data []byte) (*domain.Image, error) {
	info := imaging.Derive(data)
	img := &domain.Image{
		Meta:        domain.Meta{DomainID: domainID},
		Name:        name,
		Data:        data,
		Width:       info.Width,
		Height:      info.Height,
		Hash:        info.Hash,
		Orientation: info.Orientation,
		Latitude:    info.Latitude,
		Longitude:   info.Longitude,
		CapturedAt:  info.CapturedAt,
	}
	if err := s.engine.Create(ctx, tx, actor, img); err != nil {
		return nil, err
	}
	return img, nil
}

// Load fetches the ACTIVE image with its payload.
func (s *Images) Load(ctx context.Context, tx repository.Tx, histID int64) (*domain.Image, error) {
	rec, err := s.engine.Load(ctx, tx, domain.TagImage, histID)
	if err != nil {
		return nil, err
	}
	return rec.(*domain.Image), nil
}

// LoadLazy fetches the ACTIVE image without materializing its payload,
// bounding memory when only the metadata is needed.
func (s *Images) LoadLazy(ctx context.Context, tx repository.Tx, histID int64) (*domain.Image, error) {
	img, err := s.Load(ctx, tx, histID)
	if err != nil {
		return nil, err
	}
	img.Detach()
	img.Lazy = true
	return img, nil
}

// EnsureLoaded materializes a lazy image's payload. Concurrent calls for
// the same image coalesce into a single backing fetch.
func (s *Images) EnsureLoaded(ctx context.Context, img *domain.Image) error {
	if !img.IsLazy() {
		return nil
	}
	v, err, _ := s.flight.Do(strconv.FormatInt(img.HistID, 10), func() (any, error) {
		return s.fetchPayload(ctx, img)
	})
	if err != nil {
		return err
	}
	// Every coalesced caller holds its own instance; each one assigns the
	// shared fetch result to the copy it was given.
	if img.IsLazy() {
		img.Data = v.([]byte)
		img.Lazy = false
	}
	return nil
}

func (s *Images) fetchPayload(ctx context.Context, img *domain.Image) ([]byte, error) {
	if img.BlobKey != "" && s.blobs != nil {
		data, err := s.blobs.Get(img.BlobKey)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch image blob: %w", err)
		}
		return data, nil
	}
	// Payload lives in the row; re-read it.
	full, err := s.Load(ctx, nil, img.HistID)
	if err != nil {
		return nil, err
	}
	return full.Data, nil
}
