package cachestore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rpattn/treedb/internal/blob"
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

func newTestStore(t *testing.T, opts ...Option) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	return New(repository.NewMemoryDAO(), opts...), clock
}

func TestPutAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	put, err := s.Put(ctx, nil, domain.TagImage, 7, "thumb/128", []byte("tiny"), "image/png")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if put.HistID != put.ID {
		t.Fatalf("entry identity not finalized")
	}

	got, err := s.Get(ctx, nil, domain.TagImage, 7, "thumb/128")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Payload, []byte("tiny")) {
		t.Fatalf("payload = %q", got.Payload)
	}
	if got.Info != "image/png" {
		t.Fatalf("info = %q", got.Info)
	}
	if !got.LastUsed.After(put.LastUsed) {
		t.Fatalf("get did not touch LastUsed")
	}

	if _, err := s.Get(ctx, nil, domain.TagImage, 7, "thumb/256"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing key = %v", err)
	}
}

func TestPutReplaces(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, nil, domain.TagImage, 7, "thumb/128", []byte("old"), ""); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := s.Put(ctx, nil, domain.TagImage, 7, "thumb/128", []byte("new"), ""); err != nil {
		t.Fatalf("second put: %v", err)
	}
	got, err := s.Get(ctx, nil, domain.TagImage, 7, "thumb/128")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != "new" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestDeleteExact(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, nil, domain.TagImage, 7, "thumb/128", []byte("x"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	found, err := s.DeleteExact(ctx, nil, domain.TagImage, 7, "thumb/128")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !found {
		t.Fatalf("delete reported missing")
	}
	found, err = s.DeleteExact(ctx, nil, domain.TagImage, 7, "thumb/128")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if found {
		t.Fatalf("second delete reported found")
	}
}

func TestPurgePrefixAndOwner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"thumb/128", "thumb/256", "preview/a"} {
		if _, err := s.Put(ctx, nil, domain.TagImage, 7, key, []byte("x"), ""); err != nil {
			t.Fatalf("put %q: %v", key, err)
		}
	}
	if _, err := s.Put(ctx, nil, domain.TagImage, 8, "thumb/128", []byte("x"), ""); err != nil {
		t.Fatalf("put other owner: %v", err)
	}

	n, err := s.PurgePrefix(ctx, nil, domain.TagImage, 7, "thumb/")
	if err != nil {
		t.Fatalf("purge prefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("prefix purged %d", n)
	}
	if _, err := s.Get(ctx, nil, domain.TagImage, 7, "preview/a"); err != nil {
		t.Fatalf("unrelated key purged: %v", err)
	}

	n, err = s.PurgeOwner(ctx, nil, domain.TagImage, 7)
	if err != nil {
		t.Fatalf("purge owner: %v", err)
	}
	if n != 1 {
		t.Fatalf("owner purged %d", n)
	}
	if _, err := s.Get(ctx, nil, domain.TagImage, 8, "thumb/128"); err != nil {
		t.Fatalf("other owner purged: %v", err)
	}
}

func TestSweepStale(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, nil, domain.TagImage, 7, "old", []byte("x"), ""); err != nil {
		t.Fatalf("put old: %v", err)
	}
	clock.t = clock.t.Add(48 * time.Hour)
	if _, err := s.Put(ctx, nil, domain.TagImage, 7, "fresh", []byte("x"), ""); err != nil {
		t.Fatalf("put fresh: %v", err)
	}

	n, err := s.SweepStale(ctx, nil, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d", n)
	}
	if _, err := s.Get(ctx, nil, domain.TagImage, 7, "fresh"); err != nil {
		t.Fatalf("fresh entry swept: %v", err)
	}
	if _, err := s.Get(ctx, nil, domain.TagImage, 7, "old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stale entry survived: %v", err)
	}
}

func TestBlobSpill(t *testing.T) {
	blobs, err := blob.Open("")
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	defer blobs.Close()
	s, _ := newTestStore(t, WithBlobSpill(blobs, 8))
	ctx := context.Background()

	big := bytes.Repeat([]byte("p"), 32)
	put, err := s.Put(ctx, nil, domain.TagImage, 9, "render", big, "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if put.BlobKey == "" || put.Payload != nil {
		t.Fatalf("large payload kept inline")
	}
	if _, err := blobs.Get(put.BlobKey); err != nil {
		t.Fatalf("blob missing: %v", err)
	}

	got, err := s.Get(ctx, nil, domain.TagImage, 9, "render")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Payload, big) {
		t.Fatalf("spilled payload not materialized")
	}

	if _, err := s.DeleteExact(ctx, nil, domain.TagImage, 9, "render"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := blobs.Get(put.BlobKey); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("blob survived delete: %v", err)
	}

	small := []byte("small")
	put, err = s.Put(ctx, nil, domain.TagImage, 9, "render", small, "")
	if err != nil {
		t.Fatalf("small put: %v", err)
	}
	if put.BlobKey != "" {
		t.Fatalf("small payload spilled")
	}
}
