package domain

import "time"

// CacheEntry stores one derived artifact (a thumbnail, a rendered
// variant) keyed by the owning record and a cache key. Entries carry no
// history and are hard-deleted; bulk purges run when the owner's
// underlying content changes.
type CacheEntry struct {
	Meta

	OwnerTag    uint32
	OwnerHistID int64
	CacheKey    string
	Payload     []byte
	Info        string
	LastUsed    time.Time

	// BlobKey references the backing blob when the payload was spilled
	// out of row, empty otherwise.
	BlobKey string
}

func (c *CacheEntry) RecordMeta() *Meta { return &c.Meta }
func (c *CacheEntry) TypeTag() uint32   { return TagCache }

func (c *CacheEntry) CloneRecord() Record {
	cp := *c
	cp.Meta = cloneMeta(c.Meta)
	if c.Payload != nil {
		cp.Payload = append([]byte(nil), c.Payload...)
	}
	return &cp
}

// Stale reports whether the entry has not been used within ttl.
func (c *CacheEntry) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.LastUsed) > ttl
}
