package domain

import "time"

// Meta is the attribute set shared by every historized record. Concrete
// record types embed it by value; the engine mutates it through RecordMeta.
//
// ID is the physical row id, assigned by storage on insert. HistID is the
// logical identity: it equals the ID of the first-ever version and never
// changes afterwards, while the ACTIVE row's ID diverges from HistID as
// soon as the record is updated once (the prior state keeps growing new
// physical rows underneath it).
type Meta struct {
	ID          int64
	HistID      int64
	Version     int64
	Status      Status
	CreatedAt   time.Time
	ModifiedAt  time.Time
	DeletedAt   *time.Time
	CreatedBy   int64
	ModifiedBy  int64
	DomainID    int64
	LockVersion int64
}

// Record is the contract every persisted entity fulfils for the
// historization engine. CloneRecord must return a deep copy so the
// historical snapshot cannot alias live payload buffers.
type Record interface {
	RecordMeta() *Meta
	TypeTag() uint32
	CloneRecord() Record
}

// SameRecord implements logical equality: two records are the same when
// they share a concrete type and a HistID, regardless of physical row id.
func SameRecord(a, b Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.TypeTag() == b.TypeTag() && a.RecordMeta().HistID == b.RecordMeta().HistID
}

// cloneMeta copies the meta block including the deletion timestamp.
func cloneMeta(m Meta) Meta {
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		m.DeletedAt = &t
	}
	return m
}

// Type tags discriminate record types in storage and in slot keys. The
// values are persisted and must stay stable.
const (
	TagCI       uint32 = 1
	TagValue    uint32 = 2
	TagIString  uint32 = 3
	TagImage    uint32 = 4
	TagNode     uint32 = 5
	TagCache    uint32 = 6
	TagKeyValue uint32 = 7
)
