package domain

// Status is the historization lifecycle state of a persisted record.
// The ordinal values are part of the persisted schema and must never be
// reordered or reused.
type Status int16

const (
	StatusActive Status = iota
	StatusDeleted
	StatusUpdated
	StatusDeletedFromDB
	StatusVirtual
	StatusInactive
)

var statusNames = map[Status]string{
	StatusActive:        "ACTIVE",
	StatusDeleted:       "DELETED",
	StatusUpdated:       "UPDATED",
	StatusDeletedFromDB: "DELETED_FROM_DB",
	StatusVirtual:       "VIRTUAL",
	StatusInactive:      "INACTIVE",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Mutable reports whether a record in this state may be updated or
// soft-deleted. Historic and deleted rows are immutable.
func (s Status) Mutable() bool {
	return s == StatusActive
}
