package domain

import (
	"math/big"
	"time"
)

// ValueRow is the storage shape of the typed value container family: one
// named value attached to an owner record and slot. Kind selects which
// payload column is live; the others stay zero. Owner plus slot is unique
// among ACTIVE rows.
type ValueRow struct {
	Meta

	OwnerID  int64
	OwnerTag uint32
	Slot     SlotKey
	Kind     FieldKind

	Str  string
	Int  int64
	Flt  float64
	Bool bool
	Time time.Time
	Dec  *big.Rat
	Bin  []byte

	// Ref points at a referenced record (localized string group or image
	// HistID) for relationship kinds.
	Ref int64

	// BlobKey references the backing blob of a lazy binary row, empty
	// when the payload is inline.
	BlobKey string
}

// ValueRowField is the single logical payload field of a value row.
const ValueRowField FieldID = 1

func (v *ValueRow) RecordMeta() *Meta { return &v.Meta }
func (v *ValueRow) TypeTag() uint32   { return TagValue }

func (v *ValueRow) CloneRecord() Record {
	cp := *v
	cp.Meta = cloneMeta(v.Meta)
	if v.Bin != nil {
		cp.Bin = append([]byte(nil), v.Bin...)
	}
	if v.Dec != nil {
		cp.Dec = new(big.Rat).Set(v.Dec)
	}
	return &cp
}

// Payload returns the live payload as a tagged value.
func (v *ValueRow) Payload() Value {
	val := Value{Kind: v.Kind}
	switch v.Kind {
	case KindInt, KindLong, KindEnum:
		val.Int = v.Int
	case KindFloat, KindDouble:
		val.Flt = v.Flt
	case KindString:
		val.Str = v.Str
	case KindBoolean:
		val.Bool = v.Bool
	case KindDate:
		val.Time = v.Time
	case KindBigDecimal:
		val.Dec = v.Dec
	case KindBinary, KindLazyBinary:
		val.Bin = v.Bin
		val.Ref = v.Ref
	default:
		val.Ref = v.Ref
	}
	return val
}

// SetPayload stores a tagged value into the live payload column.
func (v *ValueRow) SetPayload(val Value) error {
	if val.Kind != v.Kind {
		return ErrKindMismatch
	}
	switch v.Kind {
	case KindInt, KindLong, KindEnum:
		v.Int = val.Int
	case KindFloat, KindDouble:
		v.Flt = val.Flt
	case KindString:
		v.Str = val.Str
	case KindBoolean:
		v.Bool = val.Bool
	case KindDate:
		v.Time = val.Time
	case KindBigDecimal:
		v.Dec = val.Dec
	case KindBinary, KindLazyBinary:
		v.Bin = val.Bin
	default:
		v.Ref = val.Ref
	}
	return nil
}

// Detach drops the binary payload after it has been copied elsewhere, to
// bound memory during bulk export and import. Only meaningful for binary
// kinds; a detached row must not be persisted back.
func (v *ValueRow) Detach() {
	v.Bin = nil
}
