package domain

import (
	"bytes"
	"math/big"
	"time"
)

// FieldID names a logical field of a record type. IDs are scoped to the
// target type and double as the element id of slot keys.
type FieldID uint32

// Value is the tagged payload of one pending field change. Exactly the
// fields implied by Kind are meaningful; the rest stay zero.
type Value struct {
	Kind FieldKind

	Str  string
	Int  int64
	Flt  float64
	Bool bool
	Time time.Time
	Dec  *big.Rat
	Bin  []byte
	Ref  int64

	// Localized string entries carry the variant selector.
	Lang    string
	Country string

	// Embedded image entries forward a nested update set to the image
	// record, or carry the initial payload for a placeholder create.
	Sub *UpdateSet
}

// Equal compares two values of the same kind. Values of different kinds
// are never equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt, KindLong, KindEnum:
		return v.Int == o.Int
	case KindFloat, KindDouble:
		return v.Flt == o.Flt
	case KindString:
		return v.Str == o.Str
	case KindBoolean:
		return v.Bool == o.Bool
	case KindDate:
		return v.Time.Equal(o.Time)
	case KindBigDecimal:
		if v.Dec == nil || o.Dec == nil {
			return v.Dec == o.Dec
		}
		return v.Dec.Cmp(o.Dec) == 0
	case KindBinary:
		return bytes.Equal(v.Bin, o.Bin)
	}
	// Reference kinds have create/update side effects and never count as
	// equal during no-op elimination.
	return false
}

// Value constructors, one per scalar kind.

func IntValue(v int64) Value        { return Value{Kind: KindInt, Int: v} }
func LongValue(v int64) Value       { return Value{Kind: KindLong, Int: v} }
func FloatValue(v float64) Value    { return Value{Kind: KindFloat, Flt: v} }
func DoubleValue(v float64) Value   { return Value{Kind: KindDouble, Flt: v} }
func StringValue(v string) Value    { return Value{Kind: KindString, Str: v} }
func BoolValue(v bool) Value        { return Value{Kind: KindBoolean, Bool: v} }
func DateValue(v time.Time) Value   { return Value{Kind: KindDate, Time: v} }
func DecimalValue(v *big.Rat) Value { return Value{Kind: KindBigDecimal, Dec: v} }
func BinaryValue(v []byte) Value    { return Value{Kind: KindBinary, Bin: v} }
func EnumValue(v int64) Value       { return Value{Kind: KindEnum, Int: v} }

// LocalizedStringValue appends or replaces one language/country variant of
// the localized string group referenced by the target field.
func LocalizedStringValue(text, lang, country string) Value {
	return Value{Kind: KindLocalizedString, Str: text, Lang: lang, Country: country}
}

// LocalizedStringDeleteValue removes variants of the referenced group. An
// empty language removes every variant; an empty country removes all
// variants of the language.
func LocalizedStringDeleteValue(lang, country string) Value {
	return Value{Kind: KindLocalizedStringDelete, Lang: lang, Country: country}
}

// EmbeddedImageValue forwards an update set to the image record referenced
// by the target field.
func EmbeddedImageValue(sub *UpdateSet) Value {
	return Value{Kind: KindEmbeddedImage, Sub: sub}
}

// EmbeddedImagePlaceholderValue creates a brand-new image from data when
// the target field holds no reference yet, or forwards sub to the existing
// image otherwise.
func EmbeddedImagePlaceholderValue(data []byte, sub *UpdateSet) Value {
	return Value{Kind: KindEmbeddedImagePlaceholder, Bin: data, Sub: sub}
}

// EmbeddedImageDeleteValue clears the image reference of the target field
// and soft-deletes the image record.
func EmbeddedImageDeleteValue() Value {
	return Value{Kind: KindEmbeddedImageDelete}
}

// LazyBinaryValue replaces the blob behind a lazy binary field.
func LazyBinaryValue(data []byte) Value {
	return Value{Kind: KindLazyBinary, Bin: data}
}

// UpdateSet is an ordered collection of pending field changes, at most one
// per logical field. The zero value is not usable; construct with
// NewUpdateSet.
type UpdateSet struct {
	order  []FieldID
	values map[FieldID]Value
}

func NewUpdateSet() *UpdateSet {
	return &UpdateSet{values: make(map[FieldID]Value)}
}

// Set records a pending change for the field, replacing any earlier entry
// for the same field while keeping its original position.
func (u *UpdateSet) Set(field FieldID, v Value) *UpdateSet {
	if _, ok := u.values[field]; !ok {
		u.order = append(u.order, field)
	}
	u.values[field] = v
	return u
}

func (u *UpdateSet) Get(field FieldID) (Value, bool) {
	v, ok := u.values[field]
	return v, ok
}

// Remove drops the entry for the field. The no-op elimination step of the
// engine uses this to silently shrink the set in place.
func (u *UpdateSet) Remove(field FieldID) {
	if _, ok := u.values[field]; !ok {
		return
	}
	delete(u.values, field)
	for i, f := range u.order {
		if f == field {
			u.order = append(u.order[:i], u.order[i+1:]...)
			break
		}
	}
}

func (u *UpdateSet) Len() int {
	return len(u.values)
}

func (u *UpdateSet) Empty() bool {
	return len(u.values) == 0
}

// Fields returns the field ids in insertion order.
func (u *UpdateSet) Fields() []FieldID {
	out := make([]FieldID, len(u.order))
	copy(out, u.order)
	return out
}

// ReferenceOnly reports whether every entry is a relationship kind. Such a
// set must not trigger cloning or versioning of the owner.
func (u *UpdateSet) ReferenceOnly() bool {
	if len(u.values) == 0 {
		return false
	}
	for _, v := range u.values {
		if !v.Kind.Reference() {
			return false
		}
	}
	return true
}

// HasDirect reports whether any entry is a direct (non-reference) field
// change, i.e. one that historizes the owner.
func (u *UpdateSet) HasDirect() bool {
	for _, v := range u.values {
		if !v.Kind.Reference() {
			return true
		}
	}
	return false
}
