package domain

import (
	"math/big"
	"testing"
	"time"
)

func TestUpdateSetKeepsInsertionOrder(t *testing.T) {
	set := NewUpdateSet()
	set.Set(FieldID(3), StringValue("c"))
	set.Set(FieldID(1), StringValue("a"))
	set.Set(FieldID(2), StringValue("b"))

	got := set.Fields()
	want := []FieldID{3, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %d fields, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("field order mismatch at %d: want %d, got %d", i, want[i], got[i])
		}
	}

	// Re-setting an existing field must not move it.
	set.Set(FieldID(3), StringValue("c2"))
	if set.Fields()[0] != FieldID(3) {
		t.Fatalf("re-set moved field 3 from front")
	}
	v, ok := set.Get(FieldID(3))
	if !ok || v.Str != "c2" {
		t.Fatalf("expected updated value c2, got %+v", v)
	}
}

func TestUpdateSetRemove(t *testing.T) {
	set := NewUpdateSet()
	set.Set(FieldID(1), IntValue(1))
	set.Set(FieldID(2), IntValue(2))
	set.Remove(FieldID(1))

	if set.Len() != 1 {
		t.Fatalf("expected 1 entry after remove, got %d", set.Len())
	}
	if _, ok := set.Get(FieldID(1)); ok {
		t.Fatalf("removed field still present")
	}
	set.Remove(FieldID(2))
	if !set.Empty() {
		t.Fatalf("expected empty set")
	}
}

func TestValueEqualScalars(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		a, b Value
		want bool
	}{
		{"string equal", StringValue("x"), StringValue("x"), true},
		{"string differ", StringValue("x"), StringValue("y"), false},
		{"kind differ", IntValue(1), LongValue(1), false},
		{"long equal", LongValue(7), LongValue(7), true},
		{"bool equal", BoolValue(true), BoolValue(true), true},
		{"date equal", DateValue(now), DateValue(now), true},
		{"date differ", DateValue(now), DateValue(now.Add(time.Second)), false},
		{"binary equal", BinaryValue([]byte{1, 2}), BinaryValue([]byte{1, 2}), true},
		{"binary differ", BinaryValue([]byte{1, 2}), BinaryValue([]byte{1, 3}), false},
		{"decimal equal", DecimalValue(big.NewRat(1, 3)), DecimalValue(big.NewRat(1, 3)), true},
		{"decimal differ", DecimalValue(big.NewRat(1, 3)), DecimalValue(big.NewRat(2, 3)), false},
	}
	for _, tc := range cases {
		if got := tc.a.Equal(tc.b); got != tc.want {
			t.Errorf("%s: Equal = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestValueEqualReferenceKindsNeverEqual(t *testing.T) {
	a := LocalizedStringValue("hello", "en", "")
	b := LocalizedStringValue("hello", "en", "")
	if a.Equal(b) {
		t.Fatalf("localized string values must never compare equal")
	}
	img := EmbeddedImageValue(NewUpdateSet())
	if img.Equal(img) {
		t.Fatalf("embedded image values must never compare equal")
	}
}

func TestSlotKeyRoundTrip(t *testing.T) {
	slot := MakeSlot(TagCI, 5)
	if slot.ClassTag() != TagCI {
		t.Fatalf("class tag = %d, want %d", slot.ClassTag(), TagCI)
	}
	if slot.ElementID() != 5 {
		t.Fatalf("element id = %d, want 5", slot.ElementID())
	}
	if slot == MakeSlot(TagValue, 5) {
		t.Fatalf("slots with different class tags must differ")
	}
}

func TestStatusMutable(t *testing.T) {
	if !StatusActive.Mutable() {
		t.Fatalf("ACTIVE must be mutable")
	}
	for _, s := range []Status{StatusDeleted, StatusUpdated, StatusDeletedFromDB, StatusVirtual, StatusInactive} {
		if s.Mutable() {
			t.Fatalf("%s must not be mutable", s)
		}
	}
}

func TestSameRecord(t *testing.T) {
	a := &CI{Meta: Meta{ID: 10, HistID: 1}}
	b := &CI{Meta: Meta{ID: 20, HistID: 1}}
	if !SameRecord(a, b) {
		t.Fatalf("records sharing type and hist id must be the same")
	}
	c := &IString{Meta: Meta{ID: 10, HistID: 1}}
	if SameRecord(a, c) {
		t.Fatalf("records of different types must differ")
	}
}

func TestReferenceOnlySet(t *testing.T) {
	set := NewUpdateSet()
	set.Set(FieldID(4), LocalizedStringValue("desc", "en", ""))
	if !set.ReferenceOnly() {
		t.Fatalf("expected reference-only set")
	}
	if set.HasDirect() {
		t.Fatalf("reference-only set must report no direct changes")
	}
	set.Set(FieldID(1), StringValue("name"))
	if set.ReferenceOnly() {
		t.Fatalf("mixed set is not reference-only")
	}
	if !set.HasDirect() {
		t.Fatalf("mixed set has a direct change")
	}
}
