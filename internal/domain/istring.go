package domain

// IString is one language/country variant of a localized string group.
// GroupID equals the HistID of the first variant ever created and is
// shared by all siblings. An empty Country marks the generic variant of
// the language; for a given (group, language) at most one generic row and
// one row per distinct country may be ACTIVE at once.
type IString struct {
	Meta

	GroupID  int64
	Language string
	Country  string
	Text     string

	// OwnerTag records the class of the owning record when the variant
	// was created through a CI field update, 0 otherwise.
	OwnerTag uint32
}

const IStringFieldText FieldID = 1

func (s *IString) RecordMeta() *Meta { return &s.Meta }
func (s *IString) TypeTag() uint32   { return TagIString }

func (s *IString) CloneRecord() Record {
	cp := *s
	cp.Meta = cloneMeta(s.Meta)
	return &cp
}
