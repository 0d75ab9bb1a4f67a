package domain

// CI is a configuration item, the primary record type managed by the
// store. Scalar fields historize through the engine; DescriptionRef and
// ImageRef are references to records with their own historization.
type CI struct {
	Meta

	Name   string
	Alias  string
	TypeID int64

	// DescriptionRef holds the group id of the localized description, 0
	// when unset.
	DescriptionRef int64

	// ImageRef holds the HistID of the embedded image, 0 when unset.
	ImageRef int64
}

// Field ids of CI, also used as slot element ids.
const (
	CIFieldName        FieldID = 1
	CIFieldAlias       FieldID = 2
	CIFieldType        FieldID = 3
	CIFieldDescription FieldID = 4
	CIFieldImage       FieldID = 5
)

func (c *CI) RecordMeta() *Meta { return &c.Meta }
func (c *CI) TypeTag() uint32   { return TagCI }

func (c *CI) CloneRecord() Record {
	cp := *c
	cp.Meta = cloneMeta(c.Meta)
	return &cp
}
