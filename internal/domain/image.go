package domain

import "time"

// Image is an embedded picture attached to an owner record. Dimensions,
// the content hash, and JPEG capture metadata are derived from the payload
// at construction; all of them degrade to their zero value when the data
// cannot be decoded instead of failing the operation.
type Image struct {
	Meta

	Name string
	Data []byte

	Width  int
	Height int
	Hash   string

	// JPEG metadata, zero when not available.
	Orientation int
	Latitude    float64
	Longitude   float64
	CapturedAt  *time.Time

	// BlobKey references the backing blob when the payload is stored out
	// of row. A row loaded without Data and with a BlobKey set is lazy.
	BlobKey string
	Lazy    bool
}

// Field ids of Image.
const (
	ImageFieldName FieldID = 1
	ImageFieldData FieldID = 2
)

func (i *Image) RecordMeta() *Meta { return &i.Meta }
func (i *Image) TypeTag() uint32   { return TagImage }

func (i *Image) CloneRecord() Record {
	cp := *i
	cp.Meta = cloneMeta(i.Meta)
	if i.Data != nil {
		cp.Data = append([]byte(nil), i.Data...)
	}
	if i.CapturedAt != nil {
		t := *i.CapturedAt
		cp.CapturedAt = &t
	}
	return &cp
}

// IsLazy reports whether the payload has not been materialized yet.
func (i *Image) IsLazy() bool {
	return i.Lazy
}

// Detach drops the payload after it has been copied elsewhere.
func (i *Image) Detach() {
	i.Data = nil
}
