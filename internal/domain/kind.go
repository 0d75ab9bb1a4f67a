package domain

// FieldKind tags the payload type of a field value in an update set. The
// tag values are persisted alongside stored values and must stay stable.
type FieldKind int16

const (
	KindInt FieldKind = iota
	KindLong
	KindFloat
	KindDouble
	KindString
	KindBoolean
	KindDate
	KindBigDecimal
	KindBinary
	KindLazyBinary
	KindEnum
	KindLocalizedString
	KindLocalizedStringDelete
	KindEmbeddedImage
	KindEmbeddedImagePlaceholder
	KindEmbeddedImageDelete
)

var kindNames = map[FieldKind]string{
	KindInt:                      "INT",
	KindLong:                     "LONG",
	KindFloat:                    "FLOAT",
	KindDouble:                   "DOUBLE",
	KindString:                   "STRING",
	KindBoolean:                  "BOOLEAN",
	KindDate:                     "DATE",
	KindBigDecimal:               "BIG_DECIMAL",
	KindBinary:                   "BINARY",
	KindLazyBinary:               "LAZY_BINARY",
	KindEnum:                     "ENUM",
	KindLocalizedString:          "LOCALIZED_STRING",
	KindLocalizedStringDelete:    "LOCALIZED_STRING_DELETE",
	KindEmbeddedImage:            "EMBEDDED_IMAGE",
	KindEmbeddedImagePlaceholder: "EMBEDDED_IMAGE_PLACEHOLDER",
	KindEmbeddedImageDelete:      "EMBEDDED_IMAGE_DELETE",
}

func (k FieldKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Reference reports whether the kind is a relationship to a record that
// carries its own historization. An update set holding only reference
// kinds must not clone or version the owning record.
func (k FieldKind) Reference() bool {
	switch k {
	case KindLazyBinary,
		KindLocalizedString, KindLocalizedStringDelete,
		KindEmbeddedImage, KindEmbeddedImagePlaceholder, KindEmbeddedImageDelete:
		return true
	}
	return false
}
