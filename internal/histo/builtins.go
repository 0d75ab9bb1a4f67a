package histo

import (
	"context"
	"fmt"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/imaging"
	"github.com/rpattn/treedb/internal/repository"
)

// registerBuiltins installs the dispatch tables of the record types the
// module ships. Applications register further types with RegisterType.
func (e *Engine) registerBuiltins() {
	e.RegisterType(ciDescriptor())
	e.RegisterType(valueRowDescriptor())
	e.RegisterType(keyValueDescriptor())
	e.RegisterType(istringDescriptor())
	e.RegisterType(e.imageDescriptor())
	e.RegisterType(&TypeDescriptor{Tag: domain.TagNode})
	e.RegisterType(&TypeDescriptor{Tag: domain.TagCache})
}

func ciDescriptor() *TypeDescriptor {
	return &TypeDescriptor{
		Tag: domain.TagCI,
		Fields: map[domain.FieldID]*FieldAccessor{
			domain.CIFieldName: {
				Kind: domain.KindString,
				Get: func(r domain.Record) domain.Value {
					return domain.StringValue(r.(*domain.CI).Name)
				},
				Set: func(r domain.Record, v domain.Value) error {
					r.(*domain.CI).Name = v.Str
					return nil
				},
			},
			domain.CIFieldAlias: {
				Kind: domain.KindString,
				Get: func(r domain.Record) domain.Value {
					return domain.StringValue(r.(*domain.CI).Alias)
				},
				Set: func(r domain.Record, v domain.Value) error {
					r.(*domain.CI).Alias = v.Str
					return nil
				},
			},
			domain.CIFieldType: {
				Kind: domain.KindLong,
				Get: func(r domain.Record) domain.Value {
					return domain.LongValue(r.(*domain.CI).TypeID)
				},
				Set: func(r domain.Record, v domain.Value) error {
					r.(*domain.CI).TypeID = v.Int
					return nil
				},
			},
			domain.CIFieldDescription: {
				Kind:   domain.KindLocalizedString,
				GetRef: func(r domain.Record) int64 { return r.(*domain.CI).DescriptionRef },
				SetRef: func(r domain.Record, id int64) { r.(*domain.CI).DescriptionRef = id },
			},
			domain.CIFieldImage: {
				Kind:   domain.KindEmbeddedImage,
				GetRef: func(r domain.Record) int64 { return r.(*domain.CI).ImageRef },
				SetRef: func(r domain.Record, id int64) { r.(*domain.CI).ImageRef = id },
			},
		},
		CheckConstraints: ciUniqueName,
	}
}

// ciUniqueName enforces a per-domain unique name among ACTIVE items.
func ciUniqueName(ctx context.Context, tx repository.Tx, rec domain.Record, set *domain.UpdateSet) (any, error) {
	ci := rec.(*domain.CI)
	name := ci.Name
	if set != nil {
		if v, ok := set.Get(domain.CIFieldName); ok {
			name = v.Str
		}
	}
	recs, err := tx.Query(ctx, repository.Where(domain.TagCI,
		repository.Eq("name", name),
		repository.Eq("domain_id", ci.DomainID),
		repository.Eq("status", domain.StatusActive),
		repository.Ne("hist_id", ci.HistID),
	))
	if err != nil {
		return nil, fmt.Errorf("failed uniqueness check for %q: %w", name, err)
	}
	if len(recs) > 0 {
		return nil, fmt.Errorf("ci name %q already in use in domain %d: %w", name, ci.DomainID, domain.ErrConstraint)
	}
	return nil, nil
}

func valueRowAccessor(payload func(domain.Record) *domain.ValueRow) *FieldAccessor {
	return &FieldAccessor{
		KindOf: func(r domain.Record) domain.FieldKind { return payload(r).Kind },
		Get: func(r domain.Record) domain.Value {
			return payload(r).Payload()
		},
		Set: func(r domain.Record, v domain.Value) error {
			return payload(r).SetPayload(v)
		},
		GetRef: func(r domain.Record) int64 { return payload(r).Ref },
		SetRef: func(r domain.Record, id int64) { payload(r).Ref = id },
		GetBlob: func(r domain.Record) string { return payload(r).BlobKey },
		SetBlob: func(r domain.Record, key string) { payload(r).BlobKey = key },
	}
}

func valueRowDescriptor() *TypeDescriptor {
	return &TypeDescriptor{
		Tag: domain.TagValue,
		Fields: map[domain.FieldID]*FieldAccessor{
			domain.ValueRowField: valueRowAccessor(func(r domain.Record) *domain.ValueRow {
				return r.(*domain.ValueRow)
			}),
		},
	}
}

func keyValueDescriptor() *TypeDescriptor {
	return &TypeDescriptor{
		Tag: domain.TagKeyValue,
		Fields: map[domain.FieldID]*FieldAccessor{
			domain.ValueRowField: valueRowAccessor(func(r domain.Record) *domain.ValueRow {
				return &r.(*domain.KeyValuePair).ValueRow
			}),
		},
	}
}

func istringDescriptor() *TypeDescriptor {
	return &TypeDescriptor{
		Tag: domain.TagIString,
		Fields: map[domain.FieldID]*FieldAccessor{
			domain.IStringFieldText: {
				Kind: domain.KindString,
				Get: func(r domain.Record) domain.Value {
					return domain.StringValue(r.(*domain.IString).Text)
				},
				Set: func(r domain.Record, v domain.Value) error {
					r.(*domain.IString).Text = v.Str
					return nil
				},
			},
		},
	}
}

// imageDescriptor tracks the payload field: a content change recomputes
// the derived metadata and purges every cached artifact of the image.
func (e *Engine) imageDescriptor() *TypeDescriptor {
	return &TypeDescriptor{
		Tag: domain.TagImage,
		Fields: map[domain.FieldID]*FieldAccessor{
			domain.ImageFieldName: {
				Kind: domain.KindString,
				Get: func(r domain.Record) domain.Value {
					return domain.StringValue(r.(*domain.Image).Name)
				},
				Set: func(r domain.Record, v domain.Value) error {
					r.(*domain.Image).Name = v.Str
					return nil
				},
			},
			domain.ImageFieldData: {
				Kind:    domain.KindBinary,
				Tracked: true,
				Get: func(r domain.Record) domain.Value {
					return domain.BinaryValue(r.(*domain.Image).Data)
				},
				Set: func(r domain.Record, v domain.Value) error {
					img := r.(*domain.Image)
					img.Data = v.Bin
					img.Lazy = false
					info := imaging.Derive(v.Bin)
					img.Width = info.Width
					img.Height = info.Height
					img.Hash = info.Hash
					img.Orientation = info.Orientation
					img.Latitude = info.Latitude
					img.Longitude = info.Longitude
					img.CapturedAt = info.CapturedAt
					return nil
				},
				GetBlob: func(r domain.Record) string { return r.(*domain.Image).BlobKey },
				SetBlob: func(r domain.Record, key string) {
					img := r.(*domain.Image)
					img.BlobKey = key
					img.Lazy = img.Data == nil
				},
			},
		},
		PostChange: func(ctx context.Context, tx repository.Tx, rec domain.Record, changed []domain.FieldID, _ any) error {
			if e.purger == nil || len(changed) == 0 {
				return nil
			}
			_, err := e.purger.PurgeOwner(ctx, tx, domain.TagImage, rec.RecordMeta().HistID)
			return err
		},
	}
}
