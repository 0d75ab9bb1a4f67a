package histo

import (
	"context"
	"fmt"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/imaging"
	"github.com/rpattn/treedb/internal/repository"
)

// applyReference handles the relationship update kinds. Reference fields
// change on the live row without historizing the owner; the referenced
// records version themselves.
func (e *Engine) applyReference(ctx context.Context, tx repository.Tx, actor int64, rec domain.Record, field domain.FieldID, acc *FieldAccessor, v domain.Value) error {
	meta := rec.RecordMeta()

	switch v.Kind {
	case domain.KindLocalizedString:
		if acc.GetRef == nil || acc.SetRef == nil {
			return fmt.Errorf("field %d holds no string reference: %w", field, domain.ErrKindMismatch)
		}
		// CI owners leave a back-reference on the variant rows.
		var ownerTag uint32
		if rec.TypeTag() == domain.TagCI {
			ownerTag = domain.TagCI
		}
		if ref := acc.GetRef(rec); ref != 0 {
			_, err := e.strings.FindOrCreateAndUpdate(ctx, tx, actor, ref, v.Str, v.Lang, v.Country, ownerTag)
			return err
		}
		row, err := e.strings.Create(ctx, tx, actor, meta.DomainID, v.Str, v.Lang, v.Country, ownerTag)
		if err != nil {
			return err
		}
		acc.SetRef(rec, row.GroupID)
		return nil

	case domain.KindLocalizedStringDelete:
		if acc.GetRef == nil {
			return fmt.Errorf("field %d holds no string reference: %w", field, domain.ErrKindMismatch)
		}
		ref := acc.GetRef(rec)
		if ref == 0 {
			return nil
		}
		switch {
		case v.Lang == "":
			if _, err := e.strings.DeleteGroup(ctx, tx, actor, ref); err != nil {
				return err
			}
			acc.SetRef(rec, 0)
		case v.Country == "":
			if _, err := e.strings.DeleteLanguage(ctx, tx, actor, ref, v.Lang); err != nil {
				return err
			}
		default:
			if _, err := e.strings.DeleteVariant(ctx, tx, actor, ref, v.Lang, v.Country); err != nil {
				return err
			}
		}
		return nil

	case domain.KindEmbeddedImage:
		ref := e.imageRef(acc, rec)
		if ref == 0 {
			return fmt.Errorf("field %d has no image to update: %w", field, domain.ErrIllegalState)
		}
		return e.forwardImageUpdate(ctx, tx, actor, ref, v.Sub)

	case domain.KindEmbeddedImagePlaceholder:
		if acc.GetRef == nil || acc.SetRef == nil {
			return fmt.Errorf("field %d holds no image reference: %w", field, domain.ErrKindMismatch)
		}
		if ref := acc.GetRef(rec); ref != 0 {
			return e.forwardImageUpdate(ctx, tx, actor, ref, v.Sub)
		}
		info := imaging.Derive(v.Bin)
		img := &domain.Image{
			Meta:        domain.Meta{DomainID: meta.DomainID},
			Name:        v.Str,
			Data:        v.Bin,
			Width:       info.Width,
			Height:      info.Height,
			Hash:        info.Hash,
			Orientation: info.Orientation,
			Latitude:    info.Latitude,
			Longitude:   info.Longitude,
			CapturedAt:  info.CapturedAt,
		}
		if err := e.Create(ctx, tx, actor, img); err != nil {
			return fmt.Errorf("failed to create placeholder image: %w", err)
		}
		acc.SetRef(rec, img.HistID)
		return nil

	case domain.KindEmbeddedImageDelete:
		ref := e.imageRef(acc, rec)
		if ref == 0 {
			return nil
		}
		img, err := e.Load(ctx, tx, domain.TagImage, ref)
		if err != nil {
			return fmt.Errorf("failed to load image %d for delete: %w", ref, err)
		}
		if _, err := e.Delete(ctx, tx, actor, img, false); err != nil {
			return err
		}
		if e.purger != nil {
			if _, err := e.purger.PurgeOwner(ctx, tx, domain.TagImage, ref); err != nil {
				return err
			}
		}
		acc.SetRef(rec, 0)
		return nil

	case domain.KindLazyBinary:
		if e.blobs != nil && acc.SetBlob != nil {
			key := fmt.Sprintf("lazy/%d/%d/%d", rec.TypeTag(), meta.HistID, field)
			if err := e.blobs.Put(key, v.Bin); err != nil {
				return err
			}
			acc.SetBlob(rec, key)
			return nil
		}
		if acc.Set == nil {
			return fmt.Errorf("field %d cannot hold a lazy binary: %w", field, domain.ErrKindMismatch)
		}
		return acc.Set(rec, v)
	}

	return fmt.Errorf("unhandled reference kind %s: %w", v.Kind, domain.ErrKindMismatch)
}

func (e *Engine) imageRef(acc *FieldAccessor, rec domain.Record) int64 {
	if acc.GetRef == nil {
		return 0
	}
	return acc.GetRef(rec)
}

func (e *Engine) forwardImageUpdate(ctx context.Context, tx repository.Tx, actor, imageHistID int64, sub *domain.UpdateSet) error {
	if sub == nil || sub.Empty() {
		return nil
	}
	img, err := e.Load(ctx, tx, domain.TagImage, imageHistID)
	if err != nil {
		return fmt.Errorf("failed to load image %d for update: %w", imageHistID, err)
	}
	return e.Update(ctx, tx, actor, img, sub)
}
