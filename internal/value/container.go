// Package value implements the typed value container family: one generic
// shape, instantiated per payload kind, that attaches a named value to an
// owner record and slot and persists it through the historization engine.
package value

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/histo"
	"github.com/rpattn/treedb/internal/repository"
)

// Codec converts between a Go payload type and the tagged storage value.
type Codec[T any] struct {
	Kind   domain.FieldKind
	Encode func(T) domain.Value
	Decode func(domain.Value) T
}

var (
	StringCodec = Codec[string]{
		Kind:   domain.KindString,
		Encode: domain.StringValue,
		Decode: func(v domain.Value) string { return v.Str },
	}
	LongCodec = Codec[int64]{
		Kind:   domain.KindLong,
		Encode: domain.LongValue,
		Decode: func(v domain.Value) int64 { return v.Int },
	}
	IntCodec = Codec[int64]{
		Kind:   domain.KindInt,
		Encode: domain.IntValue,
		Decode: func(v domain.Value) int64 { return v.Int },
	}
	DoubleCodec = Codec[float64]{
		Kind:   domain.KindDouble,
		Encode: domain.DoubleValue,
		Decode: func(v domain.Value) float64 { return v.Flt },
	}
	FloatCodec = Codec[float64]{
		Kind:   domain.KindFloat,
		Encode: domain.FloatValue,
		Decode: func(v domain.Value) float64 { return v.Flt },
	}
	BoolCodec = Codec[bool]{
		Kind:   domain.KindBoolean,
		Encode: domain.BoolValue,
		Decode: func(v domain.Value) bool { return v.Bool },
	}
	DateCodec = Codec[time.Time]{
		Kind:   domain.KindDate,
		Encode: domain.DateValue,
		Decode: func(v domain.Value) time.Time { return v.Time },
	}
	DecimalCodec = Codec[*big.Rat]{
		Kind:   domain.KindBigDecimal,
		Encode: domain.DecimalValue,
		Decode: func(v domain.Value) *big.Rat { return v.Dec },
	}
	BinaryCodec = Codec[[]byte]{
		Kind:   domain.KindBinary,
		Encode: domain.BinaryValue,
		Decode: func(v domain.Value) []byte { return v.Bin },
	}
	EnumCodec = Codec[int64]{
		Kind:   domain.KindEnum,
		Encode: domain.EnumValue,
		Decode: func(v domain.Value) int64 { return v.Int },
	}
)

// Container is a typed view over one persisted value row.
type Container[T any] struct {
	Row   *domain.ValueRow
	codec Codec[T]
}

// Data returns the payload.
func (c *Container[T]) Data() T {
	return c.codec.Decode(c.Row.Payload())
}

// Detach drops a binary payload after it was copied elsewhere, to bound
// memory during bulk export and import.
func (c *Container[T]) Detach() {
	c.Row.Detach()
}

// Family carries the collaborators the container operations need.
type Family struct {
	Engine *histo.Engine
	DAO    repository.DAO
}

func NewFamily(engine *histo.Engine, dao repository.DAO) *Family {
	return &Family{Engine: engine, DAO: dao}
}

// Create persists a new container for the owner and slot.
func Create[T any](ctx context.Context, f *Family, tx repository.Tx, actor, domainID, ownerID int64, ownerTag uint32, slot domain.SlotKey, codec Codec[T], data T) (*Container[T], error) {
	row := &domain.ValueRow{
		Meta:     domain.Meta{DomainID: domainID},
		OwnerID:  ownerID,
		OwnerTag: ownerTag,
		Slot:     slot,
		Kind:     codec.Kind,
	}
	if err := row.SetPayload(codec.Encode(data)); err != nil {
		return nil, err
	}
	if err := f.Engine.Create(ctx, tx, actor, row); err != nil {
		return nil, err
	}
	return &Container[T]{Row: row, codec: codec}, nil
}

// Load fetches a container by physical row id.
func Load[T any](ctx context.Context, f *Family, tx repository.Tx, id int64, codec Codec[T]) (*Container[T], error) {
	var row *domain.ValueRow
	err := repository.RunInTx(ctx, f.DAO, tx, func(tx repository.Tx) error {
		rec, err := tx.Get(ctx, domain.TagValue, id)
		if err != nil {
			return err
		}
		row = rec.(*domain.ValueRow)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if row.Kind != codec.Kind {
		return nil, fmt.Errorf("value row %d holds %s, want %s: %w", id, row.Kind, codec.Kind, domain.ErrKindMismatch)
	}
	return &Container[T]{Row: row, codec: codec}, nil
}

// LoadBySlot fetches the container filling the owner's slot. At most one
// ACTIVE row may match; more is a corruption error. asOf selects the state
// valid at that instant instead.
func LoadBySlot[T any](ctx context.Context, f *Family, tx repository.Tx, ownerID int64, slot domain.SlotKey, codec Codec[T], asOf *time.Time) (*Container[T], error) {
	row, err := findBySlot(ctx, f, tx, ownerID, slot, asOf)
	if err != nil {
		return nil, err
	}
	if row.Kind != codec.Kind {
		return nil, fmt.Errorf("slot %d holds %s, want %s: %w", slot, row.Kind, codec.Kind, domain.ErrKindMismatch)
	}
	return &Container[T]{Row: row, codec: codec}, nil
}

// CreateOrUpdate writes data into the owner's slot: a missing container is
// created, an existing one updated in place through the engine so the old
// payload historizes and the logical identity stays stable.
func CreateOrUpdate[T any](ctx context.Context, f *Family, tx repository.Tx, actor, domainID, ownerID int64, ownerTag uint32, slot domain.SlotKey, codec Codec[T], data T) (*Container[T], error) {
	row, err := findBySlot(ctx, f, tx, ownerID, slot, nil)
	if err != nil {
		if errorsIsNotFound(err) {
			return Create(ctx, f, tx, actor, domainID, ownerID, ownerTag, slot, codec, data)
		}
		return nil, err
	}
	if row.Kind != codec.Kind {
		return nil, fmt.Errorf("slot %d holds %s, want %s: %w", slot, row.Kind, codec.Kind, domain.ErrKindMismatch)
	}
	set := domain.NewUpdateSet().Set(domain.ValueRowField, codec.Encode(data))
	if err := f.Engine.Update(ctx, tx, actor, row, set); err != nil {
		return nil, err
	}
	return &Container[T]{Row: row, codec: codec}, nil
}

func findBySlot(ctx context.Context, f *Family, tx repository.Tx, ownerID int64, slot domain.SlotKey, asOf *time.Time) (*domain.ValueRow, error) {
	var row *domain.ValueRow
	err := repository.RunInTx(ctx, f.DAO, tx, func(tx repository.Tx) error {
		conds := []repository.Cond{
			repository.Eq("owner_id", ownerID),
			repository.Eq("slot", slot),
		}
		if asOf == nil {
			conds = append(conds, repository.Eq("status", domain.StatusActive))
		} else {
			conds = append(conds, repository.Le("modified_at", *asOf))
		}
		recs, err := tx.Query(ctx, repository.Query{
			TypeTag: domain.TagValue,
			Where:   conds,
			OrderBy: "version",
		})
		if err != nil {
			return fmt.Errorf("failed slot lookup %d/%d: %w", ownerID, slot, err)
		}
		if asOf != nil {
			filtered := recs[:0]
			for _, rec := range recs {
				meta := rec.RecordMeta()
				if meta.DeletedAt != nil && !asOf.Before(*meta.DeletedAt) {
					continue
				}
				filtered = append(filtered, rec)
			}
			if len(filtered) == 0 {
				return fmt.Errorf("slot %d/%d: %w", ownerID, slot, domain.ErrNotFound)
			}
			row = filtered[len(filtered)-1].(*domain.ValueRow)
			return nil
		}
		switch len(recs) {
		case 0:
			return fmt.Errorf("slot %d/%d: %w", ownerID, slot, domain.ErrNotFound)
		case 1:
			row = recs[0].(*domain.ValueRow)
			return nil
		}
		return fmt.Errorf("slot %d/%d has %d active rows: %w", ownerID, slot, len(recs), domain.ErrNonUnique)
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func errorsIsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
