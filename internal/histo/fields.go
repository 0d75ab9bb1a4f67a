package histo

import (
	"context"
	"fmt"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/repository"
)

// FieldAccessor is one entry of a type's field dispatch table: a strongly
// typed getter/setter pair registered at engine construction, replacing
// runtime reflection while keeping the apply-by-symbolic-field contract.
type FieldAccessor struct {
	// Kind declares the expected value kind. When KindOf is set it is
	// consulted instead, for rows whose payload kind varies per instance.
	Kind   domain.FieldKind
	KindOf func(domain.Record) domain.FieldKind

	// Get/Set apply to direct (non-reference) fields.
	Get func(domain.Record) domain.Value
	Set func(domain.Record, domain.Value) error

	// GetRef/SetRef hold the referenced record id for relationship kinds.
	GetRef func(domain.Record) int64
	SetRef func(domain.Record, int64)

	// GetBlob/SetBlob hold the backing blob key for lazy binary fields.
	GetBlob func(domain.Record) string
	SetBlob func(domain.Record, string)

	// Tracked fields feed the post-change callback.
	Tracked bool
}

func (a *FieldAccessor) kindFor(rec domain.Record) domain.FieldKind {
	if a.KindOf != nil {
		return a.KindOf(rec)
	}
	return a.Kind
}

// ConstraintFunc validates a pending create or update inside the open
// transaction. The returned context object is handed unchanged to the
// post-change callback.
type ConstraintFunc func(ctx context.Context, tx repository.Tx, rec domain.Record, set *domain.UpdateSet) (any, error)

// PostChangeFunc runs after a create or after an update that touched a
// tracked field, still inside the transaction.
type PostChangeFunc func(ctx context.Context, tx repository.Tx, rec domain.Record, changed []domain.FieldID, hookCtx any) error

// TypeDescriptor registers a record type with the engine.
type TypeDescriptor struct {
	Tag              uint32
	Fields           map[domain.FieldID]*FieldAccessor
	CheckConstraints ConstraintFunc
	PostChange       PostChangeFunc
}

func (td *TypeDescriptor) accessor(field domain.FieldID) (*FieldAccessor, error) {
	acc, ok := td.Fields[field]
	if !ok {
		return nil, fmt.Errorf("type %d has no field %d: %w", td.Tag, field, domain.ErrKindMismatch)
	}
	return acc, nil
}

func (td *TypeDescriptor) anyTracked(fields []domain.FieldID) bool {
	for _, f := range fields {
		if acc, ok := td.Fields[f]; ok && acc.Tracked {
			return true
		}
	}
	return false
}

// RegisterType adds or replaces a type descriptor. Built-in types are
// registered by New; applications add their own record types the same way.
func (e *Engine) RegisterType(td *TypeDescriptor) {
	e.types[td.Tag] = td
}

func (e *Engine) descriptor(tag uint32) (*TypeDescriptor, error) {
	td, ok := e.types[tag]
	if !ok {
		return nil, fmt.Errorf("unregistered record type %d", tag)
	}
	return td, nil
}
