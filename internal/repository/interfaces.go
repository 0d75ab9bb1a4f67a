package repository

import (
	"context"

	"github.com/rpattn/treedb/internal/domain"
)

// DAO is the narrow storage contract the historization engine and the
// stores are written against. Implementations back it with Postgres or
// with an in-memory table set; the engine never sees which.
type DAO interface {
	// Begin opens a transaction. Every engine operation runs inside one,
	// either its own ("local") or one handed in by an orchestrator
	// composing several operations atomically ("inherited").
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a unit of work against the backing store. A Tx is not safe for
// concurrent use.
type Tx interface {
	// Get fetches a record by physical row id. Missing rows return
	// domain.ErrNotFound.
	Get(ctx context.Context, typeTag uint32, id int64) (domain.Record, error)

	// Query returns all records matching q.
	Query(ctx context.Context, q Query) ([]domain.Record, error)

	// QueryPage returns a page of records matching q.
	QueryPage(ctx context.Context, q Query, offset, limit int) ([]domain.Record, error)

	// Insert persists a new row and assigns its physical id.
	Insert(ctx context.Context, rec domain.Record) error

	// Update persists changes to an existing row, guarded by the record's
	// LockVersion. A vanished row returns domain.ErrNotFound; a stale
	// LockVersion returns ErrStaleRow.
	Update(ctx context.Context, rec domain.Record) error

	// DeleteRow removes a row outright, reporting whether it existed.
	DeleteRow(ctx context.Context, typeTag uint32, id int64) (bool, error)

	// DeleteWhere removes every row matching q and returns the count.
	DeleteWhere(ctx context.Context, q Query) (int64, error)

	// Detach releases a record from the unit of work so large payloads
	// can be dropped without being written back.
	Detach(rec domain.Record)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Op is a comparison operator in a query condition.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpPrefix
	OpIsNull
	OpNotNull
	OpIn
)

// Cond is one predicate of a query, naming a storage field of the target
// record type.
type Cond struct {
	Field string
	Op    Op
	Value any
}

// Query selects rows of one record type. Conditions are combined with AND.
type Query struct {
	TypeTag uint32
	Where   []Cond
	OrderBy string
	Desc    bool
}

// Where is a convenience constructor for an equality-heavy query.
func Where(typeTag uint32, conds ...Cond) Query {
	return Query{TypeTag: typeTag, Where: conds}
}

func Eq(field string, value any) Cond { return Cond{Field: field, Op: OpEq, Value: value} }
func Ne(field string, value any) Cond { return Cond{Field: field, Op: OpNe, Value: value} }
func Lt(field string, value any) Cond { return Cond{Field: field, Op: OpLt, Value: value} }
func Le(field string, value any) Cond { return Cond{Field: field, Op: OpLe, Value: value} }
func Gt(field string, value any) Cond { return Cond{Field: field, Op: OpGt, Value: value} }
func Ge(field string, value any) Cond { return Cond{Field: field, Op: OpGe, Value: value} }
func Prefix(field, value string) Cond { return Cond{Field: field, Op: OpPrefix, Value: value} }
func IsNull(field string) Cond        { return Cond{Field: field, Op: OpIsNull} }
func NotNull(field string) Cond       { return Cond{Field: field, Op: OpNotNull} }

// In matches rows whose field equals any of the given ids.
func In(field string, ids []int64) Cond { return Cond{Field: field, Op: OpIn, Value: ids} }

// RunInTx begins a local transaction when tx is nil, runs fn, and commits
// or rolls back. When tx is non-nil it is reused and left open for the
// caller to finish, so multiple calls compose into one atomic unit.
func RunInTx(ctx context.Context, dao DAO, tx Tx, fn func(Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	local, err := dao.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(local); err != nil {
		_ = local.Rollback(ctx)
		return err
	}
	return local.Commit(ctx)
}
