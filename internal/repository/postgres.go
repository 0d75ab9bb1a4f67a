package repository

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/treedb/internal/domain"
)

// PostgresDAO backs the storage contract with pgx. Each record type maps
// to one table; the shared meta columns come first in every statement so
// the scan helpers can treat them uniformly.
type PostgresDAO struct {
	pool *pgxpool.Pool
}

func NewPostgresDAO(pool *pgxpool.Pool) *PostgresDAO {
	return &PostgresDAO{pool: pool}
}

func (d *PostgresDAO) Begin(ctx context.Context) (Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

var metaColumns = []string{
	"hist_id", "version", "status", "created_at", "modified_at",
	"deleted_at", "created_by", "modified_by", "domain_id", "lock_version",
}

type tableDef struct {
	name string
	cols []string
}

var tables = map[uint32]tableDef{
	domain.TagCI: {name: "cis", cols: []string{
		"name", "alias", "type_id", "description_ref", "image_ref"}},
	domain.TagValue: {name: "value_rows", cols: []string{
		"owner_id", "owner_tag", "slot", "kind", "str_val", "int_val",
		"flt_val", "bool_val", "time_val", "dec_val", "bin_val", "ref",
		"blob_key"}},
	domain.TagIString: {name: "istrings", cols: []string{
		"group_id", "language", "country", "text", "owner_tag"}},
	domain.TagImage: {name: "images", cols: []string{
		"name", "data", "width", "height", "hash", "orientation",
		"latitude", "longitude", "captured_at", "blob_key"}},
	domain.TagNode: {name: "node_edges", cols: []string{
		"child_id", "parent_id", "edge_type", "conn_kind"}},
	domain.TagCache: {name: "cache_entries", cols: []string{
		"owner_tag", "owner_hist_id", "cache_key", "payload", "info",
		"last_used", "blob_key"}},
	domain.TagKeyValue: {name: "key_value_pairs", cols: []string{
		"owner_id", "owner_tag", "slot", "kind", "str_val", "int_val",
		"flt_val", "bool_val", "time_val", "dec_val", "bin_val", "ref",
		"blob_key", "key"}},
}

func tableFor(typeTag uint32) (tableDef, error) {
	td, ok := tables[typeTag]
	if !ok {
		return tableDef{}, fmt.Errorf("unknown record type tag %d: %w", typeTag, domain.ErrIllegalState)
	}
	return td, nil
}

func (td tableDef) allColumns() []string {
	return append(append([]string{"id"}, metaColumns...), td.cols...)
}

func decArg(d *big.Rat) any {
	if d == nil {
		return nil
	}
	return d.RatString()
}

func parseDec(s *string) *big.Rat {
	if s == nil {
		return nil
	}
	r, ok := new(big.Rat).SetString(*s)
	if !ok {
		return nil
	}
	return r
}

func metaArgs(m *domain.Meta) []any {
	return []any{
		m.HistID, m.Version, int(m.Status), m.CreatedAt, m.ModifiedAt,
		m.DeletedAt, m.CreatedBy, m.ModifiedBy, m.DomainID, m.LockVersion,
	}
}

func recordArgs(rec domain.Record) []any {
	args := metaArgs(rec.RecordMeta())
	switch r := rec.(type) {
	case *domain.CI:
		args = append(args, r.Name, r.Alias, r.TypeID, r.DescriptionRef, r.ImageRef)
	case *domain.KeyValuePair:
		args = append(args, valueRowArgs(&r.ValueRow)...)
		args = append(args, r.Key)
	case *domain.ValueRow:
		args = append(args, valueRowArgs(r)...)
	case *domain.IString:
		args = append(args, r.GroupID, r.Language, r.Country, r.Text, int64(r.OwnerTag))
	case *domain.Image:
		args = append(args, r.Name, r.Data, r.Width, r.Height, r.Hash,
			r.Orientation, r.Latitude, r.Longitude, r.CapturedAt, r.BlobKey)
	case *domain.NodeEdge:
		args = append(args, r.ChildID, r.ParentID, int64(r.EdgeType), int16(r.Kind))
	case *domain.CacheEntry:
		args = append(args, int64(r.OwnerTag), r.OwnerHistID, r.CacheKey,
			r.Payload, r.Info, r.LastUsed, r.BlobKey)
	}
	return args
}

func valueRowArgs(r *domain.ValueRow) []any {
	return []any{
		r.OwnerID, int64(r.OwnerTag), int64(r.Slot), int(r.Kind),
		r.Str, r.Int, r.Flt, r.Bool, r.Time, decArg(r.Dec), r.Bin,
		r.Ref, r.BlobKey,
	}
}

func scanRecord(typeTag uint32, row pgx.Row) (domain.Record, error) {
	var (
		rec  domain.Record
		dest []any
		fix  func()
	)
	switch typeTag {
	case domain.TagCI:
		r := &domain.CI{}
		rec = r
		dest = []any{&r.Name, &r.Alias, &r.TypeID, &r.DescriptionRef, &r.ImageRef}
	case domain.TagValue:
		r := &domain.ValueRow{}
		rec = r
		dest, fix = valueRowDest(r)
	case domain.TagKeyValue:
		r := &domain.KeyValuePair{}
		rec = r
		var vfix func()
		dest, vfix = valueRowDest(&r.ValueRow)
		dest = append(dest, &r.Key)
		fix = vfix
	case domain.TagIString:
		r := &domain.IString{}
		rec = r
		dest = []any{&r.GroupID, &r.Language, &r.Country, &r.Text, &r.OwnerTag}
	case domain.TagImage:
		r := &domain.Image{}
		rec = r
		dest = []any{&r.Name, &r.Data, &r.Width, &r.Height, &r.Hash,
			&r.Orientation, &r.Latitude, &r.Longitude, &r.CapturedAt, &r.BlobKey}
	case domain.TagNode:
		r := &domain.NodeEdge{}
		rec = r
		dest = []any{&r.ChildID, &r.ParentID, &r.EdgeType, &r.Kind}
	case domain.TagCache:
		r := &domain.CacheEntry{}
		rec = r
		dest = []any{&r.OwnerTag, &r.OwnerHistID, &r.CacheKey,
			&r.Payload, &r.Info, &r.LastUsed, &r.BlobKey}
	default:
		return nil, fmt.Errorf("unknown record type tag %d: %w", typeTag, domain.ErrIllegalState)
	}

	m := rec.RecordMeta()
	all := append([]any{
		&m.ID, &m.HistID, &m.Version, &m.Status, &m.CreatedAt,
		&m.ModifiedAt, &m.DeletedAt, &m.CreatedBy, &m.ModifiedBy,
		&m.DomainID, &m.LockVersion,
	}, dest...)
	if err := row.Scan(all...); err != nil {
		return nil, err
	}
	if fix != nil {
		fix()
	}
	return rec, nil
}

func valueRowDest(r *domain.ValueRow) ([]any, func()) {
	var dec *string
	dest := []any{
		&r.OwnerID, &r.OwnerTag, &r.Slot, &r.Kind,
		&r.Str, &r.Int, &r.Flt, &r.Bool, &r.Time, &dec, &r.Bin,
		&r.Ref, &r.BlobKey,
	}
	return dest, func() { r.Dec = parseDec(dec) }
}

func (t *pgTx) Get(ctx context.Context, typeTag uint32, id int64) (domain.Record, error) {
	td, err := tableFor(typeTag)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1",
		strings.Join(td.allColumns(), ", "), td.name)
	rec, err := scanRecord(typeTag, t.tx.QueryRow(ctx, sql, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("row %d in %s: %w", id, td.name, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get row %d from %s: %w", id, td.name, err)
	}
	return rec, nil
}

// buildWhere renders the conditions as an AND chain starting at
// placeholder $1 and returns the clause with its arguments.
func buildWhere(conds []Cond) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	var (
		parts []string
		args  []any
	)
	for _, c := range conds {
		if !columnNameOK(c.Field) {
			return "", nil, fmt.Errorf("invalid query field %q: %w", c.Field, domain.ErrIllegalState)
		}
		switch c.Op {
		case OpIsNull:
			parts = append(parts, fmt.Sprintf("%s IS NULL", c.Field))
		case OpNotNull:
			parts = append(parts, fmt.Sprintf("%s IS NOT NULL", c.Field))
		case OpIn:
			args = append(args, c.Value)
			parts = append(parts, fmt.Sprintf("%s = ANY($%d)", c.Field, len(args)))
		case OpPrefix:
			s, _ := c.Value.(string)
			args = append(args, escapeLike(s)+"%")
			parts = append(parts, fmt.Sprintf("%s LIKE $%d", c.Field, len(args)))
		default:
			op, ok := sqlOps[c.Op]
			if !ok {
				return "", nil, fmt.Errorf("unsupported query operator %d: %w", c.Op, domain.ErrIllegalState)
			}
			args = append(args, condValue(c.Value))
			parts = append(parts, fmt.Sprintf("%s %s $%d", c.Field, op, len(args)))
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

var sqlOps = map[Op]string{
	OpEq: "=", OpNe: "<>", OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
}

// condValue normalizes domain enums to plain integers for encoding.
func condValue(v any) any {
	switch x := v.(type) {
	case domain.Status:
		return int(x)
	case domain.FieldKind:
		return int(x)
	case domain.SlotKey:
		return int64(x)
	case domain.ConnKind:
		return int16(x)
	case uint32:
		return int64(x)
	}
	return v
}

func columnNameOK(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func (t *pgTx) query(ctx context.Context, q Query, limitClause string, limitArgs []any) ([]domain.Record, error) {
	td, err := tableFor(q.TypeTag)
	if err != nil {
		return nil, err
	}
	where, args, err := buildWhere(q.Where)
	if err != nil {
		return nil, err
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = "id"
	}
	if !columnNameOK(orderBy) {
		return nil, fmt.Errorf("invalid order column %q: %w", orderBy, domain.ErrIllegalState)
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s %s%s",
		strings.Join(td.allColumns(), ", "), td.name, where, orderBy, dir, limitClause)
	args = append(args, limitArgs...)

	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", td.name, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(q.TypeTag, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", td.name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", td.name, err)
	}
	return out, nil
}

func (t *pgTx) Query(ctx context.Context, q Query) ([]domain.Record, error) {
	return t.query(ctx, q, "", nil)
}

func (t *pgTx) QueryPage(ctx context.Context, q Query, offset, limit int) ([]domain.Record, error) {
	where, _, err := buildWhere(q.Where)
	if err != nil {
		return nil, err
	}
	n := strings.Count(where, "$")
	clause := fmt.Sprintf(" OFFSET $%d LIMIT $%d", n+1, n+2)
	return t.query(ctx, q, clause, []any{offset, limit})
}

func (t *pgTx) Insert(ctx context.Context, rec domain.Record) error {
	td, err := tableFor(rec.TypeTag())
	if err != nil {
		return err
	}
	cols := append(append([]string{}, metaColumns...), td.cols...)
	holders := make([]string, len(cols))
	for i := range holders {
		holders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		td.name, strings.Join(cols, ", "), strings.Join(holders, ", "))

	if err := t.tx.QueryRow(ctx, sql, recordArgs(rec)...).Scan(&rec.RecordMeta().ID); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", td.name, err)
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, rec domain.Record) error {
	td, err := tableFor(rec.TypeTag())
	if err != nil {
		return err
	}
	m := rec.RecordMeta()
	cols := append(append([]string{}, metaColumns...), td.cols...)
	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	args := recordArgs(rec)
	// The lock_version written is current+1; the guard compares against
	// the value the caller read.
	args[9] = m.LockVersion + 1
	args = append(args, m.ID, m.LockVersion)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND lock_version = $%d",
		td.name, strings.Join(sets, ", "), len(args)-1, len(args))

	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s row %d: %w", td.name, m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := t.tx.QueryRow(ctx,
			fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", td.name),
			m.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check %s row %d: %w", td.name, m.ID, err)
		}
		if !exists {
			return fmt.Errorf("row %d in %s: %w", m.ID, td.name, domain.ErrNotFound)
		}
		return fmt.Errorf("row %d in %s: %w", m.ID, td.name, ErrStaleRow)
	}
	m.LockVersion++
	return nil
}

func (t *pgTx) DeleteRow(ctx context.Context, typeTag uint32, id int64) (bool, error) {
	td, err := tableFor(typeTag)
	if err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", td.name), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete row %d from %s: %w", id, td.name, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeleteWhere(ctx context.Context, q Query) (int64, error) {
	td, err := tableFor(q.TypeTag)
	if err != nil {
		return 0, err
	}
	where, args, err := buildWhere(q.Where)
	if err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s%s", td.name, where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", td.name, err)
	}
	return tag.RowsAffected(), nil
}

// Detach is a no-op: the Postgres Tx does not track loaded records, so
// dropping a payload is purely the caller's concern.
func (t *pgTx) Detach(rec domain.Record) {}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}
