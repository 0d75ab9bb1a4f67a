// Package ingest bulk-loads records from tabular files. A CSV or xlsx
// upload becomes one record per row: the reserved columns fill the
// record itself, every other column becomes a typed value container in
// a slot derived from its position. Column kinds are profiled from the
// data and can be overridden per column.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/histo"
	"github.com/rpattn/treedb/internal/repository"
	"github.com/rpattn/treedb/internal/value"
)

// ErrUnsupportedFormat is returned when an uploaded file is not supported.
var ErrUnsupportedFormat = errors.New("unsupported file format")

var (
	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	timeLayouts = []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02",
		"2006-01-02 15:04:05",
		"2006/01/02",
		"01/02/2006",
		"02/01/2006",
	}
)

// Reserved column names that fill the record instead of a value slot.
const (
	colName   = "name"
	colAlias  = "alias"
	colTypeID = "type_id"
)

// Service loads tabular data into records and value containers.
type Service struct {
	dao    repository.DAO
	engine *histo.Engine
	family *value.Family
}

func NewService(dao repository.DAO, engine *histo.Engine) *Service {
	return &Service{
		dao:    dao,
		engine: engine,
		family: value.NewFamily(engine, dao),
	}
}

// Request describes the ingest input.
type Request struct {
	DomainID       int64
	Actor          int64
	FileName       string
	HeaderRowIndex *int
	// ColumnKinds overrides the profiled kind per sanitized column name.
	ColumnKinds map[string]domain.FieldKind
	Data        io.Reader
}

// Column describes one ingested column.
type Column struct {
	Name     string
	Label    string
	Kind     domain.FieldKind
	Slot     domain.SlotKey
	Reserved bool
}

// RowError records why a row was skipped.
type RowError struct {
	Row int
	Err string
}

// Summary reports the outcome of one ingest run.
type Summary struct {
	TotalRows   int
	ValidRows   int
	InvalidRows int
	Columns     []Column
	RowErrors   []RowError
}

type tableData struct {
	headers        []string
	rawHeaders     []string
	rows           [][]string
	headerRowIndex int
}

// Ingest reads the upload and persists one record per valid row. Each
// row runs in its own transaction, so a bad row never rolls back its
// predecessors; it is counted and reported instead.
func (s *Service) Ingest(ctx context.Context, req Request) (Summary, error) {
	var summary Summary

	if req.DomainID == 0 {
		return summary, errors.New("domain id is required")
	}
	if req.Data == nil {
		return summary, errors.New("data reader is required")
	}

	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return summary, errors.New("file is empty")
	}

	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, err
	}
	if len(table.headers) == 0 {
		return summary, errors.New("no header row detected")
	}

	columns := profileColumns(table, req.ColumnKinds)
	if !hasColumn(columns, colName) {
		return summary, fmt.Errorf("required column %q missing", colName)
	}
	summary.Columns = columns
	summary.TotalRows = len(table.rows)

	for rowIdx, row := range table.rows {
		rowNumber := table.headerRowIndex + rowIdx + 2
		if err := s.ingestRow(ctx, req, columns, row); err != nil {
			summary.InvalidRows++
			summary.RowErrors = append(summary.RowErrors, RowError{Row: rowNumber, Err: err.Error()})
			log.Printf("[ingest] row %d skipped: %v", rowNumber, err)
			continue
		}
		summary.ValidRows++
	}

	log.Printf("[ingest] domain %d: %d rows loaded, %d skipped (file %s)",
		req.DomainID, summary.ValidRows, summary.InvalidRows, req.FileName)
	return summary, nil
}

func (s *Service) ingestRow(ctx context.Context, req Request, columns []Column, row []string) error {
	ci := &domain.CI{Meta: domain.Meta{DomainID: req.DomainID}}

	type pending struct {
		col Column
		val domain.Value
	}
	var values []pending

	for idx, col := range columns {
		if idx >= len(row) {
			break
		}
		raw := strings.TrimSpace(row[idx])
		if raw == "" {
			continue
		}
		if col.Reserved {
			switch col.Name {
			case colName:
				ci.Name = raw
			case colAlias:
				ci.Alias = raw
			case colTypeID:
				id, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					return fmt.Errorf("column %s: %q is not an id", col.Name, raw)
				}
				ci.TypeID = id
			}
			continue
		}
		val, err := coerce(col.Kind, raw)
		if err != nil {
			return fmt.Errorf("column %s: %w", col.Name, err)
		}
		values = append(values, pending{col: col, val: val})
	}

	if ci.Name == "" {
		return errors.New("name cell is empty")
	}

	return repository.RunInTx(ctx, s.dao, nil, func(tx repository.Tx) error {
		if err := s.engine.Create(ctx, tx, req.Actor, ci); err != nil {
			return err
		}
		for _, p := range values {
			if err := s.putValue(ctx, tx, req.Actor, req.DomainID, ci.HistID, p.col, p.val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) putValue(ctx context.Context, tx repository.Tx, actor, domainID, ownerHistID int64, col Column, val domain.Value) error {
	switch col.Kind {
	case domain.KindString:
		_, err := value.CreateOrUpdate(ctx, s.family, tx, actor, domainID, ownerHistID, domain.TagCI, col.Slot, value.StringCodec, val.Str)
		return err
	case domain.KindLong:
		_, err := value.CreateOrUpdate(ctx, s.family, tx, actor, domainID, ownerHistID, domain.TagCI, col.Slot, value.LongCodec, val.Int)
		return err
	case domain.KindDouble:
		_, err := value.CreateOrUpdate(ctx, s.family, tx, actor, domainID, ownerHistID, domain.TagCI, col.Slot, value.DoubleCodec, val.Flt)
		return err
	case domain.KindBoolean:
		_, err := value.CreateOrUpdate(ctx, s.family, tx, actor, domainID, ownerHistID, domain.TagCI, col.Slot, value.BoolCodec, val.Bool)
		return err
	case domain.KindDate:
		_, err := value.CreateOrUpdate(ctx, s.family, tx, actor, domainID, ownerHistID, domain.TagCI, col.Slot, value.DateCodec, val.Time)
		return err
	}
	return fmt.Errorf("column %s: kind %s not ingestable: %w", col.Name, col.Kind, domain.ErrKindMismatch)
}

// Preview profiles the upload without persisting anything: detected
// columns, row counts and the errors a real run would report.
func (s *Service) Preview(ctx context.Context, req Request, limit int) (Summary, [][]string, error) {
	var summary Summary

	if req.Data == nil {
		return summary, nil, errors.New("data reader is required")
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return summary, nil, fmt.Errorf("failed to read upload: %w", err)
	}
	table, err := parseTable(req.FileName, payload, req.HeaderRowIndex)
	if err != nil {
		return summary, nil, err
	}
	if len(table.headers) == 0 {
		return summary, nil, errors.New("no header row detected")
	}

	columns := profileColumns(table, req.ColumnKinds)
	summary.Columns = columns
	summary.TotalRows = len(table.rows)

	for rowIdx, row := range table.rows {
		rowNumber := table.headerRowIndex + rowIdx + 2
		if err := checkRow(columns, row); err != nil {
			summary.InvalidRows++
			summary.RowErrors = append(summary.RowErrors, RowError{Row: rowNumber, Err: err.Error()})
			continue
		}
		summary.ValidRows++
	}

	if limit <= 0 {
		limit = 10
	}
	sample := table.rows
	if len(sample) > limit {
		sample = sample[:limit]
	}
	return summary, sample, nil
}

func checkRow(columns []Column, row []string) error {
	name := ""
	for idx, col := range columns {
		if idx >= len(row) {
			break
		}
		raw := strings.TrimSpace(row[idx])
		if raw == "" {
			continue
		}
		if col.Reserved {
			if col.Name == colName {
				name = raw
			}
			if col.Name == colTypeID {
				if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
					return fmt.Errorf("column %s: %q is not an id", col.Name, raw)
				}
			}
			continue
		}
		if _, err := coerce(col.Kind, raw); err != nil {
			return fmt.Errorf("column %s: %w", col.Name, err)
		}
	}
	if name == "" {
		return errors.New("name cell is empty")
	}
	return nil
}

func parseTable(fileName string, payload []byte, headerRowIndex *int) (tableData, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return parseCSV(payload, headerRowIndex)
	case ".xlsx":
		return parseExcel(payload, headerRowIndex)
	default:
		return tableData{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

func parseCSV(payload []byte, headerRowIndex *int) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records, headerRowIndex)
}

func parseExcel(payload []byte, headerRowIndex *int) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows, headerRowIndex)
}

func normalizeTable(records [][]string, headerRowIndex *int) (tableData, error) {
	if len(records) == 0 {
		return tableData{}, errors.New("no rows found in file")
	}

	var headerRow []string
	var dataRows [][]string
	headerIndex := -1

	if headerRowIndex != nil {
		if *headerRowIndex < 0 || *headerRowIndex >= len(records) {
			return tableData{}, fmt.Errorf("header row index %d out of range", *headerRowIndex)
		}
		if len(cleanRow(records[*headerRowIndex])) == 0 {
			return tableData{}, fmt.Errorf("selected header row %d is empty", *headerRowIndex+1)
		}
		headerRow = records[*headerRowIndex]
		headerIndex = *headerRowIndex
		dataRows = append(dataRows, records[*headerRowIndex+1:]...)
	} else {
		for idx, row := range records {
			if len(cleanRow(row)) == 0 {
				continue
			}
			if headerRow == nil {
				headerRow = row
				headerIndex = idx
				continue
			}
			dataRows = append(dataRows, row)
		}
	}

	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	rawHeaders := make([]string, len(headerRow))
	for i, v := range headerRow {
		rawHeaders[i] = strings.TrimSpace(v)
	}

	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}
	dataRows = filterEmptyRows(dataRows)

	return tableData{
		headers:        headers,
		rawHeaders:     rawHeaders,
		rows:           dataRows,
		headerRowIndex: headerIndex,
	}, nil
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, v := range raw {
		name := strings.ToLower(strings.TrimSpace(v))
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, ".", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1
		headers[idx] = name
	}
	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func filterEmptyRows(rows [][]string) [][]string {
	var filtered [][]string
	for _, row := range rows {
		if len(cleanRow(row)) > 0 {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

func hasColumn(columns []Column, name string) bool {
	for _, c := range columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// profileColumns derives each column's kind from its cells. Reserved
// columns map to record fields; the others get a value slot numbered by
// column position, stable across re-ingests of the same layout.
func profileColumns(table tableData, overrides map[string]domain.FieldKind) []Column {
	columns := make([]Column, 0, len(table.headers))
	slotIndex := uint32(0)
	for idx, header := range table.headers {
		col := Column{Name: header}
		if idx < len(table.rawHeaders) {
			col.Label = table.rawHeaders[idx]
		}
		switch header {
		case colName, colAlias, colTypeID:
			col.Reserved = true
		default:
			col.Kind = profileColumn(idx, table.rows)
			if override, ok := overrides[header]; ok {
				col.Kind = override
			}
			slotIndex++
			col.Slot = domain.MakeSlot(domain.TagCI, slotIndex)
		}
		columns = append(columns, col)
	}
	return columns
}

func profileColumn(col int, rows [][]string) domain.FieldKind {
	isBool := true
	isLong := true
	isDouble := true
	isDate := true
	hasValue := false

	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[col])
		if v == "" {
			continue
		}
		hasValue = true
		if !looksLikeBool(v) {
			isBool = false
		}
		if !looksLikeLong(v) {
			isLong = false
		}
		if !looksLikeDouble(v) {
			isDouble = false
		}
		if !looksLikeDate(v) {
			isDate = false
		}
	}

	switch {
	case isBool && hasValue:
		return domain.KindBoolean
	case isLong && hasValue:
		return domain.KindLong
	case isDouble && hasValue:
		return domain.KindDouble
	case isDate && hasValue:
		return domain.KindDate
	default:
		return domain.KindString
	}
}

func looksLikeBool(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false", "yes", "no", "1", "0":
		return true
	}
	_, err := strconv.ParseBool(v)
	return err == nil
}

func looksLikeLong(v string) bool {
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return true
	}
	// Float representations that convert losslessly still count.
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return math.Mod(f, 1) == 0
	}
	return false
}

func looksLikeDouble(v string) bool {
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

func looksLikeDate(v string) bool {
	_, err := parseTimestamp(v)
	return err == nil
}

func coerce(kind domain.FieldKind, raw string) (domain.Value, error) {
	switch kind {
	case domain.KindString:
		return domain.StringValue(raw), nil
	case domain.KindLong:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return domain.LongValue(i), nil
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil && math.Mod(f, 1) == 0 {
			return domain.LongValue(int64(f)), nil
		}
		return domain.Value{}, fmt.Errorf("unable to coerce %q to long", raw)
	case domain.KindDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("unable to coerce %q to double", raw)
		}
		return domain.DoubleValue(f), nil
	case domain.KindBoolean:
		switch strings.ToLower(raw) {
		case "1", "yes", "y":
			return domain.BoolValue(true), nil
		case "0", "no", "n":
			return domain.BoolValue(false), nil
		}
		b, err := strconv.ParseBool(strings.ToLower(raw))
		if err != nil {
			return domain.Value{}, fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return domain.BoolValue(b), nil
	case domain.KindDate:
		ts, err := parseTimestamp(raw)
		if err != nil {
			return domain.Value{}, fmt.Errorf("unable to coerce %q to date: %w", raw, err)
		}
		return domain.DateValue(ts), nil
	}
	return domain.Value{}, fmt.Errorf("kind %s: %w", kind, domain.ErrKindMismatch)
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.New("unrecognized timestamp format")
}
