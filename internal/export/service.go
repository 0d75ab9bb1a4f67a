// Package export writes a tenant domain's records, including their
// version history, to xlsx workbooks. Exports run as background jobs
// that page through the DAO and detach binary payloads after each page
// so a large domain never has to fit in memory.
package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/treedb/internal/domain"
	"github.com/rpattn/treedb/internal/repository"
)

var errJobNotRunnable = errors.New("export job is no longer runnable")

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the tracked state of one export run.
type Job struct {
	ID           uuid.UUID
	DomainID     int64
	TypeTags     []uint32
	WithHistory  bool
	Status       JobStatus
	RowsExported int
	FilePath     string
	Error        string
	CreatedAt    time.Time
	FinishedAt   *time.Time
}

// Request names what to export. Empty TypeTags means every record type.
type Request struct {
	DomainID    int64
	TypeTags    []uint32
	WithHistory bool
}

type Service struct {
	dao repository.DAO

	exportDir  string
	pageSize   int
	jobTimeout time.Duration
	now        func() time.Time

	mu            sync.Mutex
	jobs          map[uuid.UUID]*Job
	workerCancels map[uuid.UUID]context.CancelFunc
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.jobTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(dao repository.DAO, opts ...Option) *Service {
	s := &Service{
		dao:           dao,
		exportDir:     filepath.Join(os.TempDir(), "treedb-exports"),
		pageSize:      1000,
		jobTimeout:    30 * time.Minute,
		now:           time.Now,
		jobs:          make(map[uuid.UUID]*Job),
		workerCancels: make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// allTags is the export order of the record families.
var allTags = []uint32{
	domain.TagCI,
	domain.TagValue,
	domain.TagIString,
	domain.TagImage,
	domain.TagNode,
	domain.TagKeyValue,
}

// Queue registers an export job and starts its worker.
func (s *Service) Queue(req Request) (*Job, error) {
	tags := req.TypeTags
	if len(tags) == 0 {
		tags = allTags
	}
	job := &Job{
		ID:          uuid.New(),
		DomainID:    req.DomainID,
		TypeTags:    tags,
		WithHistory: req.WithHistory,
		Status:      JobPending,
		CreatedAt:   s.now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.launchWorker(job)
	return s.snapshot(job.ID), nil
}

// Run performs the export synchronously and returns the written path.
func (s *Service) Run(ctx context.Context, req Request) (string, int, error) {
	tags := req.TypeTags
	if len(tags) == 0 {
		tags = allTags
	}
	job := &Job{
		ID:          uuid.New(),
		DomainID:    req.DomainID,
		TypeTags:    tags,
		WithHistory: req.WithHistory,
		Status:      JobRunning,
		CreatedAt:   s.now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	if err := s.run(ctx, job.ID); err != nil {
		return "", 0, err
	}
	done := s.snapshot(job.ID)
	return done.FilePath, done.RowsExported, nil
}

// GetJob returns a copy of the job state.
func (s *Service) GetJob(id uuid.UUID) (*Job, error) {
	job := s.snapshot(id)
	if job == nil {
		return nil, fmt.Errorf("export job %s: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

// CancelJob stops a pending or running job.
func (s *Service) CancelJob(id uuid.UUID) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("export job %s: %w", id, domain.ErrNotFound)
	}
	if job.Status != JobPending && job.Status != JobRunning {
		s.mu.Unlock()
		return fmt.Errorf("export job %s in status %s cannot be cancelled: %w",
			id, job.Status, domain.ErrIllegalState)
	}
	cancel := s.workerCancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Service) snapshot(id uuid.UUID) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	cp := *job
	return &cp
}

func (s *Service) launchWorker(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	s.mu.Lock()
	s.workerCancels[job.ID] = cancel
	s.mu.Unlock()
	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.workerCancels, job.ID)
			s.mu.Unlock()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[export] panic while processing job %s: %v", job.ID, rec)
				s.finishJob(job.ID, JobFailed, fmt.Errorf("panic: %v", rec))
			}
		}()
		if err := s.run(ctx, job.ID); err != nil {
			switch {
			case errors.Is(err, context.Canceled):
				log.Printf("[export] job %s cancelled", job.ID)
				s.finishJob(job.ID, JobCancelled, nil)
			case errors.Is(err, errJobNotRunnable):
				log.Printf("[export] job %s not runnable, skipping", job.ID)
			default:
				log.Printf("[export] job %s failed: %v", job.ID, err)
				s.finishJob(job.ID, JobFailed, err)
			}
		}
	}()
}

func (s *Service) finishJob(id uuid.UUID, status JobStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	job.Status = status
	if err != nil {
		job.Error = err.Error()
	}
	t := s.now()
	job.FinishedAt = &t
}

func (s *Service) run(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || (job.Status != JobPending && job.Status != JobRunning) {
		s.mu.Unlock()
		return errJobNotRunnable
	}
	job.Status = JobRunning
	snapshot := *job
	s.mu.Unlock()

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	rowsExported := 0
	for _, tag := range snapshot.TypeTags {
		n, err := s.exportSheet(ctx, f, snapshot.DomainID, tag, snapshot.WithHistory)
		if err != nil {
			return err
		}
		rowsExported += n
	}
	_ = f.DeleteSheet("Sheet1")

	finalPath := filepath.Join(s.exportDir,
		fmt.Sprintf("domain-%d-%s.xlsx", snapshot.DomainID, snapshot.ID))
	if err := f.SaveAs(finalPath); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	s.mu.Lock()
	job.Status = JobCompleted
	job.RowsExported = rowsExported
	job.FilePath = finalPath
	t := s.now()
	job.FinishedAt = &t
	s.mu.Unlock()
	log.Printf("[export] job %s completed (rows=%d path=%s)", snapshot.ID, rowsExported, finalPath)
	return nil
}

func (s *Service) exportSheet(ctx context.Context, f *excelize.File, domainID int64, tag uint32, withHistory bool) (int, error) {
	name := sheetName(tag)
	if _, err := f.NewSheet(name); err != nil {
		return 0, fmt.Errorf("failed to create sheet %s: %w", name, err)
	}
	sw, err := f.NewStreamWriter(name)
	if err != nil {
		return 0, fmt.Errorf("failed to open stream writer for %s: %w", name, err)
	}

	headers := headerRow(tag)
	cells := make([]interface{}, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	if err := sw.SetRow("A1", cells); err != nil {
		return 0, fmt.Errorf("failed to write header row: %w", err)
	}

	where := []repository.Cond{repository.Eq("domain_id", domainID)}
	if !withHistory {
		where = append(where, repository.Eq("status", domain.StatusActive))
	}
	q := repository.Query{TypeTag: tag, Where: where, OrderBy: "hist_id"}

	rowsExported := 0
	sheetRow := 2
	offset := 0
	for {
		if ctx.Err() != nil {
			return rowsExported, ctx.Err()
		}
		var page []domain.Record
		err := repository.RunInTx(ctx, s.dao, nil, func(tx repository.Tx) error {
			var qErr error
			page, qErr = tx.QueryPage(ctx, q, offset, s.pageSize)
			return qErr
		})
		if err != nil {
			return rowsExported, fmt.Errorf("failed to page records for sheet %s: %w", name, err)
		}
		for _, rec := range page {
			cell, _ := excelize.CoordinatesToCellName(1, sheetRow)
			if err := sw.SetRow(cell, recordRow(rec)); err != nil {
				return rowsExported, fmt.Errorf("failed to write record row: %w", err)
			}
			if d, ok := rec.(interface{ Detach() }); ok {
				d.Detach()
			}
			rowsExported++
			sheetRow++
		}
		if len(page) < s.pageSize {
			break
		}
		offset += s.pageSize
	}

	if err := sw.Flush(); err != nil {
		return rowsExported, fmt.Errorf("failed to flush sheet %s: %w", name, err)
	}
	return rowsExported, nil
}

func sheetName(tag uint32) string {
	switch tag {
	case domain.TagCI:
		return "Records"
	case domain.TagValue:
		return "Values"
	case domain.TagIString:
		return "Strings"
	case domain.TagImage:
		return "Images"
	case domain.TagNode:
		return "Edges"
	case domain.TagCache:
		return "Cache"
	case domain.TagKeyValue:
		return "KeyValues"
	}
	return fmt.Sprintf("Type%d", tag)
}

var metaHeaders = []string{
	"id", "hist_id", "version", "status",
	"created_at", "modified_at", "deleted_at",
	"created_by", "modified_by", "domain_id",
}

func headerRow(tag uint32) []string {
	switch tag {
	case domain.TagCI:
		return append(append([]string{}, metaHeaders...),
			"name", "alias", "type_id", "description_ref", "image_ref")
	case domain.TagValue:
		return append(append([]string{}, metaHeaders...),
			"owner_id", "owner_tag", "slot", "kind", "payload", "ref")
	case domain.TagIString:
		return append(append([]string{}, metaHeaders...),
			"group_id", "language", "country", "text")
	case domain.TagImage:
		return append(append([]string{}, metaHeaders...),
			"name", "width", "height", "hash", "bytes")
	case domain.TagNode:
		return append(append([]string{}, metaHeaders...),
			"child_id", "parent_id", "edge_type", "conn_kind")
	case domain.TagKeyValue:
		return append(append([]string{}, metaHeaders...),
			"key", "kind", "payload")
	}
	return metaHeaders
}

func metaRow(m domain.Meta) []interface{} {
	deleted := ""
	if m.DeletedAt != nil {
		deleted = m.DeletedAt.Format(time.RFC3339)
	}
	return []interface{}{
		m.ID, m.HistID, m.Version, m.Status.String(),
		m.CreatedAt.Format(time.RFC3339), m.ModifiedAt.Format(time.RFC3339), deleted,
		m.CreatedBy, m.ModifiedBy, m.DomainID,
	}
}

func recordRow(rec domain.Record) []interface{} {
	row := metaRow(*rec.RecordMeta())
	switch r := rec.(type) {
	case *domain.CI:
		row = append(row, r.Name, r.Alias, r.TypeID, r.DescriptionRef, r.ImageRef)
	case *domain.KeyValuePair:
		row = append(row, r.Key, r.Kind.String(), formatPayload(&r.ValueRow))
	case *domain.ValueRow:
		row = append(row, r.OwnerID, r.OwnerTag, int64(r.Slot), r.Kind.String(),
			formatPayload(r), r.Ref)
	case *domain.IString:
		row = append(row, r.GroupID, r.Language, r.Country, r.Text)
	case *domain.Image:
		row = append(row, r.Name, r.Width, r.Height, r.Hash, len(r.Data))
	case *domain.NodeEdge:
		row = append(row, r.ChildID, r.ParentID, r.EdgeType, int(r.Kind))
	}
	return row
}

func formatPayload(v *domain.ValueRow) string {
	p := v.Payload()
	switch v.Kind {
	case domain.KindString:
		return p.Str
	case domain.KindInt, domain.KindLong, domain.KindEnum:
		return fmt.Sprintf("%d", p.Int)
	case domain.KindFloat, domain.KindDouble:
		return fmt.Sprintf("%g", p.Flt)
	case domain.KindBoolean:
		return fmt.Sprintf("%t", p.Bool)
	case domain.KindDate:
		return p.Time.Format(time.RFC3339)
	case domain.KindBigDecimal:
		if p.Dec != nil {
			return p.Dec.RatString()
		}
		return ""
	case domain.KindBinary, domain.KindLazyBinary:
		return fmt.Sprintf("<%d bytes>", len(p.Bin))
	}
	return ""
}
