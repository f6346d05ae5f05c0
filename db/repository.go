package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Generation statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// LoadEvent is one row of load_events.
type LoadEvent struct {
	ID       int64
	Source   string
	Family   string
	Device   string
	Success  bool
	Repaired []string
	Detail   string
	Duration time.Duration
	At       time.Time
}

// GenerationEvent is one row of generation_events.
type GenerationEvent struct {
	ID             int64
	RequestID      string
	Source         string
	Family         string
	Device         string
	Prompt         string
	NegativePrompt string
	Steps          int
	GuidanceScale  float64
	Seed           int64
	Width          int
	Height         int
	Status         string
	ErrorCode      string
	ErrorMessage   string
	Duration       time.Duration
	At             time.Time
}

// Stats summarizes the history tables.
type Stats struct {
	Loads             int64
	FailedLoads       int64
	Generations       int64
	FailedGenerations int64
}

// Repository reads and writes history rows. With a started AsyncWriter,
// inserts are queued and applied in the background.
type Repository struct {
	db     *Database
	writer *AsyncWriter
}

// NewRepository creates a Repository. writer may be nil for synchronous inserts.
func NewRepository(db *Database, writer *AsyncWriter) *Repository {
	return &Repository{db: db, writer: writer}
}

type insertOp struct {
	query string
	args  []any
}

const insertLoad = `
	INSERT INTO load_events (source, family, device, success, repaired, detail, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const insertGeneration = `
	INSERT INTO generation_events (
		request_id, source, family, device, prompt, negative_prompt,
		steps, guidance_scale, seed, width, height,
		status, error_code, error_message, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func stamp(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// RecordLoad stores a load attempt.
func (r *Repository) RecordLoad(ctx context.Context, e LoadEvent) error {
	return r.insert(ctx, insertOp{query: insertLoad, args: []any{
		e.Source, e.Family, e.Device, boolInt(e.Success),
		strings.Join(e.Repaired, ","), e.Detail,
		e.Duration.Milliseconds(), stamp(e.At),
	}})
}

// RecordGeneration stores a generation attempt.
func (r *Repository) RecordGeneration(ctx context.Context, e GenerationEvent) error {
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	return r.insert(ctx, insertOp{query: insertGeneration, args: []any{
		e.RequestID, e.Source, e.Family, e.Device, e.Prompt, e.NegativePrompt,
		e.Steps, e.GuidanceScale, e.Seed, e.Width, e.Height,
		e.Status, e.ErrorCode, e.ErrorMessage, e.Duration.Milliseconds(), stamp(e.At),
	}})
}

func (r *Repository) insert(ctx context.Context, op insertOp) error {
	if r.writer != nil && r.writer.Started() && r.writer.Write(op) {
		return nil
	}
	if _, err := r.db.exec(ctx, op.query, op.args...); err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}
	return nil
}

// WriteHandler applies operations queued by this repository.
func (r *Repository) WriteHandler() WriteHandler {
	return func(op WriteOperation) error {
		ins, ok := op.Data.(insertOp)
		if !ok {
			return fmt.Errorf("unexpected write operation %T", op.Data)
		}
		_, err := r.db.exec(context.Background(), ins.query, ins.args...)
		return err
	}
}

// RecentLoads returns up to limit load events, newest first.
func (r *Repository) RecentLoads(ctx context.Context, limit int) ([]LoadEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.query(ctx, `
		SELECT id, source, family, device, success, repaired, detail, duration_ms, created_at
		FROM load_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query load events: %w", err)
	}
	defer rows.Close()

	var out []LoadEvent
	for rows.Next() {
		var (
			e                  LoadEvent
			success            int
			repaired           string
			durationMS, atUnix int64
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Family, &e.Device, &success, &repaired, &e.Detail, &durationMS, &atUnix); err != nil {
			return nil, fmt.Errorf("failed to scan load event: %w", err)
		}
		e.Success = success != 0
		if repaired != "" {
			e.Repaired = strings.Split(repaired, ",")
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.At = time.UnixMilli(atUnix)
		out = append(out, e)
	}
	return out, rows.Err()
}

const generationColumns = `
	id, request_id, source, family, device, prompt, negative_prompt,
	steps, guidance_scale, seed, width, height,
	status, error_code, error_message, duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(s scanner) (GenerationEvent, error) {
	var (
		e                  GenerationEvent
		durationMS, atUnix int64
	)
	err := s.Scan(&e.ID, &e.RequestID, &e.Source, &e.Family, &e.Device, &e.Prompt, &e.NegativePrompt,
		&e.Steps, &e.GuidanceScale, &e.Seed, &e.Width, &e.Height,
		&e.Status, &e.ErrorCode, &e.ErrorMessage, &durationMS, &atUnix)
	if err != nil {
		return e, err
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	e.At = time.UnixMilli(atUnix)
	return e, nil
}

// RecentGenerations returns up to limit generation events, newest first.
func (r *Repository) RecentGenerations(ctx context.Context, limit int) ([]GenerationEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.query(ctx, `SELECT `+generationColumns+`
		FROM generation_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation events: %w", err)
	}
	defer rows.Close()

	var out []GenerationEvent
	for rows.Next() {
		e, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GenerationByRequestID returns the events recorded for one request.
func (r *Repository) GenerationByRequestID(ctx context.Context, requestID string) ([]GenerationEvent, error) {
	rows, err := r.db.query(ctx, `SELECT `+generationColumns+`
		FROM generation_events
		WHERE request_id = ?
		ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation events: %w", err)
	}
	defer rows.Close()

	var out []GenerationEvent
	for rows.Next() {
		e, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats counts rows by outcome.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.queryRow(ctx, []any{&s.Loads, &s.FailedLoads}, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0) FROM load_events`)
	if err != nil {
		return s, fmt.Errorf("failed to count load events: %w", err)
	}
	err = r.db.queryRow(ctx, []any{&s.Generations, &s.FailedGenerations}, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status != ? THEN 1 ELSE 0 END), 0) FROM generation_events`, StatusSuccess)
	if err != nil {
		return s, fmt.Errorf("failed to count generation events: %w", err)
	}
	return s, nil
}
