package db

import (
	"context"
	"fmt"
	"time"
)

// CleanupResult reports rows removed by Cleanup.
type CleanupResult struct {
	LoadEventsDeleted       int64
	GenerationEventsDeleted int64
	Duration                time.Duration
}

// Total returns the number of rows removed.
func (r CleanupResult) Total() int64 {
	return r.LoadEventsDeleted + r.GenerationEventsDeleted
}

// Cleanup deletes history older than retention in one transaction and
// then runs VACUUM. A VACUUM failure is returned with the counts intact.
func (d *Database) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	start := time.Now()
	var result CleanupResult
	if retention < 0 {
		return result, fmt.Errorf("retention must be non-negative, got %s", retention)
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return result, ErrClosed
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tables := []struct {
		name  string
		count *int64
	}{
		{"load_events", &result.LoadEventsDeleted},
		{"generation_events", &result.GenerationEventsDeleted},
	}
	for _, table := range tables {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table.name+" WHERE created_at < ?", cutoff)
		if err != nil {
			return result, fmt.Errorf("failed to delete from %s: %w", table.name, err)
		}
		if *table.count, err = res.RowsAffected(); err != nil {
			return result, fmt.Errorf("failed to count deleted rows in %s: %w", table.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
		result.Duration = time.Since(start)
		return result, fmt.Errorf("cleanup succeeded but VACUUM failed: %w", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}
