package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lysyi3m/threat-comb/app/feed"
)

// sqliteSourceRepository handles database operations for feed sources
type sqliteSourceRepository struct {
	db *DB
}

func NewSourceRepository(db *DB) SourceRepository {
	return &sqliteSourceRepository{db: db}
}

const sourceColumns = `id, name, kind, endpoint, format, auth, schedule, enabled, status, category, priority,
	merge_policy, timeout, reliability_score, total_items, new_items, false_positives, successful_runs,
	failed_runs, consecutive_failures, last_run_at, next_run_at, last_run_duration, last_error,
	created_at, updated_at`

// UpsertSource inserts a source or updates its definition fields
func (r *sqliteSourceRepository) UpsertSource(ctx context.Context, src *feed.Source) (bool, error) {
	now := formatTime(r.db.clock.Now())

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (id, name, kind, endpoint, format, auth, schedule, enabled, status, category,
			priority, merge_policy, timeout, reliability_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, src.ID, src.Name, src.Kind, src.Endpoint, src.Format, src.Auth, src.Schedule, boolToInt(src.Enabled),
		src.Status, src.Category, src.Priority, src.MergePolicy, src.Timeout, src.ReliabilityScore, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE sources
		SET name = ?, kind = ?, endpoint = ?, format = ?, auth = ?, schedule = ?, enabled = ?,
			category = ?, priority = ?, merge_policy = ?, timeout = ?, updated_at = ?
		WHERE id = ?
	`, src.Name, src.Kind, src.Endpoint, src.Format, src.Auth, src.Schedule, boolToInt(src.Enabled),
		src.Category, src.Priority, src.MergePolicy, src.Timeout, now, src.ID)
	if err != nil {
		return false, fmt.Errorf("failed to update source: %w", err)
	}

	return false, nil
}

// GetSource retrieves a source by its ID
func (r *sqliteSourceRepository) GetSource(ctx context.Context, id string) (*feed.Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, feed.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

// ListSources returns sources ordered by ID, optionally restricted to a kind
func (r *sqliteSourceRepository) ListSources(ctx context.Context, kind feed.SourceKind) ([]feed.Source, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sourceColumns+`
		FROM sources
		WHERE ? = '' OR kind = ?
		ORDER BY id
	`, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []feed.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, *src)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source rows: %w", err)
	}

	return sources, nil
}

func (r *sqliteSourceRepository) DeleteSource(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, feed.ErrNotFound)
	}
	return nil
}

// UpdateSourceState persists the runtime state of a source after a run,
// a status change or a score override
func (r *sqliteSourceRepository) UpdateSourceState(ctx context.Context, src *feed.Source) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sources
		SET status = ?, reliability_score = ?, total_items = ?, new_items = ?, false_positives = ?,
			successful_runs = ?, failed_runs = ?, consecutive_failures = ?, last_run_at = ?,
			next_run_at = ?, last_run_duration = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, src.Status, src.ReliabilityScore, src.TotalItems, src.NewItems, src.FalsePositives,
		src.SuccessfulRuns, src.FailedRuns, src.ConsecutiveFailures, formatTimePtr(src.LastRunAt),
		formatTimePtr(src.NextRunAt), int64(src.LastRunDuration), src.LastError,
		formatTime(r.db.clock.Now()), src.ID)
	if err != nil {
		return fmt.Errorf("failed to update source state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", src.ID, feed.ErrNotFound)
	}
	return nil
}

// GetSourceCount returns the total number of sources
func (r *sqliteSourceRepository) GetSourceCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sources").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get source count: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*feed.Source, error) {
	var (
		src                  feed.Source
		enabled              int
		duration             int64
		lastRun, nextRun     sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&src.ID, &src.Name, &src.Kind, &src.Endpoint, &src.Format, &src.Auth, &src.Schedule, &enabled,
		&src.Status, &src.Category, &src.Priority, &src.MergePolicy, &src.Timeout, &src.ReliabilityScore,
		&src.TotalItems, &src.NewItems, &src.FalsePositives, &src.SuccessfulRuns, &src.FailedRuns,
		&src.ConsecutiveFailures, &lastRun, &nextRun, &duration, &src.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	src.Enabled = enabled == 1
	src.LastRunDuration = time.Duration(duration)
	if src.LastRunAt, err = parseTimePtr(lastRun); err != nil {
		return nil, err
	}
	if src.NextRunAt, err = parseTimePtr(nextRun); err != nil {
		return nil, err
	}
	if src.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if src.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &src, nil
}
