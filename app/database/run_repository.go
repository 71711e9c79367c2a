package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lysyi3m/threat-comb/app/feed"
)

type sqliteRunRepository struct {
	db *DB
}

func NewRunRepository(db *DB) RunRepository {
	return &sqliteRunRepository{db: db}
}

// AppendRun records a finished schedule run
func (r *sqliteRunRepository) AppendRun(ctx context.Context, run *feed.ScheduleRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedule_runs (id, schedule_id, start_time, end_time, status, retry_count, error,
			items, new_items, duplicates)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ScheduleID, formatTime(run.StartTime), formatTimePtr(run.EndTime), run.Status,
		run.RetryCount, run.Error, run.Items, run.NewItems, run.Duplicates)
	if err != nil {
		return fmt.Errorf("failed to append schedule run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first, optionally for one schedule
func (r *sqliteRunRepository) ListRuns(ctx context.Context, scheduleID string, limit int) ([]feed.ScheduleRun, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, schedule_id, start_time, end_time, status, retry_count, error, items, new_items, duplicates
		FROM schedule_runs
		WHERE ? = '' OR schedule_id = ?
		ORDER BY start_time DESC, id
		LIMIT ?
	`, scheduleID, scheduleID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []feed.ScheduleRun
	for rows.Next() {
		var (
			run       feed.ScheduleRun
			startTime string
			endTime   sql.NullString
		)
		err := rows.Scan(&run.ID, &run.ScheduleID, &startTime, &endTime, &run.Status, &run.RetryCount,
			&run.Error, &run.Items, &run.NewItems, &run.Duplicates)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule run row: %w", err)
		}
		if run.StartTime, err = parseTime(startTime); err != nil {
			return nil, err
		}
		if run.EndTime, err = parseTimePtr(endTime); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule run rows: %w", err)
	}

	return runs, nil
}

func (r *sqliteRunRepository) GetRunTotals(ctx context.Context) (RunTotals, error) {
	var t RunTotals
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM schedule_runs
	`, feed.RunSuccess, feed.RunFailed, feed.RunSkipped).Scan(&t.Total, &t.Success, &t.Failed, &t.Skipped)
	if err != nil {
		return RunTotals{}, fmt.Errorf("failed to get run totals: %w", err)
	}
	return t, nil
}

func (r *sqliteRunRepository) AppendAdjustment(ctx context.Context, adj feed.ReliabilityAdjustment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reliability_adjustments (source_id, score, reason, at)
		VALUES (?, ?, ?, ?)
	`, adj.SourceID, adj.Score, adj.Reason, formatTime(adj.At))
	if err != nil {
		return fmt.Errorf("failed to append reliability adjustment: %w", err)
	}
	return nil
}

// ListAdjustments returns the override history of a source, oldest first
func (r *sqliteRunRepository) ListAdjustments(ctx context.Context, sourceID string) ([]feed.ReliabilityAdjustment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_id, score, reason, at
		FROM reliability_adjustments
		WHERE source_id = ?
		ORDER BY at, id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reliability adjustments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var adjustments []feed.ReliabilityAdjustment
	for rows.Next() {
		var (
			adj feed.ReliabilityAdjustment
			at  string
		)
		if err := rows.Scan(&adj.SourceID, &adj.Score, &adj.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan reliability adjustment row: %w", err)
		}
		if adj.At, err = parseTime(at); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reliability adjustment rows: %w", err)
	}

	return adjustments, nil
}
