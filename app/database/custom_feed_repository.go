package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lysyi3m/threat-comb/app/feed"
)

type sqliteCustomFeedRepository struct {
	db *DB
}

func NewCustomFeedRepository(db *DB) CustomFeedRepository {
	return &sqliteCustomFeedRepository{db: db}
}

const customFeedColumns = `id, name, description, output_format, fields, filter, distribution, version,
	max_items, created_at, updated_at`

// CreateCustomFeed stores a new custom feed at version 1
func (r *sqliteCustomFeedRepository) CreateCustomFeed(ctx context.Context, cf *feed.CustomFeed) error {
	fields, filter, err := customFeedBlobs(cf)
	if err != nil {
		return err
	}

	now := r.db.clock.Now().UTC()
	if cf.ID == "" {
		cf.ID = uuid.NewString()
	}
	cf.Version = 1
	cf.CreatedAt = now
	cf.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO custom_feeds (`+customFeedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cf.ID, cf.Name, cf.Description, cf.OutputFormat, fields, filter, cf.Distribution, cf.Version,
		cf.MaxItems, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create custom feed: %w", err)
	}
	return nil
}

func (r *sqliteCustomFeedRepository) GetCustomFeed(ctx context.Context, id string) (*feed.CustomFeed, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+customFeedColumns+` FROM custom_feeds WHERE id = ?`, id)
	cf, err := scanCustomFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("custom feed %s: %w", id, feed.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get custom feed: %w", err)
	}
	return cf, nil
}

func (r *sqliteCustomFeedRepository) ListCustomFeeds(ctx context.Context) ([]feed.CustomFeed, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+customFeedColumns+` FROM custom_feeds ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []feed.CustomFeed
	for rows.Next() {
		cf, err := scanCustomFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan custom feed row: %w", err)
		}
		feeds = append(feeds, *cf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating custom feed rows: %w", err)
	}

	return feeds, nil
}

// UpdateCustomFeed replaces a custom feed definition. The stored version is
// bumped when the field list or the filter changed.
func (r *sqliteCustomFeedRepository) UpdateCustomFeed(ctx context.Context, cf *feed.CustomFeed) error {
	fields, filter, err := customFeedBlobs(cf)
	if err != nil {
		return err
	}
	now := r.db.clock.Now().UTC()

	var createdAt string
	err = r.db.QueryRowContext(ctx, `
		UPDATE custom_feeds
		SET name = ?, description = ?, output_format = ?, distribution = ?, max_items = ?,
			version = version + (CASE WHEN fields IS ? AND filter IS ? THEN 0 ELSE 1 END),
			fields = ?, filter = ?, updated_at = ?
		WHERE id = ?
		RETURNING version, created_at
	`, cf.Name, cf.Description, cf.OutputFormat, cf.Distribution, cf.MaxItems, fields, filter,
		fields, filter, formatTime(now), cf.ID).Scan(&cf.Version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("custom feed %s: %w", cf.ID, feed.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update custom feed: %w", err)
	}
	if cf.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	cf.UpdatedAt = now
	return nil
}

func (r *sqliteCustomFeedRepository) DeleteCustomFeed(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM custom_feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete custom feed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("custom feed %s: %w", id, feed.ErrNotFound)
	}
	return nil
}

func customFeedBlobs(cf *feed.CustomFeed) (fields, filter []byte, err error) {
	if fields, err = encodeBlob(cf.Fields); err != nil {
		return nil, nil, err
	}
	if len(cf.Filter.Conditions) > 0 || cf.Filter.Match != "" {
		if filter, err = encodeBlob(cf.Filter); err != nil {
			return nil, nil, err
		}
	}
	return fields, filter, nil
}

func scanCustomFeed(row rowScanner) (*feed.CustomFeed, error) {
	var (
		cf                   feed.CustomFeed
		fields, filter       []byte
		createdAt, updatedAt string
	)
	err := row.Scan(&cf.ID, &cf.Name, &cf.Description, &cf.OutputFormat, &fields, &filter,
		&cf.Distribution, &cf.Version, &cf.MaxItems, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := decodeBlob(fields, &cf.Fields); err != nil {
		return nil, err
	}
	if err := decodeBlob(filter, &cf.Filter); err != nil {
		return nil, err
	}
	if cf.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cf, nil
}
