package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/threat-comb/app/feed"
)

// ItemRepository handles database operations for canonical and duplicate items
type ItemRepository struct {
	db *DB
}

func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

const itemColumns = `id, source_id, external_id, kind, indicator_type, value, normalized_value, title,
	description, severity, confidence, tags, tlp, first_seen, last_seen, content_hash, duplicate_of,
	is_false_positive, sources, seen_count, metadata, revision, created_at, updated_at`

// FindCanonicals returns canonical items for a content hash, oldest first
func (r *ItemRepository) FindCanonicals(ctx context.Context, contentHash string) ([]feed.Item, error) {
	return r.query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE content_hash = ? AND duplicate_of = ''
		ORDER BY created_at, id
	`, contentHash)
}

// PutCanonical inserts or compare-and-swaps a canonical item
func (r *ItemRepository) PutCanonical(ctx context.Context, item *feed.Item) error {
	now := r.db.clock.Now().UTC()
	item.DuplicateOf = ""

	row, err := itemArgs(item)
	if err != nil {
		return err
	}

	if item.Revision == 0 {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		if item.SeenCount == 0 {
			item.SeenCount = 1
		}

		// Any unique index hit means another writer got there first.
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO items (`+itemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT DO NOTHING
		`, item.ID, item.SourceID, item.ExternalID, item.Kind, item.IndicatorType, item.Value,
			item.NormalizedValue, item.Title, item.Description, item.Severity, item.Confidence, row.tags,
			item.TLP, formatTime(item.FirstSeen), formatTime(item.LastSeen), item.ContentHash,
			boolToInt(item.IsFalsePositive), row.sources, item.SeenCount, row.metadata,
			formatTime(item.CreatedAt), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert canonical item: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConflict
		}
		item.Revision = 1
		item.UpdatedAt = now
		return nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET source_id = ?, external_id = ?, kind = ?, value = ?, title = ?, description = ?,
			severity = ?, confidence = ?, tags = ?, tlp = ?, first_seen = ?, last_seen = ?,
			is_false_positive = ?, sources = ?, seen_count = ?, metadata = ?,
			revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ? AND duplicate_of = ''
	`, item.SourceID, item.ExternalID, item.Kind, item.Value, item.Title, item.Description,
		item.Severity, item.Confidence, row.tags, item.TLP, formatTime(item.FirstSeen),
		formatTime(item.LastSeen), boolToInt(item.IsFalsePositive), row.sources, item.SeenCount,
		row.metadata, formatTime(now), item.ID, item.Revision)
	if err != nil {
		return fmt.Errorf("failed to update canonical item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	item.Revision++
	item.UpdatedAt = now
	return nil
}

// UpsertDuplicate stores one duplicate record per reporting source and hash.
// A repeated report refreshes the record and bumps its seen count.
func (r *ItemRepository) UpsertDuplicate(ctx context.Context, item *feed.Item) error {
	if item.DuplicateOf == "" {
		return fmt.Errorf("duplicate item %s has no canonical reference", item.ContentHash)
	}
	now := r.db.clock.Now().UTC()

	row, err := itemArgs(item)
	if err != nil {
		return err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.SeenCount == 0 {
		item.SeenCount = 1
	}

	var createdAt string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (source_id, content_hash) WHERE duplicate_of <> '' DO UPDATE SET
			duplicate_of = excluded.duplicate_of,
			external_id = excluded.external_id,
			value = excluded.value,
			title = excluded.title,
			description = excluded.description,
			severity = excluded.severity,
			confidence = excluded.confidence,
			tags = excluded.tags,
			tlp = excluded.tlp,
			last_seen = MAX(items.last_seen, excluded.last_seen),
			seen_count = items.seen_count + 1,
			metadata = excluded.metadata,
			revision = items.revision + 1,
			updated_at = excluded.updated_at
		RETURNING id, seen_count, revision, created_at
	`, item.ID, item.SourceID, item.ExternalID, item.Kind, item.IndicatorType, item.Value,
		item.NormalizedValue, item.Title, item.Description, item.Severity, item.Confidence, row.tags,
		item.TLP, formatTime(item.FirstSeen), formatTime(item.LastSeen), item.ContentHash,
		item.DuplicateOf, boolToInt(item.IsFalsePositive), row.sources, item.SeenCount, row.metadata,
		formatTime(now), formatTime(now)).Scan(&item.ID, &item.SeenCount, &item.Revision, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert duplicate item: %w", err)
	}

	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return err
	}
	item.UpdatedAt = now
	return nil
}

// Demote turns a canonical item into a duplicate of another canonical
func (r *ItemRepository) Demote(ctx context.Context, id, canonicalID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET duplicate_of = ?, revision = revision + 1, updated_at = ?
		WHERE id = ?
	`, canonicalID, formatTime(r.db.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to demote item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, feed.ErrNotFound)
	}
	return nil
}

func (r *ItemRepository) ListByType(ctx context.Context, t feed.IndicatorType, since time.Time, limit int) ([]feed.Item, error) {
	return r.ListItems(ctx, ItemQuery{Type: t, CanonicalOnly: true, Since: since, Limit: limit})
}

// GetItem retrieves an item by its ID
func (r *ItemRepository) GetItem(ctx context.Context, id string) (*feed.Item, error) {
	items, err := r.query(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("item %s: %w", id, feed.ErrNotFound)
	}
	return &items[0], nil
}

// ListItems returns items matching q, newest first
func (r *ItemRepository) ListItems(ctx context.Context, q ItemQuery) ([]feed.Item, error) {
	var (
		where []string
		args  []any
	)
	if q.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, q.SourceID)
	}
	if q.Type != "" {
		where = append(where, "indicator_type = ?")
		args = append(args, q.Type)
	}
	if q.CanonicalOnly {
		where = append(where, "duplicate_of = ''")
	}
	if !q.Since.IsZero() {
		where = append(where, "last_seen >= ?")
		args = append(args, formatTime(q.Since))
	}

	query := `SELECT ` + itemColumns + ` FROM items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen DESC, id LIMIT ?"
	args = append(args, sqlLimit(q.Limit))

	return r.query(ctx, query, args...)
}

// ListDuplicates returns duplicate records, optionally only those of one canonical
func (r *ItemRepository) ListDuplicates(ctx context.Context, canonicalID string, limit int) ([]feed.Item, error) {
	return r.query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE duplicate_of <> '' AND (? = '' OR duplicate_of = ?)
		ORDER BY last_seen DESC, id
		LIMIT ?
	`, canonicalID, canonicalID, sqlLimit(limit))
}

func (r *ItemRepository) SetFalsePositive(ctx context.Context, id string, falsePositive bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET is_false_positive = ?, revision = revision + 1, updated_at = ?
		WHERE id = ?
	`, boolToInt(falsePositive), formatTime(r.db.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, feed.ErrNotFound)
	}
	return nil
}

func (r *ItemRepository) CountItems(ctx context.Context) (ItemCounts, error) {
	var c ItemCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN duplicate_of = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN duplicate_of <> '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(is_false_positive), 0)
		FROM items
	`).Scan(&c.Total, &c.Canonical, &c.Duplicates, &c.FalsePositives)
	if err != nil {
		return ItemCounts{}, fmt.Errorf("failed to count items: %w", err)
	}
	return c, nil
}

// TopDuplicated returns canonical items reported more than once, most seen first
func (r *ItemRepository) TopDuplicated(ctx context.Context, limit int) ([]feed.Item, error) {
	return r.query(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE duplicate_of = '' AND seen_count > 1
		ORDER BY seen_count DESC, last_seen DESC, id
		LIMIT ?
	`, sqlLimit(limit))
}

func (r *ItemRepository) query(ctx context.Context, query string, args ...any) ([]feed.Item, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []feed.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item rows: %w", err)
	}

	return items, nil
}

type itemBlobs struct {
	tags, sources, metadata []byte
}

func itemArgs(item *feed.Item) (*itemBlobs, error) {
	var (
		b   itemBlobs
		err error
	)
	if b.tags, err = encodeBlob(item.Tags); err != nil {
		return nil, err
	}
	if b.sources, err = encodeBlob(item.Sources); err != nil {
		return nil, err
	}
	if b.metadata, err = encodeBlob(item.Metadata); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanItem(row rowScanner) (*feed.Item, error) {
	var (
		item                    feed.Item
		tags, sources, metadata []byte
		falsePositive           int
		firstSeen, lastSeen     string
		createdAt, updatedAt    string
	)
	err := row.Scan(
		&item.ID, &item.SourceID, &item.ExternalID, &item.Kind, &item.IndicatorType, &item.Value,
		&item.NormalizedValue, &item.Title, &item.Description, &item.Severity, &item.Confidence, &tags,
		&item.TLP, &firstSeen, &lastSeen, &item.ContentHash, &item.DuplicateOf, &falsePositive,
		&sources, &item.SeenCount, &metadata, &item.Revision, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.IsFalsePositive = falsePositive == 1
	if err := decodeBlob(tags, &item.Tags); err != nil {
		return nil, err
	}
	if err := decodeBlob(sources, &item.Sources); err != nil {
		return nil, err
	}
	if err := decodeBlob(metadata, &item.Metadata); err != nil {
		return nil, err
	}
	for _, ts := range []struct {
		dst *time.Time
		src string
	}{
		{&item.FirstSeen, firstSeen},
		{&item.LastSeen, lastSeen},
		{&item.CreatedAt, createdAt},
		{&item.UpdatedAt, updatedAt},
	} {
		if *ts.dst, err = parseTime(ts.src); err != nil {
			return nil, err
		}
	}
	return &item, nil
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
