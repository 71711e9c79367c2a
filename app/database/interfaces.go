package database

import (
	"context"
	"time"

	"github.com/lysyi3m/threat-comb/app/feed"
)

type SourceRepository interface {
	// UpsertSource writes the definition fields of a source. Runtime state
	// (counters, score, run times) of an existing source is left alone.
	UpsertSource(ctx context.Context, src *feed.Source) (created bool, err error)
	GetSource(ctx context.Context, id string) (*feed.Source, error)
	ListSources(ctx context.Context, kind feed.SourceKind) ([]feed.Source, error)
	DeleteSource(ctx context.Context, id string) error
	UpdateSourceState(ctx context.Context, src *feed.Source) error
	GetSourceCount(ctx context.Context) (int, error)
}

// ItemStore is the canonical indicator store.
type ItemStore interface {
	// FindCanonicals returns every canonical item for a hash. More than one
	// is an integrity violation the caller has to repair.
	FindCanonicals(ctx context.Context, contentHash string) ([]feed.Item, error)
	// PutCanonical inserts a canonical item when Revision is 0 and otherwise
	// replaces the stored one only if its revision still matches. A lost race
	// returns ErrConflict. On success item.Revision holds the new revision.
	PutCanonical(ctx context.Context, item *feed.Item) error
	// UpsertDuplicate stores a non-canonical report keyed by source and hash.
	UpsertDuplicate(ctx context.Context, item *feed.Item) error
	Demote(ctx context.Context, id, canonicalID string) error
	// ListByType returns canonical items of one type last seen at or after
	// since, newest first.
	ListByType(ctx context.Context, t feed.IndicatorType, since time.Time, limit int) ([]feed.Item, error)

	GetItem(ctx context.Context, id string) (*feed.Item, error)
	ListItems(ctx context.Context, q ItemQuery) ([]feed.Item, error)
	ListDuplicates(ctx context.Context, canonicalID string, limit int) ([]feed.Item, error)
	SetFalsePositive(ctx context.Context, id string, falsePositive bool) error
	CountItems(ctx context.Context) (ItemCounts, error)
	TopDuplicated(ctx context.Context, limit int) ([]feed.Item, error)
}

type CustomFeedRepository interface {
	CreateCustomFeed(ctx context.Context, cf *feed.CustomFeed) error
	GetCustomFeed(ctx context.Context, id string) (*feed.CustomFeed, error)
	ListCustomFeeds(ctx context.Context) ([]feed.CustomFeed, error)
	UpdateCustomFeed(ctx context.Context, cf *feed.CustomFeed) error
	DeleteCustomFeed(ctx context.Context, id string) error
}

// RunRepository keeps the append-only run history and the audit trail of
// manual reliability overrides.
type RunRepository interface {
	AppendRun(ctx context.Context, run *feed.ScheduleRun) error
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]feed.ScheduleRun, error)
	GetRunTotals(ctx context.Context) (RunTotals, error)

	AppendAdjustment(ctx context.Context, adj feed.ReliabilityAdjustment) error
	ListAdjustments(ctx context.Context, sourceID string) ([]feed.ReliabilityAdjustment, error)
}
