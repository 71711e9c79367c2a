package dedup

import (
	"context"
	"fmt"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
)

type Stats struct {
	Processed int64 `json:"processed"`
	New       int64 `json:"new"`
	Exact     int64 `json:"exact_duplicates"`
	Near      int64 `json:"near_duplicates"`
	Retries   int64 `json:"retries"`
	Repairs   int64 `json:"repairs"`
	Failures  int64 `json:"failures"`
}

// DuplicateRate is the share of resolved candidates that matched an existing item.
func (s Stats) DuplicateRate() float64 {
	resolved := s.New + s.Exact + s.Near
	if resolved == 0 {
		return 0
	}
	return float64(s.Exact+s.Near) / float64(resolved)
}

type Report struct {
	Stats         Stats               `json:"stats"`
	DuplicateRate float64             `json:"duplicate_rate"`
	Items         database.ItemCounts `json:"items"`
	TopDuplicated []feed.Item         `json:"top_duplicated"`
}

const reportTopLimit = 10

func (d *Deduplicator) Stats() Stats {
	return Stats{
		Processed: d.processed.Load(),
		New:       d.created.Load(),
		Exact:     d.exact.Load(),
		Near:      d.near.Load(),
		Retries:   d.retries.Load(),
		Repairs:   d.repairs.Load(),
		Failures:  d.failures.Load(),
	}
}

func (d *Deduplicator) Report(ctx context.Context) (*Report, error) {
	counts, err := d.store.CountItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	top, err := d.store.TopDuplicated(ctx, reportTopLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list most duplicated items: %w", err)
	}

	stats := d.Stats()
	return &Report{
		Stats:         stats,
		DuplicateRate: stats.DuplicateRate(),
		Items:         counts,
		TopDuplicated: top,
	}, nil
}

// ListDuplicates returns duplicate records, all of them or those of one canonical.
func (d *Deduplicator) ListDuplicates(ctx context.Context, canonicalID string, limit int) ([]feed.Item, error) {
	if canonicalID != "" {
		if _, err := d.store.GetItem(ctx, canonicalID); err != nil {
			return nil, err
		}
	}
	return d.store.ListDuplicates(ctx, canonicalID, limit)
}
