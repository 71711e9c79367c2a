package database

import (
	"time"

	"github.com/lysyi3m/threat-comb/app/feed"
)

// ItemQuery selects items for listing and feed generation. Zero values do
// not filter.
type ItemQuery struct {
	SourceID      string
	Type          feed.IndicatorType
	CanonicalOnly bool
	Since         time.Time // last_seen at or after
	Limit         int
}

type ItemCounts struct {
	Total          int `json:"total"`
	Canonical      int `json:"canonical"`
	Duplicates     int `json:"duplicates"`
	FalsePositives int `json:"false_positives"`
}

type RunTotals struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (q ItemQuery) matches(item *feed.Item) bool {
	if q.SourceID != "" && item.SourceID != q.SourceID {
		return false
	}
	if q.Type != "" && item.IndicatorType != q.Type {
		return false
	}
	if q.CanonicalOnly && !item.IsCanonical() {
		return false
	}
	if !q.Since.IsZero() && item.LastSeen.Before(q.Since) {
		return false
	}
	return true
}
