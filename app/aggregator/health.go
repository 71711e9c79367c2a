package aggregator

import (
	"context"
	"fmt"
	"math"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/dedup"
	"github.com/lysyi3m/threat-comb/app/feed"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

type Health struct {
	Status        HealthStatus `json:"status"`
	HealthScore   float64      `json:"health_score"`
	Sources       int          `json:"sources"`
	Enabled       int          `json:"enabled"`
	Active        int          `json:"active"`
	Paused        int          `json:"paused"`
	Errored       int          `json:"errored"`
	ErrorFraction float64      `json:"error_fraction"`
	InFlight      int          `json:"in_flight"`
}

// Health weighs the scores of active sources by priority and classifies the
// engine by the share of enabled sources stuck in ERROR.
func (o *Orchestrator) Health(ctx context.Context) (*Health, error) {
	sources, err := o.stores.Sources.ListSources(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	h := &Health{Status: Healthy, Sources: len(sources)}
	var weighted, weights float64
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		h.Enabled++
		switch src.Status {
		case feed.StatusError:
			h.Errored++
		case feed.StatusPaused:
			h.Paused++
		default:
			h.Active++
			w := float64(max(1, src.Priority.Rank()))
			weighted += w * src.ReliabilityScore
			weights += w
		}
	}

	if weights > 0 {
		h.HealthScore = math.Round(weighted/weights*100) / 100
	}
	if h.Enabled > 0 {
		h.ErrorFraction = float64(h.Errored) / float64(h.Enabled)
	}
	switch {
	case h.ErrorFraction > o.cfg.UnhealthyThreshold:
		h.Status = Unhealthy
	case h.ErrorFraction > o.cfg.DegradedThreshold:
		h.Status = Degraded
	}

	o.mu.Lock()
	h.InFlight = len(o.inFlight)
	o.mu.Unlock()
	return h, nil
}

type Statistics struct {
	Sources       int                       `json:"sources"`
	Enabled       int                       `json:"enabled"`
	ByKind        map[feed.SourceKind]int   `json:"by_kind"`
	ByStatus      map[feed.SourceStatus]int `json:"by_status"`
	Items         database.ItemCounts       `json:"items"`
	Runs          database.RunTotals        `json:"runs"`
	Dedup         dedup.Stats               `json:"dedup"`
	DuplicateRate float64                   `json:"duplicate_rate"`
	Events        EventStats                `json:"events"`
}

type EventStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

func (o *Orchestrator) Statistics(ctx context.Context) (*Statistics, error) {
	sources, err := o.stores.Sources.ListSources(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	items, err := o.stores.Items.CountItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	runs, err := o.stores.Runs.GetRunTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	stats := &Statistics{
		Sources:  len(sources),
		ByKind:   make(map[feed.SourceKind]int),
		ByStatus: make(map[feed.SourceStatus]int),
		Items:    items,
		Runs:     runs,
	}
	for _, src := range sources {
		if src.Enabled {
			stats.Enabled++
		}
		stats.ByKind[src.Kind]++
		stats.ByStatus[src.Status]++
	}
	if o.dedup != nil {
		stats.Dedup = o.dedup.Stats()
		stats.DuplicateRate = stats.Dedup.DuplicateRate()
	}
	if o.bus != nil {
		stats.Events = EventStats{Published: o.bus.Published(), Dropped: o.bus.Dropped()}
	}
	return stats, nil
}
