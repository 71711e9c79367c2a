package reliability

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
)

// Unscored is reported for sources without any finished run.
const Unscored = 50.0

const (
	weightSuccess    = 0.40
	weightAccuracy   = 0.30
	weightTimeliness = 0.20
	weightVolume     = 0.10
)

type Config struct {
	// VolumeFloor is the number of new items per successful run at which the
	// volume component saturates.
	VolumeFloor int
}

func DefaultConfig() Config {
	return Config{VolumeFloor: 50}
}

type Components struct {
	SuccessRate float64 `json:"success_rate"`
	Accuracy    float64 `json:"accuracy"` // 100 minus the false positive rate
	Timeliness  float64 `json:"timeliness"`
	Volume      float64 `json:"volume"`
}

type Report struct {
	SourceID       string                       `json:"source_id"`
	Name           string                       `json:"name"`
	Score          float64                      `json:"score"`
	Grade          string                       `json:"grade"`
	Scored         bool                         `json:"scored"`
	Rank           int                          `json:"rank,omitempty"`
	Components     Components                   `json:"components"`
	TotalRuns      int                          `json:"total_runs"`
	TotalItems     int                          `json:"total_items"`
	FalsePositives int                          `json:"false_positives"`
	Interval       string                       `json:"interval,omitempty"`
	Adjustments    []feed.ReliabilityAdjustment `json:"adjustments,omitempty"`
}

// SourceUpdater applies fn to the stored state of a source without losing
// concurrent writes.
type SourceUpdater interface {
	UpdateSource(ctx context.Context, id string, fn func(*feed.Source)) (*feed.Source, error)
}

type Scorer struct {
	cfg   Config
	runs  database.RunRepository
	clock clock.Clock
}

func NewScorer(cfg Config, runs database.RunRepository, clk clock.Clock) *Scorer {
	if cfg.VolumeFloor <= 0 {
		cfg.VolumeFloor = DefaultConfig().VolumeFloor
	}
	return &Scorer{cfg: cfg, runs: runs, clock: clk}
}

// Score computes the 0-100 reliability of src. interval is the source's
// scheduled interval; zero disables the timeliness penalty.
func (s *Scorer) Score(src feed.Source, interval time.Duration) float64 {
	if src.TotalRuns() == 0 {
		return Unscored
	}
	return weighted(s.components(src, interval))
}

func (s *Scorer) Report(src feed.Source, interval time.Duration) Report {
	r := Report{
		SourceID:       src.ID,
		Name:           src.Name,
		TotalRuns:      src.TotalRuns(),
		TotalItems:     src.TotalItems,
		FalsePositives: src.FalsePositives,
		Score:          Unscored,
	}
	if interval > 0 {
		r.Interval = interval.String()
	}
	if src.TotalRuns() > 0 {
		r.Scored = true
		r.Components = s.components(src, interval)
		r.Score = weighted(r.Components)
	}
	r.Grade = Grade(r.Score)
	return r
}

func (s *Scorer) components(src feed.Source, interval time.Duration) Components {
	var c Components

	c.SuccessRate = 100 * float64(src.SuccessfulRuns) / float64(src.TotalRuns())

	c.Accuracy = 100
	if src.TotalItems > 0 {
		c.Accuracy = clamp(100 - 100*float64(src.FalsePositives)/float64(src.TotalItems))
	}

	c.Timeliness = timeliness(src.LastRunDuration, interval)

	if src.SuccessfulRuns > 0 {
		perRun := float64(src.NewItems) / float64(src.SuccessfulRuns)
		c.Volume = clamp(100 * perRun / float64(s.cfg.VolumeFloor))
	}
	return c
}

// timeliness is 100 for a run that finished within its interval and decays
// linearly to 0 at three times the interval.
func timeliness(took, interval time.Duration) float64 {
	if interval <= 0 || took <= interval {
		return 100
	}
	if took >= 3*interval {
		return 0
	}
	return 100 * float64(3*interval-took) / float64(2*interval)
}

func weighted(c Components) float64 {
	score := c.SuccessRate*weightSuccess +
		c.Accuracy*weightAccuracy +
		c.Timeliness*weightTimeliness +
		c.Volume*weightVolume
	return round(clamp(score))
}

func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

// Compare ranks reports by score, best first. Unscored sources rank after
// every scored one.
func Compare(reports []Report) []Report {
	ranked := slices.Clone(reports)
	slices.SortStableFunc(ranked, func(a, b Report) int {
		if a.Scored != b.Scored {
			if a.Scored {
				return -1
			}
			return 1
		}
		return cmp.Or(cmp.Compare(b.Score, a.Score), strings.Compare(a.SourceID, b.SourceID))
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// SetManualScore overrides a source's score until its next run recomputes it.
// The override is written to the adjustment audit trail.
func (s *Scorer) SetManualScore(ctx context.Context, sources SourceUpdater, id string, score float64, reason string) (*feed.Source, error) {
	if math.IsNaN(score) {
		return nil, &feed.ValidationError{Field: "score", Reason: "not a number"}
	}

	src, err := sources.UpdateSource(ctx, id, func(src *feed.Source) {
		src.ReliabilityScore = round(clamp(score))
	})
	if err != nil {
		return nil, err
	}

	adj := feed.ReliabilityAdjustment{SourceID: id, Score: src.ReliabilityScore, Reason: reason, At: s.clock.Now().UTC()}
	if err := s.runs.AppendAdjustment(ctx, adj); err != nil {
		return nil, fmt.Errorf("failed to record adjustment: %w", err)
	}

	slog.Info("Reliability score overridden", "source_id", id, "score", src.ReliabilityScore, "reason", reason)
	return src, nil
}

// Adjustments returns the manual override history of a source.
func (s *Scorer) Adjustments(ctx context.Context, id string) ([]feed.ReliabilityAdjustment, error) {
	return s.runs.ListAdjustments(ctx, id)
}

func clamp(v float64) float64 {
	return max(0, min(100, v))
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}
