package api

import (
	"context"
	"time"

	"github.com/lysyi3m/threat-comb/app/aggregator"
	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/dedup"
	"github.com/lysyi3m/threat-comb/app/events"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/fetcher"
	"github.com/lysyi3m/threat-comb/app/metrics"
	"github.com/lysyi3m/threat-comb/app/parser"
	"github.com/lysyi3m/threat-comb/app/reliability"
	"github.com/lysyi3m/threat-comb/app/scheduler"
)

type GeneratorInterface interface {
	Validate(cf *feed.CustomFeed) error
	Run(cf *feed.CustomFeed, items []feed.Item) (*feed.Rendered, error)
}

// Prober checks that a source endpoint answers.
type Prober interface {
	Probe(ctx context.Context, src *feed.Source) (bool, time.Duration, error)
}

var (
	_ GeneratorInterface = (*feed.Generator)(nil)
	_ Prober             = (*fetcher.Fetcher)(nil)
)

// Deps are the collaborators the handlers work with.
type Deps struct {
	Stores       *database.Stores
	ConfigCache  *feed.ConfigCache
	Parser       *parser.Parser
	Generator    GeneratorInterface
	Dedup        *dedup.Deduplicator
	Scorer       *reliability.Scorer
	Prober       Prober
	Orchestrator *aggregator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Bus          *events.Bus
	Metrics      *metrics.Metrics
	Clock        clock.Clock
	Version      string
}

type Handler struct {
	stores       *database.Stores
	configCache  *feed.ConfigCache
	parser       *parser.Parser
	generator    GeneratorInterface
	dedup        *dedup.Deduplicator
	scorer       *reliability.Scorer
	prober       Prober
	orchestrator *aggregator.Orchestrator
	scheduler    *scheduler.Scheduler
	bus          *events.Bus
	metrics      *metrics.Metrics
	clock        clock.Clock
	version      string
}

type sourceRequest struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Kind        feed.SourceKind  `json:"kind"`
	Endpoint    string           `json:"endpoint"`
	Format      feed.Format      `json:"format"`
	Auth        string           `json:"auth"`
	Schedule    string           `json:"schedule"`
	Enabled     *bool            `json:"enabled"`
	Category    string           `json:"category"`
	Priority    feed.Priority    `json:"priority"`
	MergePolicy feed.MergePolicy `json:"merge_policy"`
	Timeout     int              `json:"timeout"`
}

type aggregateRequest struct {
	SourceIDs []string `json:"source_ids"`
	All       bool     `json:"all"`
}

type manualScoreRequest struct {
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

type scheduleRequest struct {
	Schedule string `json:"schedule"`
}

type falsePositiveRequest struct {
	FalsePositive *bool `json:"false_positive"`
}
