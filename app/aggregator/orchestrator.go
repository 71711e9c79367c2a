package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/cron"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/dedup"
	"github.com/lysyi3m/threat-comb/app/events"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/metrics"
	"github.com/lysyi3m/threat-comb/app/reliability"
	"github.com/lysyi3m/threat-comb/app/tasks"
)

type Config struct {
	WorkerCount        int
	RunTimeout         time.Duration // wall-clock bound on one cycle
	DegradedThreshold  float64       // fraction of enabled sources in ERROR
	UnhealthyThreshold float64
}

func DefaultConfig() Config {
	return Config{
		WorkerCount:        4,
		RunTimeout:         5 * time.Minute,
		DegradedThreshold:  0.10,
		UnhealthyThreshold: 0.30,
	}
}

// Outcome is the last finished cycle of a source.
type Outcome struct {
	SourceID   string         `json:"source_id"`
	Status     feed.RunStatus `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	RetryCount int            `json:"retry_count"`
	Items      int            `json:"items"`
	New        int            `json:"new"`
	Duplicates int            `json:"duplicates"`
	Rejected   int            `json:"rejected"`
	Score      float64        `json:"score"`
	Error      string         `json:"error,omitempty"`
}

type Orchestrator struct {
	cfg      Config
	stores   *database.Stores
	fetcher  tasks.Fetcher
	parser   tasks.Parser
	dedup    *dedup.Deduplicator
	scorer   *reliability.Scorer
	bus      *events.Bus
	metrics  *metrics.Metrics
	clock    clock.Clock
	stateMu  sync.Mutex // serialises read-modify-write of source state
	mu       sync.Mutex
	inFlight map[string]time.Time
	last     map[string]Outcome
}

func New(cfg Config, stores *database.Stores, fetcher tasks.Fetcher, parser tasks.Parser, dd *dedup.Deduplicator,
	scorer *reliability.Scorer, bus *events.Bus, m *metrics.Metrics, clk clock.Clock) *Orchestrator {
	def := DefaultConfig()
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = def.DegradedThreshold
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	return &Orchestrator{
		cfg:      cfg,
		stores:   stores,
		fetcher:  fetcher,
		parser:   parser,
		dedup:    dd,
		scorer:   scorer,
		bus:      bus,
		metrics:  m,
		clock:    clk,
		inFlight: make(map[string]time.Time),
		last:     make(map[string]Outcome),
	}
}

// RunSource executes one fetch-parse-resolve cycle for a source and records
// its outcome. retry is the attempt number within the current schedule
// cycle. A source already running is rejected with feed.ErrRunInProgress.
// The returned error is the cycle failure, if any.
func (o *Orchestrator) RunSource(ctx context.Context, id string, retry int) (*tasks.Result, error) {
	if !o.acquire(id) {
		return nil, fmt.Errorf("source %s: %w", id, feed.ErrRunInProgress)
	}
	defer o.release(id)

	src, err := o.stores.Sources.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	task := tasks.NewProcessSourceTask(src, o.fetcher, o.parser, o.dedup, o.clock)
	task.RetryCount = retry
	task.Start()
	runErr := task.Execute(runCtx)
	if errors.Is(runErr, context.DeadlineExceeded) && !feed.IsFetchError(runErr) {
		runErr = &feed.FetchError{SourceID: id, Timeout: true, Err: runErr}
	}

	// The caller went away: nothing ran to completion, so nothing is scored.
	skipped := runErr != nil && ctx.Err() != nil
	if err := o.record(context.WithoutCancel(ctx), task, runErr, skipped); err != nil {
		slog.Error("Failed to record run", "source_id", id, "error", err)
	}

	if runErr != nil {
		return nil, runErr
	}
	return task.Result, nil
}

func (o *Orchestrator) record(ctx context.Context, task *tasks.ProcessSourceTask, runErr error, skipped bool) error {
	id := task.SourceID
	started := *task.StartedAt
	took := task.GetDuration()
	end := started.Add(took)
	result := task.Result
	if result == nil {
		result = &tasks.Result{}
	}

	run := &feed.ScheduleRun{
		ScheduleID: id,
		StartTime:  started.UTC(),
		EndTime:    &end,
		Status:     feed.RunSuccess,
		RetryCount: task.RetryCount,
		Items:      result.Items,
		NewItems:   result.New,
		Duplicates: result.Duplicates(),
	}
	switch {
	case skipped:
		run.Status = feed.RunSkipped
		run.Error = runErr.Error()
	case runErr != nil:
		run.Status = feed.RunFailed
		run.Error = runErr.Error()
	}
	if err := o.stores.Runs.AppendRun(ctx, run); err != nil {
		return fmt.Errorf("failed to append run: %w", err)
	}

	var src *feed.Source
	if !skipped {
		var err error
		src, err = o.UpdateSource(ctx, id, func(s *feed.Source) {
			s.LastRunAt = &started
			s.LastRunDuration = took
			if runErr != nil {
				s.FailedRuns++
				s.ConsecutiveFailures++
				s.LastError = runErr.Error()
			} else {
				s.SuccessfulRuns++
				s.ConsecutiveFailures = 0
				s.LastError = ""
				s.TotalItems += result.Items
				s.NewItems += result.New
			}
			s.ReliabilityScore = o.scorer.Score(*s, Interval(s, o.clock.Now()))
		})
		if err != nil {
			return err
		}
	}

	outcome := Outcome{
		SourceID:   id,
		Status:     run.Status,
		StartedAt:  started,
		Duration:   took,
		RetryCount: task.RetryCount,
		Items:      result.Items,
		New:        result.New,
		Duplicates: result.Duplicates(),
		Rejected:   len(result.ParseErrors),
		Error:      run.Error,
	}
	if src != nil {
		outcome.Score = src.ReliabilityScore
	}
	o.mu.Lock()
	o.last[id] = outcome
	o.mu.Unlock()

	o.publish(id, result, run, src)
	return nil
}

func (o *Orchestrator) publish(id string, result *tasks.Result, run *feed.ScheduleRun, src *feed.Source) {
	for _, res := range result.Resolutions {
		if o.metrics != nil {
			o.metrics.ObserveResolution(string(res.Action))
		}
		if o.bus == nil {
			continue
		}
		if res.Action == dedup.ActionNew {
			o.bus.Publish(events.Event{Type: events.ItemCreated, SourceID: id, ItemID: res.CanonicalID, Action: string(res.Action)})
			continue
		}
		itemID := res.CanonicalID
		if res.Stored != nil && res.Stored.SourceID == id {
			itemID = res.Stored.ID
		}
		o.bus.Publish(events.Event{Type: events.ItemDuplicate, SourceID: id, ItemID: itemID, Action: string(res.Action)})
	}

	if o.metrics != nil {
		o.metrics.ObserveRun(id, string(run.Status), run.EndTime.Sub(run.StartTime))
		o.metrics.ObserveParseErrors(id, len(result.ParseErrors))
		if src != nil {
			o.metrics.SetReliability(id, src.ReliabilityScore)
			o.metrics.SetConsecutiveFailures(id, src.ConsecutiveFailures)
		}
	}

	if o.bus != nil {
		if src != nil {
			o.bus.Publish(events.Event{Type: events.ScoreUpdated, SourceID: id, Score: src.ReliabilityScore})
		}
		o.bus.Publish(events.Event{Type: events.RunCompleted, SourceID: id, Action: string(run.Status)})
	}
}

// UpdateSource applies fn to the stored state of a source. Every writer of
// runtime state goes through here so concurrent updates do not lose fields.
func (o *Orchestrator) UpdateSource(ctx context.Context, id string, fn func(*feed.Source)) (*feed.Source, error) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()

	src, err := o.stores.Sources.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(src)
	src.ReliabilityScore = max(0, min(100, src.ReliabilityScore))
	if err := o.stores.Sources.UpdateSourceState(ctx, src); err != nil {
		return nil, fmt.Errorf("failed to update source state: %w", err)
	}
	return src, nil
}

// Recompute refreshes the reliability score of a source from its counters.
func (o *Orchestrator) Recompute(ctx context.Context, id string) (*feed.Source, error) {
	src, err := o.UpdateSource(ctx, id, func(s *feed.Source) {
		s.ReliabilityScore = o.scorer.Score(*s, Interval(s, o.clock.Now()))
	})
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.SetReliability(id, src.ReliabilityScore)
	}
	if o.bus != nil {
		o.bus.Publish(events.Event{Type: events.ScoreUpdated, SourceID: id, Score: src.ReliabilityScore})
	}
	return src, nil
}

// MarkFalsePositive flags a stored item and charges the false positive to
// the source that reported it.
func (o *Orchestrator) MarkFalsePositive(ctx context.Context, itemID string, falsePositive bool) (*feed.Item, error) {
	item, err := o.stores.Items.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.IsFalsePositive == falsePositive {
		return item, nil
	}
	if err := o.stores.Items.SetFalsePositive(ctx, itemID, falsePositive); err != nil {
		return nil, err
	}
	item.IsFalsePositive = falsePositive

	delta := 1
	if !falsePositive {
		delta = -1
	}
	_, err = o.UpdateSource(ctx, item.SourceID, func(s *feed.Source) {
		s.FalsePositives = max(0, s.FalsePositives+delta)
		s.ReliabilityScore = o.scorer.Score(*s, Interval(s, o.clock.Now()))
	})
	if err != nil && !errors.Is(err, feed.ErrNotFound) {
		return nil, err
	}
	return item, nil
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[id]; busy {
		return false
	}
	o.inFlight[id] = o.clock.Now()
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, id)
}

// Running reports whether a cycle of the source is in flight.
func (o *Orchestrator) Running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inFlight[id]
	return busy
}

// Report summarises one Aggregate call. Errors maps source ids to the
// reason their cycle failed.
type Report struct {
	StartedAt  time.Time                `json:"started_at"`
	Duration   time.Duration            `json:"duration"`
	Sources    int                      `json:"sources"`
	Succeeded  int                      `json:"succeeded"`
	Failed     int                      `json:"failed"`
	Items      int                      `json:"items"`
	New        int                      `json:"new"`
	Duplicates int                      `json:"duplicates"`
	Results    map[string]*tasks.Result `json:"results"`
	Errors     map[string]string        `json:"errors"`
}

// Aggregate runs one cycle for each source on a bounded pool. One source
// failing never aborts the others.
func (o *Orchestrator) Aggregate(ctx context.Context, ids []string) (*Report, error) {
	ids = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return strings.TrimSpace(id) == "" })
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil, &feed.ValidationError{Field: "source_ids", Reason: "at least one source is required"}
	}

	report := &Report{
		StartedAt: o.clock.Now().UTC(),
		Sources:   len(ids),
		Results:   make(map[string]*tasks.Result),
		Errors:    make(map[string]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.WorkerCount)
	for _, id := range ids {
		g.Go(func() error {
			result, err := o.RunSource(gctx, id, 0)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.Errors[id] = err.Error()
				slog.Warn("Source aggregation failed", "source_id", id, "error", err)
				return nil
			}
			report.Succeeded++
			report.Items += result.Items
			report.New += result.New
			report.Duplicates += result.Duplicates()
			report.Results[id] = result
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = o.clock.Now().Sub(report.StartedAt)
	slog.Info("Aggregation completed",
		"sources", report.Sources,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"new", report.New,
		"duplicates", report.Duplicates,
		"duration", report.Duration)
	return report, nil
}

// EnabledSourceIDs lists the sources an unqualified aggregation covers.
func (o *Orchestrator) EnabledSourceIDs(ctx context.Context) ([]string, error) {
	sources, err := o.stores.Sources.ListSources(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, src := range sources {
		if src.Enabled {
			ids = append(ids, src.ID)
		}
	}
	return ids, nil
}

type StatusReport struct {
	InFlight []string           `json:"in_flight"`
	Last     map[string]Outcome `json:"last"`
}

func (o *Orchestrator) Status() StatusReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return StatusReport{
		InFlight: slices.Sorted(maps.Keys(o.inFlight)),
		Last:     maps.Clone(o.last),
	}
}

// Interval is the expected cadence of a source, derived from its cron
// schedule. Zero disables the timeliness component of its score.
func Interval(src *feed.Source, now time.Time) time.Duration {
	sched, err := cron.Parse(src.Schedule)
	if err != nil {
		return 0
	}
	return sched.Interval(now)
}
