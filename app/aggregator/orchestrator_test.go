package aggregator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/dedup"
	"github.com/lysyi3m/threat-comb/app/events"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/metrics"
	"github.com/lysyi3m/threat-comb/app/parser"
	"github.com/lysyi3m/threat-comb/app/reliability"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubFetcher struct {
	mu       sync.Mutex
	payloads map[string]string
	failures map[string]error
	gate     chan struct{} // when set, every fetch waits on it

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, src *feed.Source) ([]byte, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.maxActive.Load()
		if n <= peak || f.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, &feed.FetchError{SourceID: src.ID, Timeout: true, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[src.ID]; err != nil {
		return nil, err
	}
	return []byte(f.payloads[src.ID]), nil
}

type fixture struct {
	orch    *Orchestrator
	stores  *database.Stores
	fetcher *stubFetcher
	bus     *events.Bus
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, cfg Config, sources ...feed.Source) *fixture {
	t.Helper()
	clk := clock.NewFake(testNow)
	stores := database.NewMemoryStores(clk)
	for _, src := range sources {
		if src.Schedule == "" {
			src.Schedule = "0 * * * *"
		}
		if src.Status == "" {
			src.Status = feed.StatusActive
		}
		if _, err := stores.Sources.UpsertSource(context.Background(), &src); err != nil {
			t.Fatalf("UpsertSource failed: %v", err)
		}
	}

	fetcher := &stubFetcher{payloads: map[string]string{}, failures: map[string]error{}}
	bus := events.NewBus(clk)
	m := metrics.New()
	dd := dedup.New(stores.Items, stores.Sources, dedup.DefaultConfig())
	scorer := reliability.NewScorer(reliability.DefaultConfig(), stores.Runs, clk)
	orch := New(cfg, stores, fetcher, parser.NewParser(clk), dd, scorer, bus, m, clk)
	return &fixture{orch: orch, stores: stores, fetcher: fetcher, bus: bus, metrics: m}
}

func (f *fixture) source(t *testing.T, id string) *feed.Source {
	t.Helper()
	src, err := f.stores.Sources.GetSource(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSource(%s) failed: %v", id, err)
	}
	return src
}

func TestAggregateIsolatesFailures(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		feed.Source{ID: "good", Name: "Good", Enabled: true, Format: feed.FormatCSV, Priority: feed.PriorityHigh},
		feed.Source{ID: "down", Name: "Down", Enabled: true, Priority: feed.PriorityLow},
	)
	f.fetcher.payloads["good"] = "value,type\n1.2.3.4,ip\nevil.example.com,domain\n"
	f.fetcher.failures["down"] = &feed.FetchError{SourceID: "down", StatusCode: 503}

	ch, unsubscribe := f.bus.Subscribe(32)
	defer unsubscribe()

	report, err := f.orch.Aggregate(context.Background(), []string{"good", "down", "good"})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if report.Sources != 2 || report.Succeeded != 1 || report.Failed != 1 {
		t.Errorf("Unexpected report totals: %+v", report)
	}
	if report.New != 2 || report.Items != 2 {
		t.Errorf("Expected 2 new items, got %d of %d", report.New, report.Items)
	}
	if _, ok := report.Errors["down"]; !ok {
		t.Errorf("Expected an error for down, got %v", report.Errors)
	}

	good := f.source(t, "good")
	if good.SuccessfulRuns != 1 || good.TotalItems != 2 || good.NewItems != 2 || good.LastRunAt == nil {
		t.Errorf("Unexpected state for good: %+v", good)
	}
	if good.ReliabilityScore == reliability.Unscored || good.ReliabilityScore <= 0 {
		t.Errorf("Expected a computed score for good, got %v", good.ReliabilityScore)
	}

	down := f.source(t, "down")
	if down.FailedRuns != 1 || down.ConsecutiveFailures != 1 || down.LastError == "" {
		t.Errorf("Unexpected state for down: %+v", down)
	}

	runs, err := f.stores.Runs.ListRuns(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(runs))
	}

	counts := map[events.Type]int{}
	for len(ch) > 0 {
		counts[(<-ch).Type]++
	}
	if counts[events.ItemCreated] != 2 || counts[events.RunCompleted] != 2 || counts[events.ScoreUpdated] != 2 {
		t.Errorf("Unexpected event counts: %v", counts)
	}
}

func TestAggregateCountsItemsOnBothSources(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		feed.Source{ID: "a", Name: "A", Enabled: true, Format: feed.FormatCSV, Priority: feed.PriorityHigh, MergePolicy: feed.PolicyPrioritizeSource},
		feed.Source{ID: "b", Name: "B", Enabled: true, Format: feed.FormatCSV, Priority: feed.PriorityLow, MergePolicy: feed.PolicyPrioritizeSource},
	)
	f.fetcher.payloads["a"] = "value,type\n192.168.1.1,ip\n"
	f.fetcher.payloads["b"] = "value,type\n\"192.168.1.1 \",ip\n"

	ctx := context.Background()
	if _, err := f.orch.RunSource(ctx, "a", 0); err != nil {
		t.Fatalf("RunSource(a) failed: %v", err)
	}
	result, err := f.orch.RunSource(ctx, "b", 0)
	if err != nil {
		t.Fatalf("RunSource(b) failed: %v", err)
	}
	if result.Exact != 1 {
		t.Errorf("Expected an exact duplicate, got %+v", result)
	}

	for _, id := range []string{"a", "b"} {
		if got := f.source(t, id).TotalItems; got != 1 {
			t.Errorf("Expected TotalItems 1 on %s, got %d", id, got)
		}
	}

	items, err := f.stores.Items.ListItems(ctx, database.ItemQuery{CanonicalOnly: true})
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 1 || items[0].SourceID != "a" {
		t.Fatalf("Expected one canonical from a, got %+v", items)
	}
	dups, err := f.stores.Items.ListDuplicates(ctx, items[0].ID, 0)
	if err != nil {
		t.Fatalf("ListDuplicates failed: %v", err)
	}
	if len(dups) != 1 || dups[0].SourceID != "b" {
		t.Errorf("Expected one duplicate from b, got %+v", dups)
	}
}

func TestAggregateRejectsEmptyList(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for _, ids := range [][]string{nil, {}, {"", " "}} {
		if _, err := f.orch.Aggregate(context.Background(), ids); !feed.IsValidationError(err) {
			t.Errorf("Aggregate(%q): expected ValidationError, got %v", ids, err)
		}
	}
}

func TestAggregateUnknownSource(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	report, err := f.orch.Aggregate(context.Background(), []string{"ghost"})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if report.Failed != 1 || report.Errors["ghost"] == "" {
		t.Errorf("Expected ghost to fail, got %+v", report)
	}
}

func TestAggregateBoundsConcurrency(t *testing.T) {
	var sources []feed.Source
	var ids []string
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		sources = append(sources, feed.Source{ID: id, Name: id, Enabled: true, Format: feed.FormatCSV, Priority: feed.PriorityMedium})
		ids = append(ids, id)
	}
	cfg := DefaultConfig()
	cfg.WorkerCount = 2
	f := newFixture(t, cfg, sources...)
	for _, id := range ids {
		f.fetcher.payloads[id] = "value,type\n10.0.0.1,ip\n"
	}
	f.fetcher.gate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := f.orch.Aggregate(context.Background(), ids); err != nil {
			t.Errorf("Aggregate failed: %v", err)
		}
	}()

	for range ids {
		f.fetcher.gate <- struct{}{}
	}
	<-done

	if peak := f.fetcher.maxActive.Load(); peak > 2 {
		t.Errorf("Expected at most 2 concurrent fetches, got %d", peak)
	}
}

func TestRunSourceRejectsOverlap(t *testing.T) {
	f := newFixture(t, DefaultConfig(), feed.Source{ID: "slow", Name: "Slow", Enabled: true, Format: feed.FormatCSV, Priority: feed.PriorityLow})
	f.fetcher.payloads["slow"] = "value,type\n10.0.0.1,ip\n"
	f.fetcher.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.RunSource(context.Background(), "slow", 0)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !f.orch.Running("slow") {
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := f.orch.RunSource(context.Background(), "slow", 0); !errors.Is(err, feed.ErrRunInProgress) {
		t.Errorf("Expected ErrRunInProgress, got %v", err)
	}
	if status := f.orch.Status(); len(status.InFlight) != 1 || status.InFlight[0] != "slow" {
		t.Errorf("Expected slow in flight, got %v", status.InFlight)
	}

	f.fetcher.gate <- struct{}{}
	if err := <-done; err != nil {
		t.Fatalf("RunSource failed: %v", err)
	}

	status := f.orch.Status()
	if len(status.InFlight) != 0 {
		t.Errorf("Expected nothing in flight, got %v", status.InFlight)
	}
	if last := status.Last["slow"]; last.Status != feed.RunSuccess || last.New != 1 {
		t.Errorf("Unexpected last outcome: %+v", last)
	}
}

func TestRunSourceCancelledIsSkipped(t *testing.T) {
	f := newFixture(t, DefaultConfig(), feed.Source{ID: "x", Name: "X", Enabled: true, Priority: feed.PriorityLow})
	f.fetcher.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.orch.RunSource(ctx, "x", 0); err == nil {
		t.Fatal("Expected a cancelled run to fail")
	}

	src := f.source(t, "x")
	if src.FailedRuns != 0 || src.ConsecutiveFailures != 0 {
		t.Errorf("Expected a cancelled run not to count, got %+v", src)
	}
	runs, _ := f.stores.Runs.ListRuns(context.Background(), "x", 0)
	if len(runs) != 1 || runs[0].Status != feed.RunSkipped {
		t.Errorf("Expected one skipped run, got %+v", runs)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		statuses []feed.SourceStatus
		expected HealthStatus
	}{
		{"all active", []feed.SourceStatus{feed.StatusActive, feed.StatusActive, feed.StatusActive}, Healthy},
		{"one in ten", []feed.SourceStatus{feed.StatusError, feed.StatusActive, feed.StatusActive, feed.StatusActive,
			feed.StatusActive, feed.StatusActive, feed.StatusActive, feed.StatusActive, feed.StatusActive, feed.StatusActive}, Healthy},
		{"one in five", []feed.SourceStatus{feed.StatusError, feed.StatusActive, feed.StatusActive, feed.StatusActive, feed.StatusPaused}, Degraded},
		{"half", []feed.SourceStatus{feed.StatusError, feed.StatusActive}, Unhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sources []feed.Source
			for i, status := range tt.statuses {
				id := string(rune('a' + i))
				sources = append(sources, feed.Source{ID: id, Name: id, Enabled: true, Status: status, Priority: feed.PriorityMedium, ReliabilityScore: 80})
			}
			f := newFixture(t, DefaultConfig(), sources...)
			for _, src := range sources {
				if err := f.stores.Sources.UpdateSourceState(context.Background(), &src); err != nil {
					t.Fatalf("UpdateSourceState failed: %v", err)
				}
			}

			h, err := f.orch.Health(context.Background())
			if err != nil {
				t.Fatalf("Health failed: %v", err)
			}
			if h.Status != tt.expected {
				t.Errorf("Expected %s, got %s (error fraction %v)", tt.expected, h.Status, h.ErrorFraction)
			}
		})
	}
}

func TestHealthScoreWeighsPriority(t *testing.T) {
	sources := []feed.Source{
		{ID: "crit", Name: "crit", Enabled: true, Status: feed.StatusActive, Priority: feed.PriorityCritical, ReliabilityScore: 90},
		{ID: "low", Name: "low", Enabled: true, Status: feed.StatusActive, Priority: feed.PriorityLow, ReliabilityScore: 40},
		{ID: "off", Name: "off", Enabled: false, Status: feed.StatusActive, Priority: feed.PriorityCritical, ReliabilityScore: 0},
	}
	f := newFixture(t, DefaultConfig(), sources...)

	h, err := f.orch.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	// (4*90 + 1*40) / 5
	if h.HealthScore != 80 {
		t.Errorf("Expected health score 80, got %v", h.HealthScore)
	}
	if h.Enabled != 2 || h.Active != 2 || h.Sources != 3 {
		t.Errorf("Unexpected source counts: %+v", h)
	}
}

func TestMarkFalsePositive(t *testing.T) {
	f := newFixture(t, DefaultConfig(), feed.Source{ID: "noisy", Name: "Noisy", Enabled: true, Format: feed.FormatCSV, Priority: feed.PriorityLow})
	f.fetcher.payloads["noisy"] = "value,type\n8.8.8.8,ip\n"

	ctx := context.Background()
	if _, err := f.orch.RunSource(ctx, "noisy", 0); err != nil {
		t.Fatalf("RunSource failed: %v", err)
	}
	before := f.source(t, "noisy").ReliabilityScore

	items, _ := f.stores.Items.ListItems(ctx, database.ItemQuery{})
	item, err := f.orch.MarkFalsePositive(ctx, items[0].ID, true)
	if err != nil {
		t.Fatalf("MarkFalsePositive failed: %v", err)
	}
	if !item.IsFalsePositive {
		t.Error("Expected item to be flagged")
	}
	if _, err := f.orch.MarkFalsePositive(ctx, items[0].ID, true); err != nil {
		t.Fatalf("MarkFalsePositive failed: %v", err)
	}

	src := f.source(t, "noisy")
	if src.FalsePositives != 1 {
		t.Errorf("Expected 1 false positive, got %d", src.FalsePositives)
	}
	if src.ReliabilityScore >= before {
		t.Errorf("Expected score to drop below %v, got %v", before, src.ReliabilityScore)
	}

	if _, err := f.orch.MarkFalsePositive(ctx, "missing", true); !errors.Is(err, feed.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		feed.Source{ID: "a", Name: "A", Kind: feed.KindCommercial, Enabled: true, Format: feed.FormatCSV, Priority: feed.PriorityHigh},
		feed.Source{ID: "b", Name: "B", Kind: feed.KindOpenSource, Enabled: false, Priority: feed.PriorityLow},
	)
	f.fetcher.payloads["a"] = "value,type\n1.1.1.1,ip\n"
	if _, err := f.orch.Aggregate(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	stats, err := f.orch.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	if stats.Sources != 2 || stats.Enabled != 1 {
		t.Errorf("Unexpected source totals: %+v", stats)
	}
	if stats.ByKind[feed.KindCommercial] != 1 || stats.ByKind[feed.KindOpenSource] != 1 {
		t.Errorf("Unexpected kind breakdown: %v", stats.ByKind)
	}
	if stats.Items.Canonical != 1 || stats.Runs.Success != 1 || stats.Dedup.New != 1 {
		t.Errorf("Unexpected totals: items %+v runs %+v dedup %+v", stats.Items, stats.Runs, stats.Dedup)
	}

	ids, err := f.orch.EnabledSourceIDs(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "a" {
		t.Errorf("Expected enabled ids [a], got %v %v", ids, err)
	}
}
