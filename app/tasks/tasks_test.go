package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/dedup"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/parser"
	"github.com/lysyi3m/threat-comb/app/reliability"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubFetcher struct {
	payloads map[string]string
	err      error
}

func (f *stubFetcher) Fetch(_ context.Context, src *feed.Source) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.payloads[src.ID]), nil
}

type fixture struct {
	mem     *database.Memory
	dedup   *dedup.Deduplicator
	parser  *parser.Parser
	fetcher *stubFetcher
	clock   *clock.Fake
}

func newFixture(t *testing.T, sources ...feed.Source) *fixture {
	t.Helper()
	clk := clock.NewFake(testNow)
	mem := database.NewMemory(clk)
	for _, src := range sources {
		if _, err := mem.UpsertSource(context.Background(), &src); err != nil {
			t.Fatalf("UpsertSource failed: %v", err)
		}
	}
	return &fixture{
		mem:     mem,
		dedup:   dedup.New(mem, mem, dedup.DefaultConfig()),
		parser:  parser.NewParser(clk),
		fetcher: &stubFetcher{payloads: map[string]string{}},
		clock:   clk,
	}
}

func (f *fixture) run(t *testing.T, src feed.Source) *Result {
	t.Helper()
	task := NewProcessSourceTask(&src, f.fetcher, f.parser, f.dedup, f.clock)
	task.Start()
	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return task.Result
}

func TestProcessSourceTaskCounts(t *testing.T) {
	src := feed.Source{ID: "abuse", Name: "Abuse", Format: feed.FormatCSV, Priority: feed.PriorityHigh}
	f := newFixture(t, src)
	f.fetcher.payloads["abuse"] = "value,type\n1.2.3.4,ip\n,ip\nevil.example.com,domain\n"

	result := f.run(t, src)
	if result.Items != 2 || result.New != 2 || result.Duplicates() != 0 {
		t.Errorf("Unexpected first run result: %+v", result)
	}
	if len(result.ParseErrors) != 1 || result.ParseErrors[0].Record != 2 {
		t.Errorf("Expected one parse error on record 2, got %+v", result.ParseErrors)
	}
	if result.Format != feed.FormatCSV {
		t.Errorf("Expected format csv, got %s", result.Format)
	}

	result = f.run(t, src)
	if result.New != 0 || result.Exact != 2 {
		t.Errorf("Expected second run to find 2 exact duplicates, got %+v", result)
	}

	items, err := f.mem.ListItems(context.Background(), database.ItemQuery{CanonicalOnly: true})
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Expected 2 canonical items, got %d", len(items))
	}
	for _, item := range items {
		if item.SourceID != "abuse" {
			t.Errorf("Expected item attributed to abuse, got %s", item.SourceID)
		}
	}
}

func TestProcessSourceTaskAcrossSources(t *testing.T) {
	a := feed.Source{ID: "a", Name: "A", Format: feed.FormatCSV, Priority: feed.PriorityHigh, MergePolicy: feed.PolicyPrioritizeSource}
	b := feed.Source{ID: "b", Name: "B", Format: feed.FormatCSV, Priority: feed.PriorityLow, MergePolicy: feed.PolicyPrioritizeSource}
	f := newFixture(t, a, b)
	f.fetcher.payloads["a"] = "value,type\n192.168.1.1,ip\n"
	f.fetcher.payloads["b"] = "value,type\n\"192.168.1.1 \",ip\n"

	if result := f.run(t, a); result.New != 1 {
		t.Fatalf("Expected a new item from a, got %+v", result)
	}
	result := f.run(t, b)
	if result.Exact != 1 || len(result.Resolutions) != 1 {
		t.Fatalf("Expected an exact duplicate from b, got %+v", result)
	}

	res := result.Resolutions[0]
	if res.Canonical.SourceID != "a" || res.Canonical.Value != "192.168.1.1" {
		t.Errorf("Expected canonical attributed to a, got %s %q", res.Canonical.SourceID, res.Canonical.Value)
	}
	if res.Stored == nil || res.Stored.DuplicateOf != res.CanonicalID || res.Stored.SourceID != "b" {
		t.Errorf("Expected duplicate record from b, got %+v", res.Stored)
	}
}

func TestProcessSourceTaskFailures(t *testing.T) {
	src := feed.Source{ID: "broken", Name: "Broken"}
	f := newFixture(t, src)

	f.fetcher.err = &feed.FetchError{SourceID: "broken", StatusCode: 502}
	task := NewProcessSourceTask(&src, f.fetcher, f.parser, f.dedup, f.clock)
	err := task.Execute(context.Background())
	if !feed.IsFetchError(err) {
		t.Errorf("Expected FetchError, got %v", err)
	}
	if task.Result != nil {
		t.Error("Expected no result after a failed fetch")
	}

	f.fetcher.err = nil
	f.fetcher.payloads["broken"] = "   \n"
	task = NewProcessSourceTask(&src, f.fetcher, f.parser, f.dedup, f.clock)
	if err := task.Execute(context.Background()); !feed.IsFormatError(err) {
		t.Errorf("Expected FormatError, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task = NewProcessSourceTask(&src, f.fetcher, f.parser, f.dedup, f.clock)
	if err := task.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestTaskDuration(t *testing.T) {
	clk := clock.NewFake(testNow)
	task := NewTask(TaskTypeProcessSource, "otx", clk)

	if task.GetDuration() != 0 {
		t.Errorf("Expected zero duration before start, got %v", task.GetDuration())
	}
	task.Start()
	clk.Advance(3 * time.Second)
	if task.GetDuration() != 3*time.Second {
		t.Errorf("Expected 3s duration, got %v", task.GetDuration())
	}
	if task.ID == "" || task.SourceID != "otx" || task.Type != TaskTypeProcessSource {
		t.Errorf("Unexpected task identity: %+v", task)
	}
}

func TestSyncSources(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"otx.yml": "name: OTX\nkind: commercial\nendpoint: https://otx.example.com/feed\npriority: high\n",
		"urlhaus.yml": "name: URLhaus\nkind: open-source\nendpoint: https://urlhaus.example.com/csv\nformat: csv\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	cache := feed.NewConfigCache(dir)
	if err := cache.Run(); err != nil {
		t.Fatalf("ConfigCache.Run failed: %v", err)
	}

	mem := database.NewMemory(clock.NewFake(testNow))
	synced, err := SyncSources(context.Background(), cache, mem, clock.NewFake(testNow))
	if err != nil {
		t.Fatalf("SyncSources failed: %v", err)
	}
	if synced != 2 {
		t.Errorf("Expected 2 synced sources, got %d", synced)
	}

	src, err := mem.GetSource(context.Background(), "urlhaus")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	if src.Kind != feed.KindOpenSource || src.Format != feed.FormatCSV || !src.Enabled {
		t.Errorf("Unexpected synced source: %+v", src)
	}
}

func TestSyncSourceConfigTaskRejectsInvalid(t *testing.T) {
	mem := database.NewMemory(clock.NewFake(testNow))
	task := NewSyncSourceConfigTask(&feed.Source{ID: "bad", Name: "Bad"}, mem, clock.NewFake(testNow))
	if err := task.Execute(context.Background()); !feed.IsValidationError(err) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
	if count, _ := mem.GetSourceCount(context.Background()); count != 0 {
		t.Errorf("Expected no stored source, got %d", count)
	}
}

func TestSyncSourceConfigTaskStartsUnscored(t *testing.T) {
	mem := database.NewMemory(clock.NewFake(testNow))
	src := &feed.Source{ID: "otx", Name: "OTX", Kind: feed.KindCommercial, Endpoint: "https://otx.example.com",
		Priority: feed.PriorityHigh, Schedule: "0 * * * *"}
	task := NewSyncSourceConfigTask(src, mem, clock.NewFake(testNow))
	if err := task.Execute(context.Background()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !task.Created {
		t.Error("Expected source to be created")
	}

	stored, err := mem.GetSource(context.Background(), "otx")
	if err != nil {
		t.Fatalf("GetSource failed: %v", err)
	}
	if stored.ReliabilityScore != reliability.Unscored {
		t.Errorf("Expected score %v, got %v", reliability.Unscored, stored.ReliabilityScore)
	}
}
