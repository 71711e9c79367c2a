package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/feed"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// forEachStore runs fn against a fresh SQLite database and a fresh memory store.
func forEachStore(t *testing.T, fn func(t *testing.T, stores *Stores, clk *clock.Fake)) {
	t.Run("sqlite", func(t *testing.T) {
		clk := clock.NewFake(testNow)
		db, err := Open(filepath.Join(t.TempDir(), "test.db"), clk)
		if err != nil {
			t.Fatalf("Failed to open database: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		fn(t, NewStores(db), clk)
	})
	t.Run("memory", func(t *testing.T) {
		clk := clock.NewFake(testNow)
		fn(t, NewMemoryStores(clk), clk)
	})
}

func testItem(source, value string) *feed.Item {
	return &feed.Item{
		SourceID:        source,
		Kind:            feed.ItemIndicator,
		IndicatorType:   feed.TypeDomain,
		Value:           value,
		NormalizedValue: value,
		Confidence:      50,
		Tags:            []string{"phishing"},
		TLP:             feed.TLPGreen,
		FirstSeen:       testNow.Add(-time.Hour),
		LastSeen:        testNow,
		ContentHash:     "hash-" + value,
		Sources:         []string{source},
		Metadata:        map[string]any{"port": "443"},
	}
}

func TestSourceUpsertKeepsRuntimeState(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, clk *clock.Fake) {
		ctx := context.Background()
		src := &feed.Source{
			ID: "otx", Name: "OTX", Kind: feed.KindOpenSource, Endpoint: "https://otx.example/api",
			Format: feed.FormatJSON, Schedule: "*/15 * * * *", Enabled: true, Status: feed.StatusActive,
			Priority: feed.PriorityHigh, ReliabilityScore: 50,
		}

		created, err := stores.Sources.UpsertSource(ctx, src)
		if err != nil {
			t.Fatalf("UpsertSource failed: %v", err)
		}
		if !created {
			t.Error("Expected first upsert to create the source")
		}

		next := testNow.Add(15 * time.Minute)
		state := *src
		state.ReliabilityScore = 87.5
		state.SuccessfulRuns = 4
		state.TotalItems = 120
		state.LastRunAt = &testNow
		state.NextRunAt = &next
		state.LastRunDuration = 3 * time.Second
		if err := stores.Sources.UpdateSourceState(ctx, &state); err != nil {
			t.Fatalf("UpdateSourceState failed: %v", err)
		}

		clk.Advance(time.Minute)
		src.Name = "AlienVault OTX"
		created, err = stores.Sources.UpsertSource(ctx, src)
		if err != nil {
			t.Fatalf("UpsertSource failed: %v", err)
		}
		if created {
			t.Error("Expected second upsert to update the source")
		}

		got, err := stores.Sources.GetSource(ctx, "otx")
		if err != nil {
			t.Fatalf("GetSource failed: %v", err)
		}
		if got.Name != "AlienVault OTX" {
			t.Errorf("Expected name to be updated, got %q", got.Name)
		}
		if got.ReliabilityScore != 87.5 || got.SuccessfulRuns != 4 || got.TotalItems != 120 {
			t.Errorf("Expected runtime state to survive upsert, got score %v runs %d items %d",
				got.ReliabilityScore, got.SuccessfulRuns, got.TotalItems)
		}
		if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
			t.Errorf("Expected next run %v, got %v", next, got.NextRunAt)
		}
		if got.LastRunDuration != 3*time.Second {
			t.Errorf("Expected last run duration 3s, got %v", got.LastRunDuration)
		}
		if !got.UpdatedAt.Equal(testNow.Add(time.Minute)) {
			t.Errorf("Expected updated_at %v, got %v", testNow.Add(time.Minute), got.UpdatedAt)
		}
	})
}

func TestSourceListAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, _ *clock.Fake) {
		ctx := context.Background()
		for _, src := range []feed.Source{
			{ID: "b", Name: "B", Kind: feed.KindCommercial, Endpoint: "https://b", Schedule: "@hourly"},
			{ID: "a", Name: "A", Kind: feed.KindOpenSource, Endpoint: "https://a", Schedule: "@hourly"},
			{ID: "c", Name: "C", Kind: feed.KindCommercial, Endpoint: "https://c", Schedule: "@hourly"},
		} {
			if _, err := stores.Sources.UpsertSource(ctx, &src); err != nil {
				t.Fatalf("UpsertSource failed: %v", err)
			}
		}

		commercial, err := stores.Sources.ListSources(ctx, feed.KindCommercial)
		if err != nil {
			t.Fatalf("ListSources failed: %v", err)
		}
		var ids []string
		for _, src := range commercial {
			ids = append(ids, src.ID)
		}
		if diff := cmp.Diff([]string{"b", "c"}, ids); diff != "" {
			t.Errorf("Commercial sources mismatch (-want +got):\n%s", diff)
		}

		if err := stores.Sources.DeleteSource(ctx, "b"); err != nil {
			t.Fatalf("DeleteSource failed: %v", err)
		}
		if err := stores.Sources.DeleteSource(ctx, "b"); !errors.Is(err, feed.ErrNotFound) {
			t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
		}
		if _, err := stores.Sources.GetSource(ctx, "b"); !errors.Is(err, feed.ErrNotFound) {
			t.Errorf("Expected ErrNotFound for deleted source, got %v", err)
		}

		count, err := stores.Sources.GetSourceCount(ctx)
		if err != nil {
			t.Fatalf("GetSourceCount failed: %v", err)
		}
		if count != 2 {
			t.Errorf("Expected 2 sources, got %d", count)
		}
	})
}

func TestPutCanonicalCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, _ *clock.Fake) {
		ctx := context.Background()

		item := testItem("a", "evil.example")
		if err := stores.Items.PutCanonical(ctx, item); err != nil {
			t.Fatalf("PutCanonical failed: %v", err)
		}
		if item.ID == "" || item.Revision != 1 || item.SeenCount != 1 {
			t.Fatalf("Expected id, revision 1 and seen count 1, got %q %d %d", item.ID, item.Revision, item.SeenCount)
		}

		second := testItem("b", "evil.example")
		if err := stores.Items.PutCanonical(ctx, second); !errors.Is(err, ErrConflict) {
			t.Errorf("Expected ErrConflict for a second canonical, got %v", err)
		}

		stale := *item
		item.Confidence = 90
		if err := stores.Items.PutCanonical(ctx, item); err != nil {
			t.Fatalf("PutCanonical update failed: %v", err)
		}
		if item.Revision != 2 {
			t.Errorf("Expected revision 2, got %d", item.Revision)
		}

		stale.Confidence = 10
		if err := stores.Items.PutCanonical(ctx, &stale); !errors.Is(err, ErrConflict) {
			t.Errorf("Expected ErrConflict for a stale revision, got %v", err)
		}

		found, err := stores.Items.FindCanonicals(ctx, item.ContentHash)
		if err != nil {
			t.Fatalf("FindCanonicals failed: %v", err)
		}
		if len(found) != 1 {
			t.Fatalf("Expected 1 canonical, got %d", len(found))
		}
		got := found[0]
		if got.Confidence != 90 {
			t.Errorf("Expected confidence 90, got %d", got.Confidence)
		}
		if diff := cmp.Diff([]string{"phishing"}, got.Tags); diff != "" {
			t.Errorf("Tags mismatch (-want +got):\n%s", diff)
		}
		if got.Metadata["port"] != "443" {
			t.Errorf("Expected metadata port 443, got %v", got.Metadata["port"])
		}
		if !got.FirstSeen.Equal(testNow.Add(-time.Hour)) || !got.LastSeen.Equal(testNow) {
			t.Errorf("Expected seen window to round-trip, got %v - %v", got.FirstSeen, got.LastSeen)
		}
	})
}

func TestConcurrentPutCanonicalSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, _ *clock.Fake) {
		ctx := context.Background()

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := stores.Items.PutCanonical(ctx, testItem("src", "race.example"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("Unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if wins != 1 || conflicts != writers-1 {
			t.Errorf("Expected 1 winner and %d conflicts, got %d and %d", writers-1, wins, conflicts)
		}
	})
}

func TestUpsertDuplicatePerSource(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, clk *clock.Fake) {
		ctx := context.Background()

		canonical := testItem("a", "dup.example")
		if err := stores.Items.PutCanonical(ctx, canonical); err != nil {
			t.Fatalf("PutCanonical failed: %v", err)
		}

		dup := testItem("b", "dup.example")
		dup.DuplicateOf = canonical.ID
		if err := stores.Items.UpsertDuplicate(ctx, dup); err != nil {
			t.Fatalf("UpsertDuplicate failed: %v", err)
		}

		clk.Advance(time.Hour)
		again := testItem("b", "dup.example")
		again.DuplicateOf = canonical.ID
		again.LastSeen = testNow.Add(time.Hour)
		if err := stores.Items.UpsertDuplicate(ctx, again); err != nil {
			t.Fatalf("UpsertDuplicate failed: %v", err)
		}
		if again.ID != dup.ID {
			t.Errorf("Expected repeated report to reuse id %s, got %s", dup.ID, again.ID)
		}
		if again.SeenCount != 2 {
			t.Errorf("Expected seen count 2, got %d", again.SeenCount)
		}

		dups, err := stores.Items.ListDuplicates(ctx, canonical.ID, 0)
		if err != nil {
			t.Fatalf("ListDuplicates failed: %v", err)
		}
		if len(dups) != 1 {
			t.Fatalf("Expected 1 duplicate, got %d", len(dups))
		}
		if !dups[0].LastSeen.Equal(testNow.Add(time.Hour)) {
			t.Errorf("Expected last seen to move forward, got %v", dups[0].LastSeen)
		}

		orphan := testItem("c", "dup.example")
		if err := stores.Items.UpsertDuplicate(ctx, orphan); err == nil {
			t.Error("Expected an error for a duplicate without canonical reference")
		}

		counts, err := stores.Items.CountItems(ctx)
		if err != nil {
			t.Fatalf("CountItems failed: %v", err)
		}
		want := ItemCounts{Total: 2, Canonical: 1, Duplicates: 1}
		if diff := cmp.Diff(want, counts); diff != "" {
			t.Errorf("Counts mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestListByTypeAndTopDuplicated(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, _ *clock.Fake) {
		ctx := context.Background()

		old := testItem("a", "old.example")
		old.LastSeen = testNow.Add(-48 * time.Hour)
		recent := testItem("a", "recent.example")
		recent.LastSeen = testNow.Add(-time.Hour)
		recent.SeenCount = 3
		newest := testItem("a", "newest.example")
		newest.SeenCount = 2
		ip := testItem("a", "10.0.0.1")
		ip.IndicatorType = feed.TypeIP

		for _, item := range []*feed.Item{old, recent, newest, ip} {
			if err := stores.Items.PutCanonical(ctx, item); err != nil {
				t.Fatalf("PutCanonical failed: %v", err)
			}
		}

		domains, err := stores.Items.ListByType(ctx, feed.TypeDomain, testNow.Add(-24*time.Hour), 10)
		if err != nil {
			t.Fatalf("ListByType failed: %v", err)
		}
		var values []string
		for _, item := range domains {
			values = append(values, item.Value)
		}
		if diff := cmp.Diff([]string{"newest.example", "recent.example"}, values); diff != "" {
			t.Errorf("ListByType mismatch (-want +got):\n%s", diff)
		}

		limited, err := stores.Items.ListItems(ctx, ItemQuery{Type: feed.TypeDomain, Limit: 1})
		if err != nil {
			t.Fatalf("ListItems failed: %v", err)
		}
		if len(limited) != 1 || limited[0].Value != "newest.example" {
			t.Errorf("Expected only newest.example, got %v", limited)
		}

		top, err := stores.Items.TopDuplicated(ctx, 5)
		if err != nil {
			t.Fatalf("TopDuplicated failed: %v", err)
		}
		values = values[:0]
		for _, item := range top {
			values = append(values, item.Value)
		}
		if diff := cmp.Diff([]string{"recent.example", "newest.example"}, values); diff != "" {
			t.Errorf("TopDuplicated mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestDemoteAndFalsePositive(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, _ *clock.Fake) {
		ctx := context.Background()

		keep := testItem("a", "keep.example")
		if err := stores.Items.PutCanonical(ctx, keep); err != nil {
			t.Fatalf("PutCanonical failed: %v", err)
		}
		other := testItem("b", "other.example")
		if err := stores.Items.PutCanonical(ctx, other); err != nil {
			t.Fatalf("PutCanonical failed: %v", err)
		}

		if err := stores.Items.Demote(ctx, other.ID, keep.ID); err != nil {
			t.Fatalf("Demote failed: %v", err)
		}
		got, err := stores.Items.GetItem(ctx, other.ID)
		if err != nil {
			t.Fatalf("GetItem failed: %v", err)
		}
		if got.DuplicateOf != keep.ID {
			t.Errorf("Expected duplicate_of %s, got %q", keep.ID, got.DuplicateOf)
		}

		if err := stores.Items.SetFalsePositive(ctx, keep.ID, true); err != nil {
			t.Fatalf("SetFalsePositive failed: %v", err)
		}
		got, err = stores.Items.GetItem(ctx, keep.ID)
		if err != nil {
			t.Fatalf("GetItem failed: %v", err)
		}
		if !got.IsFalsePositive {
			t.Error("Expected item to be marked as false positive")
		}

		if err := stores.Items.SetFalsePositive(ctx, "missing", true); !errors.Is(err, feed.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
		if _, err := stores.Items.GetItem(ctx, "missing"); !errors.Is(err, feed.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestCustomFeedVersioning(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, clk *clock.Fake) {
		ctx := context.Background()

		cf := &feed.CustomFeed{
			Name:         "High confidence domains",
			OutputFormat: feed.FormatCSV,
			Fields:       []feed.Field{{Name: "value", Required: true}, {Name: "confidence"}},
			Filter: feed.Criteria{Conditions: []feed.Condition{
				{Field: "indicator_type", Operator: "eq", Value: "domain"},
			}},
			Distribution: feed.DistributionInternal,
		}
		if err := stores.CustomFeeds.CreateCustomFeed(ctx, cf); err != nil {
			t.Fatalf("CreateCustomFeed failed: %v", err)
		}
		if cf.ID == "" || cf.Version != 1 {
			t.Fatalf("Expected id and version 1, got %q %d", cf.ID, cf.Version)
		}

		clk.Advance(time.Minute)
		cf.Description = "renamed only"
		if err := stores.CustomFeeds.UpdateCustomFeed(ctx, cf); err != nil {
			t.Fatalf("UpdateCustomFeed failed: %v", err)
		}
		if cf.Version != 1 {
			t.Errorf("Expected description edit to keep version 1, got %d", cf.Version)
		}

		cf.Filter.Conditions = append(cf.Filter.Conditions, feed.Condition{Field: "confidence", Operator: "gte", Value: "80"})
		if err := stores.CustomFeeds.UpdateCustomFeed(ctx, cf); err != nil {
			t.Fatalf("UpdateCustomFeed failed: %v", err)
		}
		if cf.Version != 2 {
			t.Errorf("Expected filter edit to bump version to 2, got %d", cf.Version)
		}

		got, err := stores.CustomFeeds.GetCustomFeed(ctx, cf.ID)
		if err != nil {
			t.Fatalf("GetCustomFeed failed: %v", err)
		}
		if diff := cmp.Diff(cf.Filter, got.Filter); diff != "" {
			t.Errorf("Filter mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(cf.Fields, got.Fields); diff != "" {
			t.Errorf("Fields mismatch (-want +got):\n%s", diff)
		}
		if !got.CreatedAt.Equal(testNow) {
			t.Errorf("Expected created_at %v, got %v", testNow, got.CreatedAt)
		}

		feeds, err := stores.CustomFeeds.ListCustomFeeds(ctx)
		if err != nil {
			t.Fatalf("ListCustomFeeds failed: %v", err)
		}
		if len(feeds) != 1 {
			t.Errorf("Expected 1 custom feed, got %d", len(feeds))
		}

		if err := stores.CustomFeeds.DeleteCustomFeed(ctx, cf.ID); err != nil {
			t.Fatalf("DeleteCustomFeed failed: %v", err)
		}
		if err := stores.CustomFeeds.UpdateCustomFeed(ctx, cf); !errors.Is(err, feed.ErrNotFound) {
			t.Errorf("Expected ErrNotFound after delete, got %v", err)
		}
	})
}

func TestRunsAndAdjustments(t *testing.T) {
	forEachStore(t, func(t *testing.T, stores *Stores, _ *clock.Fake) {
		ctx := context.Background()

		for i, status := range []feed.RunStatus{feed.RunFailed, feed.RunSuccess, feed.RunSkipped} {
			end := testNow.Add(time.Duration(i)*time.Hour + time.Minute)
			run := &feed.ScheduleRun{
				ScheduleID: "otx",
				StartTime:  testNow.Add(time.Duration(i) * time.Hour),
				EndTime:    &end,
				Status:     status,
			}
			if err := stores.Runs.AppendRun(ctx, run); err != nil {
				t.Fatalf("AppendRun failed: %v", err)
			}
		}
		if err := stores.Runs.AppendRun(ctx, &feed.ScheduleRun{ScheduleID: "other", StartTime: testNow, Status: feed.RunSuccess}); err != nil {
			t.Fatalf("AppendRun failed: %v", err)
		}

		runs, err := stores.Runs.ListRuns(ctx, "otx", 2)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("Expected 2 runs, got %d", len(runs))
		}
		if runs[0].Status != feed.RunSkipped || runs[1].Status != feed.RunSuccess {
			t.Errorf("Expected newest runs first, got %s then %s", runs[0].Status, runs[1].Status)
		}

		totals, err := stores.Runs.GetRunTotals(ctx)
		if err != nil {
			t.Fatalf("GetRunTotals failed: %v", err)
		}
		if diff := cmp.Diff(RunTotals{Total: 4, Success: 2, Failed: 1, Skipped: 1}, totals); diff != "" {
			t.Errorf("Run totals mismatch (-want +got):\n%s", diff)
		}

		adj := feed.ReliabilityAdjustment{SourceID: "otx", Score: 20, Reason: "noisy", At: testNow}
		if err := stores.Runs.AppendAdjustment(ctx, adj); err != nil {
			t.Fatalf("AppendAdjustment failed: %v", err)
		}
		adjustments, err := stores.Runs.ListAdjustments(ctx, "otx")
		if err != nil {
			t.Fatalf("ListAdjustments failed: %v", err)
		}
		if len(adjustments) != 1 || adjustments[0].Reason != "noisy" || !adjustments[0].At.Equal(testNow) {
			t.Errorf("Unexpected adjustments: %+v", adjustments)
		}
	})
}
