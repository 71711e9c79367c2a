package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/parser"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func candidate(t *testing.T, source string, typ feed.IndicatorType, value string) feed.Item {
	t.Helper()
	normalized, err := parser.Normalize(typ, value)
	if err != nil {
		t.Fatalf("Normalize(%s, %q) failed: %v", typ, value, err)
	}
	return feed.Item{
		SourceID:        source,
		Kind:            feed.ItemIndicator,
		IndicatorType:   typ,
		Value:           value,
		NormalizedValue: normalized,
		Confidence:      50,
		FirstSeen:       testNow,
		LastSeen:        testNow,
		ContentHash:     parser.ContentHash(typ, normalized),
	}
}

func newTestDeduplicator(t *testing.T, sources ...feed.Source) (*Deduplicator, *database.Memory) {
	t.Helper()
	mem := database.NewMemory(clock.NewFake(testNow))
	for _, src := range sources {
		if _, err := mem.UpsertSource(context.Background(), &src); err != nil {
			t.Fatalf("UpsertSource failed: %v", err)
		}
	}
	return New(mem, mem, DefaultConfig()), mem
}

func canonicals(t *testing.T, store database.ItemStore) []feed.Item {
	t.Helper()
	items, err := store.ListItems(context.Background(), database.ItemQuery{CanonicalOnly: true})
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	return items
}

func TestResolveIsIdempotent(t *testing.T) {
	d, mem := newTestDeduplicator(t)
	ctx := context.Background()
	item := candidate(t, "a", feed.TypeIP, "10.1.1.1")

	first, err := d.Resolve(ctx, item, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if first.Action != ActionNew {
		t.Errorf("Expected %s, got %s", ActionNew, first.Action)
	}

	second, err := d.Resolve(ctx, item, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if second.Action != ActionExactDuplicate {
		t.Errorf("Expected %s, got %s", ActionExactDuplicate, second.Action)
	}
	if second.CanonicalID != first.CanonicalID {
		t.Errorf("Expected canonical %s, got %s", first.CanonicalID, second.CanonicalID)
	}
	if second.Stored != nil {
		t.Error("Expected no duplicate record for a re-report from the same source")
	}
	if second.Canonical.SeenCount != 2 {
		t.Errorf("Expected seen count 2, got %d", second.Canonical.SeenCount)
	}

	if got := canonicals(t, mem); len(got) != 1 {
		t.Errorf("Expected 1 canonical item, got %d", len(got))
	}
}

func TestPrioritizeSourceKeepsHigherPriority(t *testing.T) {
	d, mem := newTestDeduplicator(t,
		feed.Source{ID: "a", Priority: feed.PriorityHigh},
		feed.Source{ID: "b", Priority: feed.PriorityLow},
	)
	ctx := context.Background()

	fromA := candidate(t, "a", feed.TypeIP, "192.168.1.1")
	fromA.Confidence = 60
	fromB := candidate(t, "b", feed.TypeIP, "192.168.1.1 ")
	fromB.Confidence = 95

	if _, err := d.Resolve(ctx, fromA, feed.PolicyPrioritizeSource); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	res, err := d.Resolve(ctx, fromB, feed.PolicyPrioritizeSource)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Action != ActionExactDuplicate {
		t.Fatalf("Expected %s, got %s", ActionExactDuplicate, res.Action)
	}
	all := canonicals(t, mem)
	if len(all) != 1 {
		t.Fatalf("Expected 1 canonical item, got %d", len(all))
	}
	got := all[0]
	if got.Value != "192.168.1.1" || got.SourceID != "a" {
		t.Errorf("Expected value 192.168.1.1 from a, got %q from %s", got.Value, got.SourceID)
	}
	if got.Confidence != 60 {
		t.Errorf("Expected confidence of the higher priority source, got %d", got.Confidence)
	}
	if diff := cmp.Diff([]string{"a", "b"}, got.Sources); diff != "" {
		t.Errorf("Sources mismatch (-want +got):\n%s", diff)
	}

	if res.Stored == nil {
		t.Fatal("Expected a duplicate record for source b")
	}
	if res.Stored.SourceID != "b" || res.Stored.DuplicateOf != got.ID {
		t.Errorf("Expected duplicate from b pointing at %s, got %s -> %s", got.ID, res.Stored.SourceID, res.Stored.DuplicateOf)
	}
}

func TestPrioritizeSourceCandidateWins(t *testing.T) {
	d, _ := newTestDeduplicator(t,
		feed.Source{ID: "a", Priority: feed.PriorityMedium, ReliabilityScore: 40},
		feed.Source{ID: "b", Priority: feed.PriorityMedium, ReliabilityScore: 90},
	)
	ctx := context.Background()

	fromA := candidate(t, "a", feed.TypeDomain, "evil.example")
	fromA.Severity = feed.SeverityLow
	fromB := candidate(t, "b", feed.TypeDomain, "EVIL.example")
	fromB.Severity = feed.SeverityHigh
	fromB.Title = "C2 server"

	if _, err := d.Resolve(ctx, fromA, feed.PolicyPrioritizeSource); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	res, err := d.Resolve(ctx, fromB, feed.PolicyPrioritizeSource)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Canonical.Severity != feed.SeverityHigh || res.Canonical.Title != "C2 server" {
		t.Errorf("Expected fields of the more reliable source, got %s %q", res.Canonical.Severity, res.Canonical.Title)
	}
	if res.Canonical.SourceID != "b" {
		t.Errorf("Expected the canonical to be attributed to b, got %s", res.Canonical.SourceID)
	}
	if res.Stored == nil || res.Stored.SourceID != "a" || res.Stored.DuplicateOf != res.CanonicalID {
		t.Fatalf("Expected the report of a kept as a duplicate of %s, got %+v", res.CanonicalID, res.Stored)
	}
	if res.Stored.Severity != feed.SeverityLow {
		t.Errorf("Expected the duplicate to keep the severity of a, got %s", res.Stored.Severity)
	}
}

func TestPrioritizeSourceChain(t *testing.T) {
	d, mem := newTestDeduplicator(t,
		feed.Source{ID: "low", Priority: feed.PriorityLow},
		feed.Source{ID: "high", Priority: feed.PriorityHigh},
		feed.Source{ID: "med", Priority: feed.PriorityMedium},
	)
	ctx := context.Background()

	var last *Resolution
	for _, source := range []string{"low", "high", "med"} {
		item := candidate(t, source, feed.TypeIP, "192.168.1.1")
		item.Title = "from " + source
		res, err := d.Resolve(ctx, item, feed.PolicyPrioritizeSource)
		if err != nil {
			t.Fatalf("Resolve(%s) failed: %v", source, err)
		}
		last = res
	}

	all := canonicals(t, mem)
	if len(all) != 1 {
		t.Fatalf("Expected 1 canonical item, got %d", len(all))
	}
	got := all[0]
	if got.SourceID != "high" || got.Title != "from high" {
		t.Errorf("Expected the canonical to hold the report of high, got %q from %s", got.Title, got.SourceID)
	}
	if diff := cmp.Diff([]string{"low", "high", "med"}, got.Sources); diff != "" {
		t.Errorf("Sources mismatch (-want +got):\n%s", diff)
	}
	if last.Stored == nil || last.Stored.SourceID != "med" {
		t.Errorf("Expected the report of med kept as a duplicate, got %+v", last.Stored)
	}

	dups, err := mem.ListDuplicates(ctx, got.ID, 10)
	if err != nil {
		t.Fatalf("ListDuplicates failed: %v", err)
	}
	titles := map[string]string{}
	for _, dup := range dups {
		titles[dup.SourceID] = dup.Title
	}
	if diff := cmp.Diff(map[string]string{"low": "from low", "med": "from med"}, titles); diff != "" {
		t.Errorf("Duplicates mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeFields(t *testing.T) {
	d, _ := newTestDeduplicator(t)
	ctx := context.Background()

	first := candidate(t, "a", feed.TypeHash, "D41D8CD98F00B204E9800998ECF8427E")
	first.Tags = []string{"malware"}
	first.Severity = feed.SeverityMedium
	first.TLP = feed.TLPGreen
	first.Confidence = 70

	second := candidate(t, "b", feed.TypeHash, "d41d8cd98f00b204e9800998ecf8427e")
	second.Tags = []string{"malware", "emotet"}
	second.Severity = feed.SeverityCritical
	second.TLP = feed.TLPAmber
	second.Confidence = 40
	second.Description = "Emotet loader"
	second.FirstSeen = testNow.Add(-24 * time.Hour)
	second.LastSeen = testNow.Add(time.Hour)

	if _, err := d.Resolve(ctx, first, feed.PolicyMergeFields); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	res, err := d.Resolve(ctx, second, feed.PolicyMergeFields)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got := res.Canonical
	if diff := cmp.Diff([]string{"malware", "emotet"}, got.Tags); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}
	if got.Severity != feed.SeverityCritical {
		t.Errorf("Expected critical severity, got %s", got.Severity)
	}
	if got.TLP != feed.TLPAmber {
		t.Errorf("Expected amber TLP, got %s", got.TLP)
	}
	if got.Confidence != 70 {
		t.Errorf("Expected confidence 70, got %d", got.Confidence)
	}
	if got.Description != "Emotet loader" {
		t.Errorf("Expected description to be filled, got %q", got.Description)
	}
	if !got.FirstSeen.Equal(testNow.Add(-24*time.Hour)) || !got.LastSeen.Equal(testNow.Add(time.Hour)) {
		t.Errorf("Expected seen window to widen, got %v - %v", got.FirstSeen, got.LastSeen)
	}
}

func TestKeepOriginalOnlyBumps(t *testing.T) {
	d, _ := newTestDeduplicator(t)
	ctx := context.Background()

	first := candidate(t, "a", feed.TypeEmail, "phish@evil.example")
	first.Severity = feed.SeverityLow
	second := candidate(t, "b", feed.TypeEmail, "Phish@Evil.example")
	second.Severity = feed.SeverityCritical
	second.LastSeen = testNow.Add(time.Hour)

	if _, err := d.Resolve(ctx, first, feed.PolicyKeepOriginal); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	res, err := d.Resolve(ctx, second, feed.PolicyKeepOriginal)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Canonical.Severity != feed.SeverityLow {
		t.Errorf("Expected original severity, got %s", res.Canonical.Severity)
	}
	if !res.Canonical.LastSeen.Equal(testNow.Add(time.Hour)) {
		t.Errorf("Expected last seen to move forward, got %v", res.Canonical.LastSeen)
	}

	older := candidate(t, "c", feed.TypeEmail, "phish@evil.example")
	older.LastSeen = testNow.Add(-time.Hour)
	res, err = d.Resolve(ctx, older, feed.PolicyKeepOriginal)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.Canonical.LastSeen.Equal(testNow.Add(time.Hour)) {
		t.Errorf("Expected last seen never to move backward, got %v", res.Canonical.LastSeen)
	}
}

func TestFuzzyThreshold(t *testing.T) {
	tests := []struct {
		name     string
		typ      feed.IndicatorType
		existing string
		value    string
		expected Action
	}{
		{"one edit on a 10 character domain", feed.TypeDomain, "abcdef.com", "abcdeg.com", ActionNearDuplicate},
		{"two edits", feed.TypeDomain, "evil-site.example", "evil-sote.exampla", ActionNearDuplicate},
		{"too many edits", feed.TypeDomain, "abcdef.com", "xyzwvu.com", ActionNew},
		{"below minimum length", feed.TypeDomain, "a.io", "b.io", ActionNew},
		{"ips match exactly only", feed.TypeIP, "10.0.0.1", "10.0.0.2", ActionNew},
		{"long urls scale the threshold", feed.TypeURL,
			"http://malware.example/payloads/stage-one/loader.bin",
			"http://malware.example/payloads/stage-two/loader.bin", ActionNearDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDeduplicator(t)
			ctx := context.Background()

			if _, err := d.Resolve(ctx, candidate(t, "a", tt.typ, tt.existing), ""); err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			res, err := d.Resolve(ctx, candidate(t, "b", tt.typ, tt.value), "")
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if res.Action != tt.expected {
				t.Errorf("Expected %s, got %s (distance %d)", tt.expected, res.Action, res.Distance)
			}
		})
	}
}

func TestNearDuplicateKeepsIdentity(t *testing.T) {
	d, mem := newTestDeduplicator(t,
		feed.Source{ID: "a", Priority: feed.PriorityLow},
		feed.Source{ID: "b", Priority: feed.PriorityCritical},
	)
	ctx := context.Background()

	original := candidate(t, "a", feed.TypeDomain, "paypa1-login.example")
	first, err := d.Resolve(ctx, original, feed.PolicyPrioritizeSource)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	variant := candidate(t, "b", feed.TypeDomain, "paypal-login.example")
	variant.Severity = feed.SeverityHigh
	res, err := d.Resolve(ctx, variant, feed.PolicyPrioritizeSource)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if res.Action != ActionNearDuplicate || res.Distance != 1 {
		t.Fatalf("Expected near duplicate at distance 1, got %s at %d", res.Action, res.Distance)
	}
	if res.CanonicalID != first.CanonicalID {
		t.Errorf("Expected canonical %s, got %s", first.CanonicalID, res.CanonicalID)
	}
	if res.Canonical.Value != "paypa1-login.example" || res.Canonical.ContentHash != original.ContentHash {
		t.Errorf("Expected identity of the canonical to stay, got %q", res.Canonical.Value)
	}
	if res.Canonical.Severity != feed.SeverityHigh {
		t.Errorf("Expected winning source fields to apply, got %s", res.Canonical.Severity)
	}

	if res.Canonical.SourceID != "b" {
		t.Errorf("Expected the canonical to be attributed to b, got %s", res.Canonical.SourceID)
	}

	dups, err := mem.ListDuplicates(ctx, first.CanonicalID, 0)
	if err != nil {
		t.Fatalf("ListDuplicates failed: %v", err)
	}
	values := map[string]string{}
	for _, dup := range dups {
		values[dup.SourceID] = dup.Value
	}
	expected := map[string]string{"a": "paypa1-login.example", "b": "paypal-login.example"}
	if diff := cmp.Diff(expected, values); diff != "" {
		t.Errorf("Duplicates mismatch (-want +got):\n%s", diff)
	}
}

func TestNearMatchRespectsWindow(t *testing.T) {
	d, _ := newTestDeduplicator(t)
	ctx := context.Background()

	old := candidate(t, "a", feed.TypeDomain, "abcdef.com")
	old.LastSeen = testNow.Add(-90 * 24 * time.Hour)
	if _, err := d.Resolve(ctx, old, ""); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	res, err := d.Resolve(ctx, candidate(t, "b", feed.TypeDomain, "abcdeg.com"), "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != ActionNew {
		t.Errorf("Expected %s outside the window, got %s", ActionNew, res.Action)
	}
}

func TestConcurrentResolveSingleCanonical(t *testing.T) {
	d, mem := newTestDeduplicator(t)
	ctx := context.Background()

	const sources = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		actions = map[Action]int{}
	)
	for i := 0; i < sources; i++ {
		c := candidate(t, fmt.Sprintf("src-%d", i), feed.TypeIP, "203.0.113.7")
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.Resolve(ctx, c, "")
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			mu.Lock()
			actions[res.Action]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if actions[ActionNew] != 1 || actions[ActionExactDuplicate] != sources-1 {
		t.Errorf("Expected 1 new and %d exact duplicates, got %v", sources-1, actions)
	}

	all := canonicals(t, mem)
	if len(all) != 1 {
		t.Fatalf("Expected exactly 1 canonical item, got %d", len(all))
	}
	if all[0].SeenCount != sources {
		t.Errorf("Expected seen count %d, got %d", sources, all[0].SeenCount)
	}

	counts, err := mem.CountItems(ctx)
	if err != nil {
		t.Fatalf("CountItems failed: %v", err)
	}
	if counts.Duplicates != sources-1 {
		t.Errorf("Expected %d duplicate records, got %d", sources-1, counts.Duplicates)
	}
}

// splitStore reports a second canonical for one hash until it is demoted.
type splitStore struct {
	database.ItemStore
	extra    feed.Item
	demoted  []string
	reported bool
}

func (s *splitStore) FindCanonicals(ctx context.Context, hash string) ([]feed.Item, error) {
	found, err := s.ItemStore.FindCanonicals(ctx, hash)
	if err != nil || len(found) == 0 || s.reported || hash != s.extra.ContentHash {
		return found, err
	}
	s.reported = true
	return append(found, s.extra), nil
}

func (s *splitStore) Demote(_ context.Context, id, canonicalID string) error {
	s.demoted = append(s.demoted, id+"->"+canonicalID)
	return nil
}

func TestResolveRepairsSplitCanonical(t *testing.T) {
	mem := database.NewMemory(clock.NewFake(testNow))
	ctx := context.Background()

	item := candidate(t, "a", feed.TypeDomain, "split.example")
	seed := item
	if err := mem.PutCanonical(ctx, &seed); err != nil {
		t.Fatalf("PutCanonical failed: %v", err)
	}

	store := &splitStore{ItemStore: mem, extra: feed.Item{ID: "newer", ContentHash: item.ContentHash}}
	d := New(store, mem, DefaultConfig())

	res, err := d.Resolve(ctx, candidate(t, "b", feed.TypeDomain, "split.example"), "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.CanonicalID != seed.ID {
		t.Errorf("Expected the older canonical %s to be kept, got %s", seed.ID, res.CanonicalID)
	}
	if diff := cmp.Diff([]string{"newer->" + seed.ID}, store.demoted); diff != "" {
		t.Errorf("Demotions mismatch (-want +got):\n%s", diff)
	}
	if d.Stats().Repairs != 1 {
		t.Errorf("Expected 1 repair, got %d", d.Stats().Repairs)
	}
}

func TestStatsAndReport(t *testing.T) {
	d, _ := newTestDeduplicator(t)
	ctx := context.Background()

	for _, c := range []feed.Item{
		candidate(t, "a", feed.TypeDomain, "one.example"),
		candidate(t, "b", feed.TypeDomain, "one.example"),
		candidate(t, "c", feed.TypeDomain, "one.example"),
		candidate(t, "a", feed.TypeIP, "10.9.9.9"),
	} {
		if _, err := d.Resolve(ctx, c, ""); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}

	want := Stats{Processed: 4, New: 2, Exact: 2}
	if diff := cmp.Diff(want, d.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}

	report, err := d.Report(ctx)
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if report.DuplicateRate != 0.5 {
		t.Errorf("Expected duplicate rate 0.5, got %v", report.DuplicateRate)
	}
	if report.Items.Canonical != 2 || report.Items.Duplicates != 2 {
		t.Errorf("Expected 2 canonical and 2 duplicate items, got %+v", report.Items)
	}
	if len(report.TopDuplicated) != 1 || report.TopDuplicated[0].Value != "one.example" {
		t.Errorf("Expected one.example as most duplicated, got %v", report.TopDuplicated)
	}
}

func TestResolveRejectsUnknownPolicy(t *testing.T) {
	d, _ := newTestDeduplicator(t)
	_, err := d.Resolve(context.Background(), candidate(t, "a", feed.TypeIP, "10.0.0.1"), "NEWEST_WINS")
	if !feed.IsValidationError(err) {
		t.Errorf("Expected a validation error, got %v", err)
	}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b     string
		limit    int
		expected int
	}{
		{"kitten", "sitting", 5, 3},
		{"kitten", "sitting", 2, 3},
		{"", "abc", 5, 3},
		{"same", "same", 0, 0},
		{"short", "a much longer value", 2, 3},
		{"café", "cafe", 2, 1},
	}

	for _, tt := range tests {
		if got := distance(tt.a, tt.b, tt.limit); got != tt.expected {
			t.Errorf("distance(%q, %q, %d): expected %d, got %d", tt.a, tt.b, tt.limit, tt.expected, got)
		}
	}
}

func TestThreshold(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		n        int
		expected int
	}{
		{4, 0},
		{5, 2},
		{32, 2},
		{48, 3},
		{64, 4},
	}

	for _, tt := range tests {
		if got := cfg.threshold(tt.n); got != tt.expected {
			t.Errorf("threshold(%d): expected %d, got %d", tt.n, tt.expected, got)
		}
	}
}
