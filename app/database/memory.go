package database

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/feed"
)

// Memory implements every repository in process memory with the same
// uniqueness and revision rules as the SQLite schema. Values are copied on
// the way in and out.
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock

	sources     map[string]feed.Source
	items       map[string]feed.Item
	customFeeds map[string]feed.CustomFeed
	runs        []feed.ScheduleRun
	adjustments []feed.ReliabilityAdjustment
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock:       clk,
		sources:     make(map[string]feed.Source),
		items:       make(map[string]feed.Item),
		customFeeds: make(map[string]feed.CustomFeed),
	}
}

func (m *Memory) now() time.Time {
	return m.clock.Now().UTC()
}

// Sources

func (m *Memory) UpsertSource(_ context.Context, src *feed.Source) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.sources[src.ID]
	if !ok {
		stored := feed.Source{
			ID: src.ID, Name: src.Name, Kind: src.Kind, Endpoint: src.Endpoint, Format: src.Format,
			Auth: src.Auth, Schedule: src.Schedule, Enabled: src.Enabled, Status: src.Status,
			Category: src.Category, Priority: src.Priority, MergePolicy: src.MergePolicy,
			Timeout: src.Timeout, ReliabilityScore: src.ReliabilityScore,
			CreatedAt: now, UpdatedAt: now,
		}
		m.sources[src.ID] = stored
		return true, nil
	}

	existing.Name = src.Name
	existing.Kind = src.Kind
	existing.Endpoint = src.Endpoint
	existing.Format = src.Format
	existing.Auth = src.Auth
	existing.Schedule = src.Schedule
	existing.Enabled = src.Enabled
	existing.Category = src.Category
	existing.Priority = src.Priority
	existing.MergePolicy = src.MergePolicy
	existing.Timeout = src.Timeout
	existing.UpdatedAt = now
	m.sources[src.ID] = existing
	return false, nil
}

func (m *Memory) GetSource(_ context.Context, id string) (*feed.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", id, feed.ErrNotFound)
	}
	return copySource(src), nil
}

func (m *Memory) ListSources(_ context.Context, kind feed.SourceKind) ([]feed.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sources []feed.Source
	for _, src := range m.sources {
		if kind == "" || src.Kind == kind {
			sources = append(sources, *copySource(src))
		}
	}
	slices.SortFunc(sources, func(a, b feed.Source) int { return strings.Compare(a.ID, b.ID) })
	return sources, nil
}

func (m *Memory) DeleteSource(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[id]; !ok {
		return fmt.Errorf("source %s: %w", id, feed.ErrNotFound)
	}
	delete(m.sources, id)
	return nil
}

func (m *Memory) UpdateSourceState(_ context.Context, src *feed.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sources[src.ID]
	if !ok {
		return fmt.Errorf("source %s: %w", src.ID, feed.ErrNotFound)
	}
	existing.Status = src.Status
	existing.ReliabilityScore = src.ReliabilityScore
	existing.TotalItems = src.TotalItems
	existing.NewItems = src.NewItems
	existing.FalsePositives = src.FalsePositives
	existing.SuccessfulRuns = src.SuccessfulRuns
	existing.FailedRuns = src.FailedRuns
	existing.ConsecutiveFailures = src.ConsecutiveFailures
	existing.LastRunAt = copyTime(src.LastRunAt)
	existing.NextRunAt = copyTime(src.NextRunAt)
	existing.LastRunDuration = src.LastRunDuration
	existing.LastError = src.LastError
	existing.UpdatedAt = m.now()
	m.sources[src.ID] = existing
	return nil
}

func (m *Memory) GetSourceCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources), nil
}

// Items

func (m *Memory) FindCanonicals(_ context.Context, contentHash string) ([]feed.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []feed.Item
	for _, item := range m.items {
		if item.ContentHash == contentHash && item.IsCanonical() {
			items = append(items, m.copyItem(item))
		}
	}
	slices.SortFunc(items, func(a, b feed.Item) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return items, nil
}

func (m *Memory) PutCanonical(_ context.Context, item *feed.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	item.DuplicateOf = ""

	if item.Revision == 0 {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if _, taken := m.items[item.ID]; taken || m.canonicalLocked(item.ContentHash) != nil {
			return ErrConflict
		}
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		if item.SeenCount == 0 {
			item.SeenCount = 1
		}
		item.Revision = 1
		item.UpdatedAt = now
		m.items[item.ID] = m.copyItem(*item)
		return nil
	}

	existing, ok := m.items[item.ID]
	if !ok || !existing.IsCanonical() || existing.Revision != item.Revision {
		return ErrConflict
	}
	item.Revision++
	item.UpdatedAt = now
	stored := m.copyItem(*item)
	// Identity columns are not rewritten by an update.
	stored.IndicatorType = existing.IndicatorType
	stored.NormalizedValue = existing.NormalizedValue
	stored.ContentHash = existing.ContentHash
	stored.CreatedAt = existing.CreatedAt
	m.items[item.ID] = stored
	return nil
}

func (m *Memory) UpsertDuplicate(_ context.Context, item *feed.Item) error {
	if item.DuplicateOf == "" {
		return fmt.Errorf("duplicate item %s has no canonical reference", item.ContentHash)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, existing := range m.items {
		if existing.IsCanonical() || existing.SourceID != item.SourceID || existing.ContentHash != item.ContentHash {
			continue
		}
		existing.DuplicateOf = item.DuplicateOf
		existing.ExternalID = item.ExternalID
		existing.Value = item.Value
		existing.Title = item.Title
		existing.Description = item.Description
		existing.Severity = item.Severity
		existing.Confidence = item.Confidence
		existing.Tags = slices.Clone(item.Tags)
		existing.TLP = item.TLP
		if item.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = item.LastSeen
		}
		existing.SeenCount++
		existing.Metadata = m.copyMetadata(item.Metadata)
		existing.Revision++
		existing.UpdatedAt = now
		m.items[id] = existing

		item.ID = id
		item.SeenCount = existing.SeenCount
		item.Revision = existing.Revision
		item.CreatedAt = existing.CreatedAt
		item.UpdatedAt = now
		return nil
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, taken := m.items[item.ID]; taken {
		return fmt.Errorf("failed to upsert duplicate item: id %s already exists", item.ID)
	}
	if item.SeenCount == 0 {
		item.SeenCount = 1
	}
	item.Revision = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	m.items[item.ID] = m.copyItem(*item)
	return nil
}

func (m *Memory) Demote(_ context.Context, id, canonicalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, feed.ErrNotFound)
	}
	item.DuplicateOf = canonicalID
	item.Revision++
	item.UpdatedAt = m.now()
	m.items[id] = item
	return nil
}

func (m *Memory) ListByType(ctx context.Context, t feed.IndicatorType, since time.Time, limit int) ([]feed.Item, error) {
	return m.ListItems(ctx, ItemQuery{Type: t, CanonicalOnly: true, Since: since, Limit: limit})
}

func (m *Memory) GetItem(_ context.Context, id string) (*feed.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, feed.ErrNotFound)
	}
	c := m.copyItem(item)
	return &c, nil
}

func (m *Memory) ListItems(_ context.Context, q ItemQuery) ([]feed.Item, error) {
	return m.selectItems(q.matches, newestFirst, q.Limit), nil
}

func (m *Memory) ListDuplicates(_ context.Context, canonicalID string, limit int) ([]feed.Item, error) {
	return m.selectItems(func(item *feed.Item) bool {
		return !item.IsCanonical() && (canonicalID == "" || item.DuplicateOf == canonicalID)
	}, newestFirst, limit), nil
}

func (m *Memory) SetFalsePositive(_ context.Context, id string, falsePositive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return fmt.Errorf("item %s: %w", id, feed.ErrNotFound)
	}
	item.IsFalsePositive = falsePositive
	item.Revision++
	item.UpdatedAt = m.now()
	m.items[id] = item
	return nil
}

func (m *Memory) CountItems(_ context.Context) (ItemCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c ItemCounts
	for _, item := range m.items {
		c.Total++
		if item.IsCanonical() {
			c.Canonical++
		} else {
			c.Duplicates++
		}
		if item.IsFalsePositive {
			c.FalsePositives++
		}
	}
	return c, nil
}

func (m *Memory) TopDuplicated(_ context.Context, limit int) ([]feed.Item, error) {
	return m.selectItems(func(item *feed.Item) bool {
		return item.IsCanonical() && item.SeenCount > 1
	}, func(a, b feed.Item) int {
		return cmp.Or(cmp.Compare(b.SeenCount, a.SeenCount), newestFirst(a, b))
	}, limit), nil
}

func (m *Memory) selectItems(keep func(*feed.Item) bool, order func(a, b feed.Item) int, limit int) []feed.Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []feed.Item
	for _, item := range m.items {
		if keep(&item) {
			items = append(items, m.copyItem(item))
		}
	}
	slices.SortFunc(items, order)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func newestFirst(a, b feed.Item) int {
	return cmp.Or(b.LastSeen.Compare(a.LastSeen), strings.Compare(a.ID, b.ID))
}

func (m *Memory) canonicalLocked(contentHash string) *feed.Item {
	for _, item := range m.items {
		if item.ContentHash == contentHash && item.IsCanonical() {
			return &item
		}
	}
	return nil
}

// Custom feeds

func (m *Memory) CreateCustomFeed(_ context.Context, cf *feed.CustomFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cf.ID == "" {
		cf.ID = uuid.NewString()
	}
	if _, ok := m.customFeeds[cf.ID]; ok {
		return fmt.Errorf("failed to create custom feed: id %s already exists", cf.ID)
	}
	now := m.now()
	cf.Version = 1
	cf.CreatedAt = now
	cf.UpdatedAt = now
	m.customFeeds[cf.ID] = copyCustomFeed(*cf)
	return nil
}

func (m *Memory) GetCustomFeed(_ context.Context, id string) (*feed.CustomFeed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cf, ok := m.customFeeds[id]
	if !ok {
		return nil, fmt.Errorf("custom feed %s: %w", id, feed.ErrNotFound)
	}
	c := copyCustomFeed(cf)
	return &c, nil
}

func (m *Memory) ListCustomFeeds(_ context.Context) ([]feed.CustomFeed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var feeds []feed.CustomFeed
	for _, cf := range m.customFeeds {
		feeds = append(feeds, copyCustomFeed(cf))
	}
	slices.SortFunc(feeds, func(a, b feed.CustomFeed) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.ID, b.ID))
	})
	return feeds, nil
}

func (m *Memory) UpdateCustomFeed(_ context.Context, cf *feed.CustomFeed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.customFeeds[cf.ID]
	if !ok {
		return fmt.Errorf("custom feed %s: %w", cf.ID, feed.ErrNotFound)
	}
	cf.Version = existing.Version
	if !sameDefinition(existing, *cf) {
		cf.Version++
	}
	cf.CreatedAt = existing.CreatedAt
	cf.UpdatedAt = m.now()
	m.customFeeds[cf.ID] = copyCustomFeed(*cf)
	return nil
}

func (m *Memory) DeleteCustomFeed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customFeeds[id]; !ok {
		return fmt.Errorf("custom feed %s: %w", id, feed.ErrNotFound)
	}
	delete(m.customFeeds, id)
	return nil
}

// sameDefinition compares the encoded field list and filter, the same
// comparison the SQLite store makes.
func sameDefinition(a, b feed.CustomFeed) bool {
	af, aq, errA := customFeedBlobs(&a)
	bf, bq, errB := customFeedBlobs(&b)
	if errA != nil || errB != nil {
		return false
	}
	return string(af) == string(bf) && string(aq) == string(bq)
}

// Runs

func (m *Memory) AppendRun(_ context.Context, run *feed.ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	stored := *run
	stored.EndTime = copyTime(run.EndTime)
	m.runs = append(m.runs, stored)
	return nil
}

func (m *Memory) ListRuns(_ context.Context, scheduleID string, limit int) ([]feed.ScheduleRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []feed.ScheduleRun
	for _, run := range m.runs {
		if scheduleID == "" || run.ScheduleID == scheduleID {
			run.EndTime = copyTime(run.EndTime)
			runs = append(runs, run)
		}
	}
	slices.SortStableFunc(runs, func(a, b feed.ScheduleRun) int {
		return cmp.Or(b.StartTime.Compare(a.StartTime), strings.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) GetRunTotals(_ context.Context) (RunTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := RunTotals{Total: len(m.runs)}
	for _, run := range m.runs {
		switch run.Status {
		case feed.RunSuccess:
			t.Success++
		case feed.RunFailed:
			t.Failed++
		case feed.RunSkipped:
			t.Skipped++
		}
	}
	return t, nil
}

func (m *Memory) AppendAdjustment(_ context.Context, adj feed.ReliabilityAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adjustments = append(m.adjustments, adj)
	return nil
}

func (m *Memory) ListAdjustments(_ context.Context, sourceID string) ([]feed.ReliabilityAdjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var adjustments []feed.ReliabilityAdjustment
	for _, adj := range m.adjustments {
		if adj.SourceID == sourceID {
			adjustments = append(adjustments, adj)
		}
	}
	slices.SortStableFunc(adjustments, func(a, b feed.ReliabilityAdjustment) int { return a.At.Compare(b.At) })
	return adjustments, nil
}

// copies

func (m *Memory) copyItem(item feed.Item) feed.Item {
	item.Tags = slices.Clone(item.Tags)
	item.Sources = slices.Clone(item.Sources)
	item.Metadata = m.copyMetadata(item.Metadata)
	return item
}

// copyMetadata round-trips through the column codec so values come back with
// the same dynamic types the SQLite store returns.
func (m *Memory) copyMetadata(md map[string]any) map[string]any {
	if len(md) == 0 {
		return nil
	}
	data, err := encodeBlob(md)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := decodeBlob(data, &out); err != nil {
		return nil
	}
	return out
}

func copySource(src feed.Source) *feed.Source {
	src.LastRunAt = copyTime(src.LastRunAt)
	src.NextRunAt = copyTime(src.NextRunAt)
	return &src
}

func copyCustomFeed(cf feed.CustomFeed) feed.CustomFeed {
	cf.Fields = slices.Clone(cf.Fields)
	conditions := make([]feed.Condition, len(cf.Filter.Conditions))
	for i, c := range cf.Filter.Conditions {
		c.Values = slices.Clone(c.Values)
		conditions[i] = c
	}
	if len(conditions) == 0 {
		conditions = nil
	}
	cf.Filter.Conditions = conditions
	return cf
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

var (
	_ SourceRepository     = (*Memory)(nil)
	_ ItemStore            = (*Memory)(nil)
	_ CustomFeedRepository = (*Memory)(nil)
	_ RunRepository        = (*Memory)(nil)
	_ ItemStore            = (*ItemRepository)(nil)
)
