package dedup

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
)

type Action string

const (
	ActionNew            Action = "NEW"
	ActionExactDuplicate Action = "EXACT_DUPLICATE"
	ActionNearDuplicate  Action = "NEAR_DUPLICATE"
)

// maxAttempts bounds re-resolution after a lost compare-and-swap.
const maxAttempts = 5

type Config struct {
	MaxEdits       int           // edits tolerated up to BaseLength runes
	BaseLength     int           // longer values scale MaxEdits proportionally
	MinLength      int           // shorter values only match exactly
	Window         time.Duration // near candidates must be last seen within Window of the candidate
	CandidateLimit int
	FuzzyTypes     []feed.IndicatorType
	Stripes        int
	DefaultPolicy  feed.MergePolicy
}

func DefaultConfig() Config {
	return Config{
		MaxEdits:       2,
		BaseLength:     32,
		MinLength:      5,
		Window:         30 * 24 * time.Hour,
		CandidateLimit: 500,
		FuzzyTypes:     []feed.IndicatorType{feed.TypeDomain, feed.TypeURL, feed.TypeEmail, feed.TypeName},
		Stripes:        256,
		DefaultPolicy:  feed.PolicyMergeFields,
	}
}

type Resolution struct {
	Action      Action     `json:"action"`
	CanonicalID string     `json:"canonical_id"`
	Canonical   *feed.Item `json:"canonical"`
	Stored      *feed.Item `json:"stored,omitempty"` // duplicate record written for the candidate
	Distance    int        `json:"distance,omitempty"`
}

// SourceLookup resolves the source metadata PRIORITIZE_SOURCE compares.
type SourceLookup interface {
	GetSource(ctx context.Context, id string) (*feed.Source, error)
}

type Deduplicator struct {
	store   database.ItemStore
	sources SourceLookup
	cfg     Config

	seed    maphash.Seed
	stripes []sync.Mutex

	processed atomic.Int64
	created   atomic.Int64
	exact     atomic.Int64
	near      atomic.Int64
	retries   atomic.Int64
	repairs   atomic.Int64
	failures  atomic.Int64
}

func New(store database.ItemStore, sources SourceLookup, cfg Config) *Deduplicator {
	if cfg.Stripes <= 0 {
		cfg.Stripes = DefaultConfig().Stripes
	}
	if cfg.BaseLength <= 0 {
		cfg.BaseLength = DefaultConfig().BaseLength
	}
	if !cfg.DefaultPolicy.Valid() {
		cfg.DefaultPolicy = feed.PolicyMergeFields
	}
	return &Deduplicator{
		store:   store,
		sources: sources,
		cfg:     cfg,
		seed:    maphash.MakeSeed(),
		stripes: make([]sync.Mutex, cfg.Stripes),
	}
}

// Resolve classifies candidate against the canonical store and writes the
// outcome. An empty policy means the configured default.
func (d *Deduplicator) Resolve(ctx context.Context, candidate feed.Item, policy feed.MergePolicy) (*Resolution, error) {
	if candidate.ContentHash == "" {
		return nil, fmt.Errorf("candidate %q has no content hash", candidate.Value)
	}
	if policy == "" {
		policy = d.cfg.DefaultPolicy
	}
	if !policy.Valid() {
		return nil, &feed.ValidationError{Field: "policy", Reason: fmt.Sprintf("unknown merge policy %q", policy)}
	}

	d.processed.Add(1)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, err := d.resolve(ctx, candidate, policy)
		if errors.Is(err, database.ErrConflict) {
			d.retries.Add(1)
			slog.Debug("Lost canonical write, resolving again", "hash", candidate.ContentHash, "attempt", attempt)
			continue
		}
		if err != nil {
			d.failures.Add(1)
			return nil, err
		}

		switch res.Action {
		case ActionNew:
			d.created.Add(1)
		case ActionExactDuplicate:
			d.exact.Add(1)
		case ActionNearDuplicate:
			d.near.Add(1)
		}
		return res, nil
	}

	d.failures.Add(1)
	return nil, fmt.Errorf("failed to resolve %s after %d attempts: %w", candidate.ContentHash, maxAttempts, database.ErrConflict)
}

func (d *Deduplicator) resolve(ctx context.Context, candidate feed.Item, policy feed.MergePolicy) (*Resolution, error) {
	unlock := d.lock(candidate.ContentHash)

	canonical, err := d.canonical(ctx, candidate.ContentHash)
	if err != nil {
		unlock()
		return nil, err
	}
	if canonical != nil {
		defer unlock()
		return d.mergeExact(ctx, candidate, canonical, policy)
	}

	match, dist, err := d.nearest(ctx, candidate)
	if err != nil {
		unlock()
		return nil, err
	}
	if match == nil {
		defer unlock()
		return d.insert(ctx, candidate)
	}

	// Take both stripes in index order, then check nothing moved meanwhile.
	unlock()
	unlock = d.lock(candidate.ContentHash, match.ContentHash)
	defer unlock()

	if canonical, err = d.canonical(ctx, candidate.ContentHash); err != nil {
		return nil, err
	}
	if canonical != nil {
		return d.mergeExact(ctx, candidate, canonical, policy)
	}

	current, err := d.canonical(ctx, match.ContentHash)
	if err != nil {
		return nil, err
	}
	if current == nil || current.ID != match.ID {
		return nil, database.ErrConflict
	}
	return d.mergeNear(ctx, candidate, current, dist, policy)
}

// canonical returns the canonical item for a hash, repairing the store if it
// holds more than one.
func (d *Deduplicator) canonical(ctx context.Context, contentHash string) (*feed.Item, error) {
	found, err := d.store.FindCanonicals(ctx, contentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up canonical: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}

	keep := found[0]
	for _, newer := range found[1:] {
		d.repairs.Add(1)
		conflict := &feed.DuplicateResolutionConflict{ContentHash: contentHash, CanonicalIDs: []string{keep.ID, newer.ID}}
		slog.Error("Integrity violation: demoting newer canonical", "error", conflict, "kept", keep.ID, "demoted", newer.ID)
		if err := d.store.Demote(ctx, newer.ID, keep.ID); err != nil {
			return nil, fmt.Errorf("failed to demote %s: %w", newer.ID, err)
		}
	}
	return &keep, nil
}

func (d *Deduplicator) insert(ctx context.Context, candidate feed.Item) (*Resolution, error) {
	item := candidate
	item.ID = ""
	item.Revision = 0
	item.DuplicateOf = ""
	item.SeenCount = 1
	item.Sources = addSource(nil, candidate.SourceID)

	if err := d.store.PutCanonical(ctx, &item); err != nil {
		return nil, err
	}
	return &Resolution{Action: ActionNew, CanonicalID: item.ID, Canonical: &item}, nil
}

func (d *Deduplicator) mergeExact(ctx context.Context, candidate feed.Item, canonical *feed.Item, policy feed.MergePolicy) (*Resolution, error) {
	merged, displaced, err := d.merge(ctx, *canonical, candidate, policy, false)
	if err != nil {
		return nil, err
	}
	if err := d.store.PutCanonical(ctx, &merged); err != nil {
		return nil, err
	}

	res := &Resolution{Action: ActionExactDuplicate, CanonicalID: merged.ID, Canonical: &merged}
	// The report that is not the canonical's own is the one kept aside.
	report := &candidate
	if displaced != nil {
		report = displaced
	}
	if report.SourceID != merged.SourceID {
		stored, err := d.storeDuplicate(ctx, *report, merged.ID)
		if err != nil {
			return nil, err
		}
		res.Stored = stored
	}
	return res, nil
}

func (d *Deduplicator) mergeNear(ctx context.Context, candidate feed.Item, canonical *feed.Item, dist int, policy feed.MergePolicy) (*Resolution, error) {
	merged, displaced, err := d.merge(ctx, *canonical, candidate, policy, true)
	if err != nil {
		return nil, err
	}
	if err := d.store.PutCanonical(ctx, &merged); err != nil {
		return nil, err
	}
	if displaced != nil {
		if _, err := d.storeDuplicate(ctx, *displaced, merged.ID); err != nil {
			return nil, err
		}
	}

	stored, err := d.storeDuplicate(ctx, candidate, merged.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Action:      ActionNearDuplicate,
		CanonicalID: merged.ID,
		Canonical:   &merged,
		Stored:      stored,
		Distance:    dist,
	}, nil
}

func (d *Deduplicator) storeDuplicate(ctx context.Context, candidate feed.Item, canonicalID string) (*feed.Item, error) {
	dup := candidate
	dup.ID = ""
	dup.Revision = 0
	dup.DuplicateOf = canonicalID
	dup.SeenCount = 0
	dup.Sources = addSource(nil, candidate.SourceID)
	if err := d.store.UpsertDuplicate(ctx, &dup); err != nil {
		return nil, fmt.Errorf("failed to store duplicate: %w", err)
	}
	return &dup, nil
}

// nearest finds the closest canonical of the same type within the
// candidate's time window and edit threshold.
func (d *Deduplicator) nearest(ctx context.Context, candidate feed.Item) (*feed.Item, int, error) {
	if !slices.Contains(d.cfg.FuzzyTypes, candidate.IndicatorType) {
		return nil, 0, nil
	}
	limit := d.cfg.threshold(utf8.RuneCountInString(candidate.NormalizedValue))
	if limit == 0 {
		return nil, 0, nil
	}

	since := time.Time{}
	if d.cfg.Window > 0 {
		since = candidate.LastSeen.Add(-d.cfg.Window)
	}
	pool, err := d.store.ListByType(ctx, candidate.IndicatorType, since, d.cfg.CandidateLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list near candidates: %w", err)
	}

	var (
		best     *feed.Item
		bestDist = limit + 1
	)
	for i := range pool {
		other := &pool[i]
		if other.ContentHash == candidate.ContentHash {
			continue
		}
		// Both values must be long enough for the fuzzy rule to apply.
		otherLimit := d.cfg.threshold(utf8.RuneCountInString(other.NormalizedValue))
		dist := distance(candidate.NormalizedValue, other.NormalizedValue, min(limit, otherLimit))
		if dist <= min(limit, otherLimit) && dist < bestDist {
			best, bestDist = other, dist
		}
	}
	if best == nil {
		return nil, 0, nil
	}
	return best, bestDist, nil
}

// lock takes the stripes of every hash in index order and returns the
// matching unlock.
func (d *Deduplicator) lock(hashes ...string) func() {
	idx := make([]int, 0, len(hashes))
	for _, h := range hashes {
		idx = append(idx, int(maphash.String(d.seed, h)%uint64(len(d.stripes))))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		d.stripes[i].Lock()
	}
	return func() {
		for _, i := range slices.Backward(idx) {
			d.stripes[i].Unlock()
		}
	}
}
