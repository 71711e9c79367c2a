package dedup

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/lysyi3m/threat-comb/app/feed"
)

// merge folds candidate into canonical under policy. Bookkeeping (LastSeen,
// Sources, SeenCount) is updated under every policy. Near matches never
// change the canonical's identity fields.
//
// When the candidate's source takes over the canonical, the report it
// replaced is returned as displaced so it can be kept as a duplicate record.
func (d *Deduplicator) merge(ctx context.Context, canonical, candidate feed.Item, policy feed.MergePolicy, near bool) (merged feed.Item, displaced *feed.Item, err error) {
	merged = canonical
	merged.Tags = slices.Clone(canonical.Tags)
	merged.Sources = addSource(slices.Clone(canonical.Sources), candidate.SourceID)
	merged.SeenCount++
	if candidate.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = candidate.LastSeen
	}

	switch policy {
	case feed.PolicyKeepOriginal:

	case feed.PolicyMergeFields:
		mergeFields(&merged, candidate)

	case feed.PolicyPrioritizeSource:
		wins, err := d.candidateWins(ctx, candidate.SourceID, canonical.SourceID)
		if err != nil {
			return feed.Item{}, nil, err
		}
		if wins {
			overwrite(&merged, candidate, near)
			merged.SourceID = candidate.SourceID
			prev := canonical
			displaced = &prev
		}
	}

	return merged, displaced, nil
}

func mergeFields(merged *feed.Item, candidate feed.Item) {
	for _, tag := range candidate.Tags {
		if !slices.Contains(merged.Tags, tag) {
			merged.Tags = append(merged.Tags, tag)
		}
	}
	if candidate.Severity.Rank() > merged.Severity.Rank() {
		merged.Severity = candidate.Severity
	}
	merged.Confidence = max(merged.Confidence, candidate.Confidence)
	if candidate.TLP.Rank() > merged.TLP.Rank() {
		merged.TLP = candidate.TLP
	}
	if !candidate.FirstSeen.IsZero() && (merged.FirstSeen.IsZero() || candidate.FirstSeen.Before(merged.FirstSeen)) {
		merged.FirstSeen = candidate.FirstSeen
	}
	if merged.Title == "" {
		merged.Title = candidate.Title
	}
	if merged.Description == "" {
		merged.Description = candidate.Description
	}
	if merged.ExternalID == "" {
		merged.ExternalID = candidate.ExternalID
	}
	for k, v := range candidate.Metadata {
		if _, ok := merged.Metadata[k]; ok {
			continue
		}
		if merged.Metadata == nil {
			merged.Metadata = make(map[string]any, len(candidate.Metadata))
		}
		merged.Metadata[k] = v
	}
}

func overwrite(merged *feed.Item, candidate feed.Item, near bool) {
	if !near {
		merged.Value = candidate.Value
	}
	merged.Kind = candidate.Kind
	merged.ExternalID = candidate.ExternalID
	merged.Title = candidate.Title
	merged.Description = candidate.Description
	merged.Severity = candidate.Severity
	merged.Confidence = candidate.Confidence
	merged.Tags = slices.Clone(candidate.Tags)
	merged.TLP = candidate.TLP
	merged.Metadata = candidate.Metadata
}

// candidateWins reports whether the candidate's source outranks the
// canonical's source: priority first, then reliability score.
func (d *Deduplicator) candidateWins(ctx context.Context, candidateSource, canonicalSource string) (bool, error) {
	if d.sources == nil || candidateSource == canonicalSource {
		return false, nil
	}
	cand, err := d.lookup(ctx, candidateSource)
	if err != nil {
		return false, err
	}
	owner, err := d.lookup(ctx, canonicalSource)
	if err != nil {
		return false, err
	}
	if cand == nil {
		return false, nil
	}
	if owner == nil {
		return true, nil
	}

	if a, b := cand.Priority.Rank(), owner.Priority.Rank(); a != b {
		return a > b, nil
	}
	return cand.ReliabilityScore > owner.ReliabilityScore, nil
}

func (d *Deduplicator) lookup(ctx context.Context, id string) (*feed.Source, error) {
	src, err := d.sources.GetSource(ctx, id)
	if errors.Is(err, feed.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source %s: %w", id, err)
	}
	return src, nil
}

func addSource(sources []string, id string) []string {
	if id == "" || slices.Contains(sources, id) {
		return sources
	}
	return append(sources, id)
}
