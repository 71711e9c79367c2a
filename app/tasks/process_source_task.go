package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/dedup"
	"github.com/lysyi3m/threat-comb/app/feed"
)

// Result summarises one fetch-parse-resolve cycle.
type Result struct {
	Format      feed.Format        `json:"format"`
	Items       int                `json:"items"`
	New         int                `json:"new"`
	Exact       int                `json:"exact_duplicates"`
	Near        int                `json:"near_duplicates"`
	Failed      int                `json:"failed"`
	ParseErrors []feed.ParseError  `json:"parse_errors,omitempty"`
	Resolutions []dedup.Resolution `json:"-"`
}

// Duplicates counts exact and near matches.
func (r *Result) Duplicates() int {
	return r.Exact + r.Near
}

type ProcessSourceTask struct {
	Task
	Source *feed.Source
	Result *Result

	fetcher  Fetcher
	parser   Parser
	resolver Resolver
}

func NewProcessSourceTask(src *feed.Source, fetcher Fetcher, parser Parser, resolver Resolver, clk clock.Clock) *ProcessSourceTask {
	return &ProcessSourceTask{
		Task:     NewTask(TaskTypeProcessSource, src.ID, clk),
		Source:   src,
		fetcher:  fetcher,
		parser:   parser,
		resolver: resolver,
	}
}

func (t *ProcessSourceTask) Execute(ctx context.Context) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	data, err := t.fetcher.Fetch(ctx, t.Source)
	if err != nil {
		return fmt.Errorf("failed to fetch source: %w", err)
	}

	parsed, err := t.parser.Run(data, t.Source.Format)
	if err != nil {
		return fmt.Errorf("failed to parse source: %w", err)
	}

	result := &Result{Format: parsed.Format, ParseErrors: parsed.Errors}
	for _, perr := range parsed.Errors {
		slog.Debug("Record rejected", "source_id", t.SourceID, "error", perr)
	}

	for _, item := range parsed.Items {
		if err := ctx.Err(); err != nil {
			return err
		}

		item.SourceID = t.Source.ID
		item.Sources = []string{t.Source.ID}

		res, err := t.resolver.Resolve(ctx, item, t.Source.MergePolicy)
		if err != nil {
			result.Failed++
			slog.Warn("Failed to resolve item", "source_id", t.SourceID, "hash", item.ContentHash, "error", err)
			continue
		}

		result.Items++
		switch res.Action {
		case dedup.ActionNew:
			result.New++
		case dedup.ActionExactDuplicate:
			result.Exact++
		case dedup.ActionNearDuplicate:
			result.Near++
		}
		result.Resolutions = append(result.Resolutions, *res)
	}
	t.Result = result

	slog.Info("Task completed",
		"type", "ProcessSource",
		"source_id", t.SourceID,
		"format", result.Format,
		"duration", t.GetDuration(),
		"total", len(parsed.Items),
		"new", result.New,
		"exact", result.Exact,
		"near", result.Near,
		"rejected", len(result.ParseErrors),
		"failed", result.Failed)

	return nil
}
