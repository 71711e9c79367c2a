package tasks

import (
	"context"

	"github.com/lysyi3m/threat-comb/app/dedup"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/fetcher"
	"github.com/lysyi3m/threat-comb/app/parser"
)

// Fetcher retrieves the raw payload of a source. Failures are expected to be
// *feed.FetchError values.
type Fetcher interface {
	Fetch(ctx context.Context, src *feed.Source) ([]byte, error)
}

// Parser turns a payload into normalised items.
type Parser interface {
	Run(data []byte, declared feed.Format) (*parser.Result, error)
}

// Resolver classifies one candidate against the canonical store.
type Resolver interface {
	Resolve(ctx context.Context, candidate feed.Item, policy feed.MergePolicy) (*dedup.Resolution, error)
}

var (
	_ Fetcher  = (*fetcher.Fetcher)(nil)
	_ Parser   = (*parser.Parser)(nil)
	_ Resolver = (*dedup.Deduplicator)(nil)
)
