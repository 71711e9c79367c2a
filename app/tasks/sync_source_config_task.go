package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/database"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/reliability"
)

// SyncSourceConfigTask writes a YAML source definition into the store.
type SyncSourceConfigTask struct {
	Task
	Source  *feed.Source
	Created bool

	sources database.SourceRepository
}

func NewSyncSourceConfigTask(src *feed.Source, sources database.SourceRepository, clk clock.Clock) *SyncSourceConfigTask {
	return &SyncSourceConfigTask{
		Task:    NewTask(TaskTypeSyncSourceConfig, src.ID, clk),
		Source:  src,
		sources: sources,
	}
}

func (t *SyncSourceConfigTask) Execute(ctx context.Context) error {

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := feed.ValidateSource(t.Source); err != nil {
		return err
	}

	// Only a new source takes this; existing ones keep their score.
	if t.Source.ReliabilityScore == 0 {
		t.Source.ReliabilityScore = reliability.Unscored
	}

	created, err := t.sources.UpsertSource(ctx, t.Source)
	if err != nil {
		slog.Error("Task failed", "type", "SyncSourceConfig", "source_id", t.SourceID, "error", err)
		return fmt.Errorf("failed to sync source definition to database: %w", err)
	}
	t.Created = created

	slog.Info("Task completed",
		"type", "SyncSourceConfig",
		"source_id", t.SourceID,
		"created", created,
		"duration", t.GetDuration())

	return nil
}

// SyncSources runs a SyncSourceConfigTask for every cached definition and
// returns how many were written. A bad definition is logged and skipped.
func SyncSources(ctx context.Context, cache *feed.ConfigCache, sources database.SourceRepository, clk clock.Clock) (int, error) {
	configs := cache.GetConfigs()
	if len(configs) == 0 {
		slog.Debug("No source definitions found")
		return 0, nil
	}

	synced := 0
	for id, src := range configs {
		def := *src
		task := NewSyncSourceConfigTask(&def, sources, clk)
		task.Start()
		if err := task.Execute(ctx); err != nil {
			if ctx.Err() != nil {
				return synced, ctx.Err()
			}
			slog.Warn("Failed to sync source definition", "source_id", id, "error", err)
			continue
		}
		synced++
	}
	return synced, nil
}
