package database

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/threat-comb/app/clock"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
	clock clock.Clock
}

// Open opens the SQLite database at path and brings its schema up to date.
func Open(path string, clk clock.Clock) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer keeps compare-and-swap updates serialised.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, clock: clk}

	version, dirty, err := RunMigrations(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	slog.Info("Database ready", "path", path, "schema_version", version, "dirty", dirty)

	return db, nil
}

// Stores bundles the repositories the application works with.
type Stores struct {
	Sources     SourceRepository
	Items       ItemStore
	CustomFeeds CustomFeedRepository
	Runs        RunRepository
}

func NewStores(db *DB) *Stores {
	return &Stores{
		Sources:     NewSourceRepository(db),
		Items:       NewItemRepository(db),
		CustomFeeds: NewCustomFeedRepository(db),
		Runs:        NewRunRepository(db),
	}
}

// NewMemoryStores backs every repository with one in-memory store.
func NewMemoryStores(clk clock.Clock) *Stores {
	m := NewMemory(clk)
	return &Stores{Sources: m, Items: m, CustomFeeds: m, Runs: m}
}
