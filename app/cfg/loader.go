package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath   string `long:"db-path" env:"DB_PATH" default:"./threat-comb.db" description:"SQLite database file"`
	FeedsDir string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory containing source definition files"`

	// HTTP surface
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl      string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://intel.example.com)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Aggregation
	WorkerCount int           `long:"worker-count" env:"WORKER_COUNT" default:"4" description:"Number of sources processed concurrently"`
	RunTimeout  time.Duration `long:"run-timeout" env:"RUN_TIMEOUT" default:"5m" description:"Upper bound for a single source run"`

	// Fetching
	UserAgent    string        `long:"user-agent" env:"USER_AGENT" default:"threat-comb/1.0" description:"User agent string for HTTP requests"`
	FetchTimeout time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30s" description:"Fetch timeout for sources that set none"`
	MaxBodySize  int64         `long:"max-body-size" env:"MAX_BODY_SIZE" default:"67108864" description:"Largest accepted payload in bytes, after decompression"`
	HostRate     float64       `long:"host-rate" env:"HOST_RATE" default:"1" description:"Requests per second per remote host, 0 disables pacing"`

	// Scheduling
	RetryBaseDelay   time.Duration `long:"retry-base-delay" env:"RETRY_BASE_DELAY" default:"1s" description:"First retry delay, doubled per attempt"`
	RetryMaxDelay    time.Duration `long:"retry-max-delay" env:"RETRY_MAX_DELAY" default:"30s" description:"Retry delay cap"`
	MaxRetries       int           `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"Retries per scheduled cycle"`
	FailureThreshold int           `long:"failure-threshold" env:"FAILURE_THRESHOLD" default:"3" description:"Consecutive failures that suspend a source"`
	ErrorCooldown    time.Duration `long:"error-cooldown" env:"ERROR_COOLDOWN" default:"30m" description:"How long a suspended source waits before firing again"`

	// Deduplication
	MergePolicy string        `long:"merge-policy" env:"MERGE_POLICY" default:"MERGE_FIELDS" choice:"KEEP_ORIGINAL" choice:"MERGE_FIELDS" choice:"PRIORITIZE_SOURCE" description:"Default merge policy for duplicates"`
	NearWindow  time.Duration `long:"near-window" env:"NEAR_WINDOW" default:"720h" description:"Near duplicates must be seen within this window"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, Europe/Berlin)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load reads flags from the command line and the environment. It returns
// nil without an error when help was requested.
func Load() (*Cfg, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:           raw.DBPath,
		FeedsDir:         raw.FeedsDir,
		Port:             raw.Port,
		BaseUrl:          strings.TrimSuffix(raw.BaseUrl, "/"),
		APIAccessKey:     raw.APIAccessKey,
		WorkerCount:      raw.WorkerCount,
		RunTimeout:       raw.RunTimeout,
		UserAgent:        raw.UserAgent,
		FetchTimeout:     raw.FetchTimeout,
		MaxBodySize:      raw.MaxBodySize,
		HostRate:         raw.HostRate,
		RetryBaseDelay:   raw.RetryBaseDelay,
		RetryMaxDelay:    raw.RetryMaxDelay,
		MaxRetries:       raw.MaxRetries,
		FailureThreshold: raw.FailureThreshold,
		ErrorCooldown:    raw.ErrorCooldown,
		MergePolicy:      raw.MergePolicy,
		NearWindow:       raw.NearWindow,
		Timezone:         raw.Timezone,
		Debug:            raw.Debug,
		Version:          GetVersion(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	return cfg, nil
}

func (c *Cfg) validate() error {
	switch {
	case c.WorkerCount < 1:
		return fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	case c.FailureThreshold < 1:
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	case c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay:
		return fmt.Errorf("retry delays must satisfy 0 < base (%s) <= max (%s)", c.RetryBaseDelay, c.RetryMaxDelay)
	case c.HostRate < 0:
		return fmt.Errorf("host rate must not be negative, got %v", c.HostRate)
	case c.DBPath == "":
		return errors.New("database path is required")
	}
	return nil
}

func applyTimezone(timezone string) error {
	if timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return err
	}
	time.Local = loc
	return nil
}
