package cfg

import "time"

type Cfg struct {
	// Storage
	DBPath   string
	FeedsDir string

	// HTTP surface
	Port         string
	BaseUrl      string
	APIAccessKey string

	// Aggregation
	WorkerCount int
	RunTimeout  time.Duration

	// Fetching
	UserAgent    string
	FetchTimeout time.Duration
	MaxBodySize  int64
	HostRate     float64

	// Scheduling
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	MaxRetries       int
	FailureThreshold int
	ErrorCooldown    time.Duration

	// Deduplication
	MergePolicy string
	NearWindow  time.Duration

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}
