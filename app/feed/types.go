package feed

import (
	"time"
)

// Source types

type SourceKind string

const (
	KindCommercial SourceKind = "commercial"
	KindOpenSource SourceKind = "open-source"
	KindGovernment SourceKind = "government"
	KindCommunity  SourceKind = "community"
	KindCustom     SourceKind = "custom"
)

type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatXML     Format = "xml"
	FormatSTIX1   Format = "stix1"
	FormatSTIX2   Format = "stix2"
	FormatTAXII   Format = "taxii"
	FormatMISP    Format = "misp"
	FormatOpenIOC Format = "openioc"
	FormatCustom  Format = "custom"
)

// Formats lists every wire format accepted for ingestion and custom feed output.
var Formats = []Format{
	FormatJSON, FormatCSV, FormatXML, FormatSTIX1, FormatSTIX2,
	FormatTAXII, FormatMISP, FormatOpenIOC, FormatCustom,
}

func (f Format) Valid() bool {
	for _, known := range Formats {
		if f == known {
			return true
		}
	}
	return false
}

type SourceStatus string

const (
	StatusActive SourceStatus = "active"
	StatusPaused SourceStatus = "paused"
	StatusError  SourceStatus = "error"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank orders priorities; unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

type Source struct {
	ID       string       `json:"id" yaml:"-"`
	Name     string       `json:"name" yaml:"name"`
	Kind     SourceKind   `json:"kind" yaml:"kind"`
	Endpoint string       `json:"endpoint" yaml:"endpoint"`
	Format   Format       `json:"format" yaml:"format"`
	Auth     string       `json:"auth,omitempty" yaml:"auth"` // credential reference, e.g. "env:OTX_KEY"
	Schedule string       `json:"schedule" yaml:"schedule"`   // 5-field cron expression
	Enabled  bool         `json:"enabled" yaml:"enabled"`
	Status   SourceStatus `json:"status" yaml:"-"`
	Category string       `json:"category,omitempty" yaml:"category"`
	Priority Priority     `json:"priority" yaml:"priority"`

	MergePolicy MergePolicy `json:"merge_policy,omitempty" yaml:"merge_policy"` // empty means the global policy
	Timeout     int         `json:"timeout,omitempty" yaml:"timeout"`           // seconds

	ReliabilityScore    float64       `json:"reliability_score" yaml:"-"`
	TotalItems          int           `json:"total_items" yaml:"-"`
	NewItems            int           `json:"new_items" yaml:"-"`
	FalsePositives      int           `json:"false_positives" yaml:"-"`
	SuccessfulRuns      int           `json:"successful_runs" yaml:"-"`
	FailedRuns          int           `json:"failed_runs" yaml:"-"`
	ConsecutiveFailures int           `json:"consecutive_failures" yaml:"-"`
	LastRunAt           *time.Time    `json:"last_run_at,omitempty" yaml:"-"`
	NextRunAt           *time.Time    `json:"next_run_at,omitempty" yaml:"-"`
	LastRunDuration     time.Duration `json:"last_run_duration" yaml:"-"`
	LastError           string        `json:"last_error,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

type MergePolicy string

const (
	PolicyKeepOriginal     MergePolicy = "KEEP_ORIGINAL"
	PolicyMergeFields      MergePolicy = "MERGE_FIELDS"
	PolicyPrioritizeSource MergePolicy = "PRIORITIZE_SOURCE"
)

func (p MergePolicy) Valid() bool {
	switch p {
	case PolicyKeepOriginal, PolicyMergeFields, PolicyPrioritizeSource:
		return true
	}
	return false
}

func (s *Source) TotalRuns() int {
	return s.SuccessfulRuns + s.FailedRuns
}

// Item types

type ItemKind string

const (
	ItemIndicator ItemKind = "indicator"
	ItemThreat    ItemKind = "threat"
	ItemMalware   ItemKind = "malware"
	ItemCampaign  ItemKind = "campaign"
	ItemActor     ItemKind = "actor"
)

type IndicatorType string

const (
	TypeIP       IndicatorType = "ip"
	TypeDomain   IndicatorType = "domain"
	TypeURL      IndicatorType = "url"
	TypeHash     IndicatorType = "hash"
	TypeEmail    IndicatorType = "email"
	TypeCVE      IndicatorType = "cve"
	TypeFilename IndicatorType = "filename"
	TypeName     IndicatorType = "name" // named objects: malware families, actors, campaigns
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

type TLP string

const (
	TLPWhite TLP = "white"
	TLPGreen TLP = "green"
	TLPAmber TLP = "amber"
	TLPRed   TLP = "red"
)

// Rank orders TLP markings by restrictiveness.
func (t TLP) Rank() int {
	switch t {
	case TLPWhite:
		return 1
	case TLPGreen:
		return 2
	case TLPAmber:
		return 3
	case TLPRed:
		return 4
	default:
		return 0
	}
}

type Item struct {
	ID              string         `json:"id"`
	SourceID        string         `json:"source_id"`
	ExternalID      string         `json:"external_id,omitempty"`
	Kind            ItemKind       `json:"kind"`
	IndicatorType   IndicatorType  `json:"indicator_type"`
	Value           string         `json:"value"`
	NormalizedValue string         `json:"normalized_value"`
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	Severity        Severity       `json:"severity,omitempty"`
	Confidence      int            `json:"confidence"`
	Tags            []string       `json:"tags,omitempty"`
	TLP             TLP            `json:"tlp,omitempty"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	ContentHash     string         `json:"content_hash"`
	DuplicateOf     string         `json:"duplicate_of,omitempty"` // back-reference to the canonical item, never ownership
	IsFalsePositive bool           `json:"is_false_positive"`
	Sources         []string       `json:"sources,omitempty"`
	SeenCount       int            `json:"seen_count"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Revision        int            `json:"revision"` // bumped on every canonical write

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (i *Item) IsCanonical() bool {
	return i.DuplicateOf == ""
}

// Custom feed types

type Distribution string

const (
	DistributionInternal   Distribution = "internal"
	DistributionExternal   Distribution = "external"
	DistributionRestricted Distribution = "restricted"
)

type CustomFeed struct {
	ID           string       `json:"id" yaml:"-"`
	Name         string       `json:"name" yaml:"name"`
	Description  string       `json:"description,omitempty" yaml:"description"`
	OutputFormat Format       `json:"output_format" yaml:"output_format"`
	Fields       []Field      `json:"fields" yaml:"fields"`
	Filter       Criteria     `json:"filter" yaml:"filter"`
	Distribution Distribution `json:"distribution" yaml:"distribution"`
	Version      int          `json:"version" yaml:"-"`
	MaxItems     int          `json:"max_items,omitempty" yaml:"max_items"`
	CreatedAt    time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time    `json:"updated_at" yaml:"-"`
}

type Field struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type,omitempty" yaml:"type"`
	Required bool   `json:"required,omitempty" yaml:"required"`
}

type Criteria struct {
	Match      string      `json:"match,omitempty" yaml:"match"` // "all" (default) or "any"
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions"`
}

type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator string   `json:"operator" yaml:"operator"`
	Value    string   `json:"value,omitempty" yaml:"value"`
	Values   []string `json:"values,omitempty" yaml:"values"`
}

// Run records

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

type ScheduleRun struct {
	ID         string     `json:"id"`
	ScheduleID string     `json:"schedule_id"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	Status     RunStatus  `json:"status"`
	RetryCount int        `json:"retry_count"`
	Error      string     `json:"error,omitempty"`
	Items      int        `json:"items"`
	NewItems   int        `json:"new_items"`
	Duplicates int        `json:"duplicates"`
}

type ReliabilityAdjustment struct {
	SourceID string    `json:"source_id"`
	Score    float64   `json:"score"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}
