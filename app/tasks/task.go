package tasks

import (
	"time"

	"github.com/google/uuid"

	"github.com/lysyi3m/threat-comb/app/clock"
)

type TaskType string

const (
	TaskTypeProcessSource    TaskType = "process_source"
	TaskTypeSyncSourceConfig TaskType = "sync_source_config"
)

// DefaultMaxRetries is the number of retries a failed cycle gets.
const DefaultMaxRetries = 3

type Task struct {
	ID         string
	Type       TaskType
	SourceID   string
	RetryCount int // attempt number within the current schedule cycle
	StartedAt  *time.Time

	clock clock.Clock
}

func (t *Task) Start() {
	now := t.clock.Now()
	t.StartedAt = &now
}

func (t *Task) GetDuration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	return t.clock.Now().Sub(*t.StartedAt)
}

func NewTask(taskType TaskType, sourceID string, clk clock.Clock) Task {
	if clk == nil {
		clk = clock.Real()
	}
	return Task{
		ID:       uuid.NewString(),
		Type:     taskType,
		SourceID: sourceID,
		clock:    clk,
	}
}
