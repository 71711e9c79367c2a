package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-retry"

	"github.com/lysyi3m/threat-comb/app/clock"
	"github.com/lysyi3m/threat-comb/app/cron"
	"github.com/lysyi3m/threat-comb/app/events"
	"github.com/lysyi3m/threat-comb/app/feed"
	"github.com/lysyi3m/threat-comb/app/tasks"
)

// Runner executes single cycles and owns the stored source state.
type Runner interface {
	RunSource(ctx context.Context, id string, retry int) (*tasks.Result, error)
	UpdateSource(ctx context.Context, id string, fn func(*feed.Source)) (*feed.Source, error)
	// Running reports a cycle of id started outside the scheduler.
	Running(id string) bool
}

type Config struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxRetries       int // retries per cycle after the first attempt
	FailureThreshold int // consecutive failures that move a source to ERROR
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxRetries:       tasks.DefaultMaxRetries,
		FailureThreshold: 3,
		Cooldown:         30 * time.Minute,
	}
}

// Outcome is delivered once a triggered cycle, retries included, is over.
type Outcome struct {
	SourceID string            `json:"source_id"`
	Status   feed.RunStatus    `json:"status"`
	Attempts int               `json:"attempts"`
	State    feed.SourceStatus `json:"state"`
	NextRun  *time.Time        `json:"next_run,omitempty"`
	Result   *tasks.Result     `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Err      error             `json:"-"`
}

type entry struct {
	id         string
	schedule   cron.Schedule
	state      feed.SourceStatus
	next       *time.Time
	timer      clock.Timer
	generation int
	running    bool
	errorSince time.Time

	consecutiveFailures int
	lastRun             *time.Time
	lastStatus          feed.RunStatus
	lastError           string
}

type Scheduler struct {
	cfg    Config
	runner Runner
	bus    *events.Bus
	clock  clock.Clock

	mu      sync.Mutex
	entries map[string]*entry
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, runner Runner, bus *events.Bus, clk clock.Clock) *Scheduler {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		bus:     bus,
		clock:   clk,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule registers a source under a cron expression, or changes the
// expression of a registered one. New entries take the state stored with
// the source.
func (s *Scheduler) Schedule(ctx context.Context, id, expr string) (*time.Time, error) {
	sched, err := cron.Parse(expr)
	if err != nil {
		return nil, &feed.ValidationError{Field: "schedule", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id, state: feed.StatusActive}
	}
	e.schedule = sched

	src, err := s.runner.UpdateSource(ctx, id, func(src *feed.Source) {
		if !ok {
			switch src.Status {
			case feed.StatusPaused, feed.StatusError:
				e.state = src.Status
			}
			e.consecutiveFailures = src.ConsecutiveFailures
			e.lastRun = src.LastRunAt
			e.lastError = src.LastError
			if e.state == feed.StatusError {
				e.errorSince = s.clock.Now()
			}
		}
		e.next = s.nextLocked(e)
		src.Status = e.state
		src.NextRunAt = e.next
	})
	if err != nil {
		return nil, err
	}
	s.entries[id] = e
	s.armLocked(e)

	slog.Debug("Source scheduled", "source_id", id, "schedule", expr, "state", e.state, "next_run", src.NextRunAt)
	return copyTime(e.next), nil
}

// Pause stops automatic firing. A cycle already running finishes.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(e *entry, _ *feed.Source) {
		e.state = feed.StatusPaused
	})
}

// Resume returns a paused or failing source to ACTIVE and clears its
// failure counter.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(e *entry, src *feed.Source) {
		e.state = feed.StatusActive
		e.consecutiveFailures = 0
		src.ConsecutiveFailures = 0
	})
}

func (s *Scheduler) transition(ctx context.Context, id string, apply func(*entry, *feed.Source)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, feed.ErrNotFound)
	}
	previous := e.state

	_, err := s.runner.UpdateSource(ctx, id, func(src *feed.Source) {
		apply(e, src)
		e.next = s.nextLocked(e)
		src.Status = e.state
		src.NextRunAt = e.next
	})
	if err != nil {
		e.state = previous
		return err
	}
	s.armLocked(e)
	s.announce(e, previous)
	return nil
}

// TriggerNow starts a cycle immediately, whatever the state. A source that is
// already mid-run, here or through an ad hoc aggregation, is rejected. The
// channel receives the outcome once the cycle and its retries are over.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (<-chan Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("schedule %s: %w", id, feed.ErrNotFound)
	}
	if e.running || s.runner.Running(id) {
		s.mu.Unlock()
		return nil, fmt.Errorf("source %s: %w", id, feed.ErrRunInProgress)
	}
	e.running = true
	s.mu.Unlock()

	out := make(chan Outcome, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out <- s.cycle(e)
		close(out)
	}()

	slog.Info("Run triggered", "source_id", id)
	return out, nil
}

func (s *Scheduler) NextRun(id string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, feed.ErrNotFound)
	}
	return copyTime(e.next), nil
}

// Remove forgets a source. A running cycle finishes but is not re-armed.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, feed.ErrNotFound)
	}
	s.disarmLocked(e)
	delete(s.entries, id)
	return nil
}

// Start arms the timers of every registered source.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = true
	for _, e := range s.entries {
		s.armLocked(e)
	}
	slog.Info("Scheduler started", "sources", len(s.entries))
}

// Stop disarms every timer, cancels running cycles and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.started = false
	for _, e := range s.entries {
		s.disarmLocked(e)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// fire is called by a timer. Stale timers are recognised by generation.
func (s *Scheduler) fire(e *entry, generation int) {
	s.mu.Lock()
	if !s.started || e.generation != generation || s.entries[e.id] != e {
		s.mu.Unlock()
		return
	}
	e.timer = nil

	switch e.state {
	case feed.StatusError:
		// Cooldown elapsed: back to the cron cadence with the counter kept.
		previous := e.state
		e.state = feed.StatusActive
		s.persistLocked(e, nil)
		s.armLocked(e)
		s.announce(e, previous)
		s.mu.Unlock()
		slog.Info("Source cooldown elapsed", "source_id", e.id, "consecutive_failures", e.consecutiveFailures)
		return
	case feed.StatusPaused:
		s.mu.Unlock()
		return
	}

	if e.running {
		slog.Debug("Previous run still in flight, skipping", "source_id", e.id)
		e.next = s.nextLocked(e)
		s.armLocked(e)
		s.mu.Unlock()
		return
	}
	e.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.cycle(e)
	}()
}

// cycle runs one attempt plus up to MaxRetries retries with exponential
// backoff, then settles the state of the source.
func (s *Scheduler) cycle(e *entry) Outcome {
	ctx := s.ctx
	backoff := retry.WithCappedDuration(s.cfg.MaxDelay, retry.NewExponential(s.cfg.BaseDelay))

	outcome := Outcome{SourceID: e.id, Status: feed.RunFailed}
	for attempt := 0; ; attempt++ {
		outcome.Attempts = attempt + 1
		result, err := s.runner.RunSource(ctx, e.id, attempt)
		if err == nil {
			outcome.Status = feed.RunSuccess
			outcome.Result = result
			outcome.Err = nil
			break
		}
		outcome.Err = err

		if errors.Is(err, feed.ErrRunInProgress) || ctx.Err() != nil {
			outcome.Status = feed.RunSkipped
			break
		}
		if !retryable(err) || attempt >= s.cfg.MaxRetries {
			break
		}

		delay, _ := backoff.Next()
		slog.Warn("Run failed, retry scheduled", "source_id", e.id, "attempt", attempt+1, "max_retries", s.cfg.MaxRetries, "delay", delay.String(), "error", err)
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
		}
	}
	if outcome.Err != nil {
		outcome.Error = outcome.Err.Error()
	}

	s.settle(e, &outcome)
	return outcome
}

func (s *Scheduler) settle(e *entry, outcome *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.running = false
	now := s.clock.Now()
	previous := e.state

	if outcome.Status != feed.RunSkipped {
		e.lastRun = &now
		e.lastStatus = outcome.Status
		e.lastError = outcome.Error
	}
	if s.entries[e.id] != e {
		outcome.State = e.state
		return
	}

	// The runner counts failures per attempt; its count decides the state.
	s.persistLocked(e, func(src *feed.Source) {
		e.consecutiveFailures = src.ConsecutiveFailures
		switch {
		case outcome.Status == feed.RunSuccess && e.state == feed.StatusError:
			e.state = feed.StatusActive
		case outcome.Status == feed.RunFailed && e.state == feed.StatusActive &&
			e.consecutiveFailures >= s.cfg.FailureThreshold:
			e.state = feed.StatusError
			e.errorSince = now
		}
	})
	if e.state == feed.StatusError && previous != feed.StatusError {
		slog.Error("Source suspended after repeated failures", "source_id", e.id,
			"consecutive_failures", e.consecutiveFailures, "cooldown", s.cfg.Cooldown.String())
	}
	s.armLocked(e)
	s.announce(e, previous)

	outcome.State = e.state
	outcome.NextRun = copyTime(e.next)
}

// nextLocked is the time of the next automatic firing, nil when none is due.
func (s *Scheduler) nextLocked(e *entry) *time.Time {
	switch e.state {
	case feed.StatusPaused:
		return nil
	case feed.StatusError:
		at := e.errorSince.Add(s.cfg.Cooldown)
		return &at
	}
	next, err := e.schedule.Next(s.clock.Now())
	if err != nil {
		slog.Warn("Schedule never fires", "source_id", e.id, "error", err)
		return nil
	}
	return &next
}

func (s *Scheduler) armLocked(e *entry) {
	s.disarmLocked(e)
	if !s.started || e.next == nil {
		return
	}
	generation := e.generation
	e.timer = s.clock.AfterFunc(e.next.Sub(s.clock.Now()), func() { s.fire(e, generation) })
}

func (s *Scheduler) disarmLocked(e *entry) {
	e.generation++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// persistLocked recomputes the next firing and stores it with the state.
// observe sees the stored source before the write.
func (s *Scheduler) persistLocked(e *entry, observe func(*feed.Source)) {
	_, err := s.runner.UpdateSource(context.WithoutCancel(s.ctx), e.id, func(src *feed.Source) {
		if observe != nil {
			observe(src)
		}
		e.next = s.nextLocked(e)
		src.Status = e.state
		src.NextRunAt = copyTime(e.next)
	})
	if err != nil {
		e.next = s.nextLocked(e)
		slog.Warn("Failed to persist schedule state", "source_id", e.id, "error", err)
	}
}

func (s *Scheduler) announce(e *entry, previous feed.SourceStatus) {
	if previous == e.state {
		return
	}
	slog.Info("Source state changed", "source_id", e.id, "from", previous, "to", e.state)
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.SourceState, SourceID: e.id, Action: string(e.state)})
	}
}

// retryable separates transient failures from ones another attempt will not
// fix.
func retryable(err error) bool {
	switch {
	case feed.IsFormatError(err), feed.IsValidationError(err), errors.Is(err, feed.ErrNotFound):
		return false
	}
	return true
}

type Status struct {
	SourceID            string            `json:"source_id"`
	State               feed.SourceStatus `json:"state"`
	Schedule            string            `json:"schedule"`
	NextRun             *time.Time        `json:"next_run,omitempty"`
	NextRunIn           string            `json:"next_run_in,omitempty"`
	LastRun             *time.Time        `json:"last_run,omitempty"`
	LastRunAgo          string            `json:"last_run_ago,omitempty"`
	LastStatus          feed.RunStatus    `json:"last_status,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Running             bool              `json:"running"`
}

func (s *Scheduler) Status(id string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, feed.ErrNotFound)
	}
	st := s.statusLocked(e)
	return &st, nil
}

func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, s.statusLocked(e))
	}
	slices.SortFunc(list, func(a, b Status) int { return cmp.Compare(a.SourceID, b.SourceID) })
	return list
}

func (s *Scheduler) statusLocked(e *entry) Status {
	now := s.clock.Now()
	st := Status{
		SourceID:            e.id,
		State:               e.state,
		Schedule:            e.schedule.String(),
		NextRun:             copyTime(e.next),
		LastRun:             copyTime(e.lastRun),
		LastStatus:          e.lastStatus,
		LastError:           e.lastError,
		ConsecutiveFailures: e.consecutiveFailures,
		Running:             e.running,
	}
	if e.next != nil {
		st.NextRunIn = humanize.RelTime(*e.next, now, "ago", "from now")
	}
	if e.lastRun != nil {
		st.LastRunAgo = humanize.RelTime(*e.lastRun, now, "ago", "from now")
	}
	return st
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
