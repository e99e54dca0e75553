// Package autosync schedules upload cycles without user involvement:
// debounced after bursts of local writes, immediately when connectivity
// returns, and on a fallback interval in between.
package autosync

import (
	"context"
	gosync "sync"
	"time"

	"driftsync/internal/domain/sync"
	"driftsync/pkg/logger"
)

// EventType classifies a scheduler notification.
type EventType string

const (
	// EventStarted fires right before an upload cycle runs.
	EventStarted EventType = "started"
	// EventCompleted fires after a fully acknowledged cycle.
	EventCompleted EventType = "completed"
	// EventPartial fires when the authority rejected some entries.
	EventPartial EventType = "partial"
	// EventFailed fires when the cycle did not reach the authority.
	EventFailed EventType = "failed"
)

// Event is one scheduler notification.
type Event struct {
	Type    EventType
	Result  sync.Result
	Err     error
	Pending int64
}

// Config holds scheduler tuning.
type Config struct {
	// Debounce is the quiet period after a local write before syncing.
	// Further writes inside the window restart it.
	Debounce time.Duration

	// Interval is the fallback cadence when nothing else triggers a sync.
	Interval time.Duration

	// MaxConsecutiveFailures trips the breaker: after this many failed
	// cycles in a row the scheduler pauses for Cooldown.
	MaxConsecutiveFailures int

	// Cooldown is how long a tripped breaker suppresses cycles.
	Cooldown time.Duration

	// SoftLogLimit and HardLogLimit are pending-entry counts beyond which
	// the scheduler raises log-size alarms.
	SoftLogLimit int64
	HardLogLimit int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:               500 * time.Millisecond,
		Interval:               5 * time.Minute,
		MaxConsecutiveFailures: 5,
		Cooldown:               time.Minute,
		SoftLogLimit:           1_000,
		HardLogLimit:           10_000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.SoftLogLimit <= 0 {
		c.SoftLogLimit = d.SoftLogLimit
	}
	if c.HardLogLimit <= 0 {
		c.HardLogLimit = d.HardLogLimit
	}
	return c
}

// Uploader runs one sync cycle. Satisfied by sync.Uploader.
type Uploader interface {
	Upload(ctx context.Context) (sync.Result, error)
}

// LogCounter reports the pending change count. Satisfied by the change-log
// repository.
type LogCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Scheduler drives upload cycles from a single goroutine, so cycles never
// overlap and bursts of triggers coalesce into one run.
type Scheduler struct {
	uploader Uploader
	log      LogCounter
	cfg      Config
	logger   *logger.Logger

	changed  chan struct{}
	onlineCh chan bool

	onEvent func(Event)

	mu     gosync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// loop-goroutine state
	failures    int
	pausedUntil time.Time
}

// NewScheduler creates the auto-sync scheduler.
func NewScheduler(uploader Uploader, log LogCounter, cfg Config, lg *logger.Logger) *Scheduler {
	if lg == nil {
		lg = logger.Default()
	}
	return &Scheduler{
		uploader: uploader,
		log:      log,
		cfg:      cfg.withDefaults(),
		logger:   lg.WithComponent("autosync"),
		changed:  make(chan struct{}, 1),
		onlineCh: make(chan bool, 1),
	}
}

// OnEvent registers a listener for cycle notifications. Register before
// Start; the listener runs on the scheduler goroutine.
func (s *Scheduler) OnEvent(fn func(Event)) {
	s.onEvent = fn
}

// NoteLocalChange signals that the change log grew. Never blocks; signals
// arriving while one is already queued coalesce.
func (s *Scheduler) NoteLocalChange() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// SetOnline feeds connectivity transitions into the scheduler. Going
// online triggers an immediate cycle; going offline suppresses cycles
// while local changes keep accumulating.
func (s *Scheduler) SetOnline(online bool) {
	select {
	case <-s.onlineCh:
	default:
	}
	select {
	case s.onlineCh <- online:
	default:
	}
}

// Start launches the scheduling loop. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(runCtx, done)
}

// Stop halts the loop and waits for it to exit; a cycle already in flight
// completes first. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	debounce := time.NewTimer(s.cfg.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	online := true
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.changed:
			if !online {
				continue
			}
			// Restart the quiet period on every write in the burst.
			if pending && !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(s.cfg.Debounce)
			pending = true

		case <-debounce.C:
			pending = false
			s.cycle(ctx, "local changes")

		case on := <-s.onlineCh:
			wasOnline := online
			online = on
			if !on {
				if pending && debounce.Stop() {
					pending = false
				}
				continue
			}
			if !wasOnline {
				s.cycle(ctx, "back online")
			}

		case <-ticker.C:
			if online {
				s.cycle(ctx, "interval")
			}
		}
	}
}

// cycle runs one upload attempt, honoring the breaker and raising
// log-size alarms.
func (s *Scheduler) cycle(ctx context.Context, reason string) {
	if until := s.pausedUntil; time.Now().Before(until) {
		s.logger.Debugw("cycle suppressed by breaker", "reason", reason, "until", until)
		return
	}

	pending, err := s.log.Count(ctx)
	if err != nil {
		s.logger.Warnw("pending count failed", "error", err)
		pending = -1
	}
	if pending == 0 {
		return
	}
	if pending >= s.cfg.HardLogLimit {
		s.logger.Errorw("change log critically large, device has been out of sync too long",
			"pending", pending,
			"limit", s.cfg.HardLogLimit,
		)
	} else if pending >= s.cfg.SoftLogLimit {
		s.logger.Warnw("change log growing large", "pending", pending, "limit", s.cfg.SoftLogLimit)
	}

	s.emit(Event{Type: EventStarted, Pending: pending})
	s.logger.Debugw("sync cycle starting", "reason", reason, "pending", pending)

	// A started cycle runs to completion even if Stop fires mid-flight;
	// the transport's own timeout still bounds it.
	res, err := s.uploader.Upload(context.WithoutCancel(ctx))
	switch {
	case err != nil:
		s.failures++
		if s.failures >= s.cfg.MaxConsecutiveFailures {
			s.pausedUntil = time.Now().Add(s.cfg.Cooldown)
			s.failures = 0
			s.logger.Warnw("sync paused after repeated failures",
				"cooldown", s.cfg.Cooldown,
				"error", err,
			)
		}
		s.emit(Event{Type: EventFailed, Result: res, Err: err, Pending: pending})

	case res.Success:
		s.failures = 0
		s.emit(Event{Type: EventCompleted, Result: res, Pending: pending})

	default:
		s.failures = 0
		s.emit(Event{Type: EventPartial, Result: res, Pending: pending})
	}
}

func (s *Scheduler) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
