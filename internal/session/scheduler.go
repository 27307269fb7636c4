package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coreyrab/statickit/internal/logger"
)

const (
	DefaultSaveDebounce = 2 * time.Second
	DefaultSaveInterval = 30 * time.Second
)

var ErrSchedulerStopped = errors.New("save scheduler stopped")

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

var RealClock Clock = realClock{}

type SchedulerState int

const (
	SchedulerIdle SchedulerState = iota
	SchedulerPending
	SchedulerSaving
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerIdle:
		return "idle"
	case SchedulerPending:
		return "pending"
	case SchedulerSaving:
		return "saving"
	default:
		return "unknown"
	}
}

type SaveFunc func(ctx context.Context, st *State) error

type SchedulerOptions struct {
	Debounce time.Duration
	Interval time.Duration
	Clock    Clock
}

type SchedulerStatus struct {
	State     SchedulerState
	LastSaved time.Time
	LastError error
	Saves     int
	Failures  int
}

// Scheduler coalesces bursts of state changes into single saves. Every save
// runs on one goroutine, in the order it was queued.
type Scheduler struct {
	save     SaveFunc
	clock    Clock
	debounce time.Duration
	interval time.Duration

	tasks    chan func()
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	mu            sync.Mutex
	pending       *State
	state         SchedulerState
	debounceTimer Timer
	debounceSeq   uint64
	intervalTimer Timer
	ticking       bool
	closed        bool
	lastSaved     time.Time
	lastErr       error
	saves         int
	failures      int
}

func NewScheduler(save SaveFunc, opts SchedulerOptions) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultSaveDebounce
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSaveInterval
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	s := &Scheduler{
		save:     save,
		clock:    opts.Clock,
		debounce: opts.Debounce,
		interval: opts.Interval,
		tasks:    make(chan func(), 16),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	defer close(s.stopped)
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) enqueue(task func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.tasks <- task:
		return true
	case <-s.done:
		return false
	}
}

func (s *Scheduler) Schedule(st *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = st
	if s.state != SchedulerSaving {
		s.state = SchedulerPending
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.debounceSeq++
	seq := s.debounceSeq
	s.debounceTimer = s.clock.AfterFunc(s.debounce, func() {
		s.enqueue(func() { s.runDebounced(seq) })
	})
}

func (s *Scheduler) runDebounced(seq uint64) {
	s.mu.Lock()
	current := seq == s.debounceSeq
	s.mu.Unlock()
	if current {
		s.runPending()
	}
}

// Flush saves the pending state now and waits for the result. It returns nil
// when nothing is pending.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	s.stopDebounceLocked()
	s.mu.Unlock()

	result := make(chan error, 1)
	if !s.enqueue(func() { result <- s.runPending() }) {
		return ErrSchedulerStopped
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopDebounceLocked()
	s.pending = nil
	if s.state == SchedulerPending {
		s.state = SchedulerIdle
	}
}

// Start arms the periodic save that catches changes the debounce keeps
// pushing back.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticking || s.closed {
		return
	}
	s.ticking = true
	s.armIntervalLocked()
}

func (s *Scheduler) armIntervalLocked() {
	s.intervalTimer = s.clock.AfterFunc(s.interval, func() {
		s.enqueue(s.tick)
	})
}

func (s *Scheduler) tick() {
	s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ticking && !s.closed {
		s.armIntervalLocked()
	}
}

// Stop flushes what is pending and shuts the worker down. It is safe to call
// more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.ticking = false
	if s.intervalTimer != nil {
		s.intervalTimer.Stop()
		s.intervalTimer = nil
	}
	s.mu.Unlock()

	err := s.Flush(ctx)

	s.mu.Lock()
	s.closed = true
	s.stopDebounceLocked()
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.done) })
	<-s.stopped
	return err
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		State:     s.state,
		LastSaved: s.lastSaved,
		LastError: s.lastErr,
		Saves:     s.saves,
		Failures:  s.failures,
	}
}

func (s *Scheduler) stopDebounceLocked() {
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
		s.debounceTimer = nil
	}
	s.debounceSeq++
}

func (s *Scheduler) runPending() error {
	s.mu.Lock()
	st := s.pending
	if st == nil {
		s.mu.Unlock()
		return nil
	}
	s.pending = nil
	s.state = SchedulerSaving
	s.stopDebounceLocked()
	s.mu.Unlock()

	err := s.save(context.Background(), st)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		s.failures++
		// Keep the state for the next tick unless something newer arrived or
		// retrying cannot help.
		if s.pending == nil && !errors.Is(err, ErrQuotaExceeded) {
			s.pending = st
		}
		logger.Logger.Warn().Err(err).Msg("scheduled save failed")
	} else {
		s.lastErr = nil
		s.lastSaved = s.clock.Now()
		s.saves++
	}
	if s.pending != nil {
		s.state = SchedulerPending
	} else {
		s.state = SchedulerIdle
	}
	return err
}
