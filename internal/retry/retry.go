package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Policy is a bounded exponential backoff
type Policy struct {
	Attempts   int           `yaml:"attempts"`
	Delay      time.Duration `yaml:"delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// DefaultPolicy makes three attempts spaced one then two seconds apart
var DefaultPolicy = Policy{
	Attempts:   3,
	Delay:      time.Second,
	Multiplier: 2,
	MaxDelay:   10 * time.Second,
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := float64(p.Delay)
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	wait := time.Duration(d)
	if p.MaxDelay > 0 && wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt >= p.attempts() {
			return err
		}

		wait := p.Backoff(attempt)
		slog.Warn("Retrying after failure", "attempt", attempt, "wait", wait, "err", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// Task is a retry sequence running on timers
type Task struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Stop cancels any attempt that has not started yet. done is not called
// for a stopped task.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Schedule runs fn like Do but never blocks the caller: the first attempt
// starts after the first backoff interval, and each later attempt is armed
// on a timer. done receives the final outcome.
func Schedule(p Policy, retryable func(error) bool, fn func() error, done func(error)) *Task {
	t := &Task{}
	var run func(attempt int)
	run = func(attempt int) {
		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		err := fn()
		if err == nil || !retryable(err) || attempt >= p.attempts() {
			done(err)
			return
		}

		slog.Warn("Scheduling retry after failure", "attempt", attempt, "wait", p.Backoff(attempt), "err", err)
		t.arm(p.Backoff(attempt), func() { run(attempt + 1) })
	}

	t.arm(p.Backoff(1), func() { run(1) })
	return t
}

func (t *Task) arm(d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = time.AfterFunc(d, f)
}
