// Package schedule provides the timer loop shared by the background workers:
// tick on an interval, reset the interval after a clean tick, multiply it
// (capped) after a tick that crashes. The loop-level backoff protects the
// process from hot-looping when the datastore itself is down; it is separate
// from any per-record retry accounting.
package schedule

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of a loop for health checks.
type Snapshot struct {
	Running             bool          `json:"running"`
	LastRun             time.Time     `json:"last_run"`
	LastSuccess         time.Time     `json:"last_success"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CurrentInterval     time.Duration `json:"current_interval"`
}

// Loop drives a tick function on an adaptive interval. Construct with
// NewLoop; Start/Stop are idempotent. Stop halts future scheduling only; a
// tick already in flight runs to completion.
type Loop struct {
	name    string
	base    time.Duration
	max     time.Duration
	factor  float64
	tick    func(ctx context.Context) error
	onCrash func(err error)
	nowFunc func() time.Time

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	interval time.Duration
	lastRun  time.Time
	lastOK   time.Time
	failures int
}

// NewLoop returns a stopped loop. onCrash may be nil.
func NewLoop(name string, base, max time.Duration, factor float64, tick func(ctx context.Context) error, onCrash func(err error)) *Loop {
	return &Loop{
		name:     name,
		base:     base,
		max:      max,
		factor:   factor,
		tick:     tick,
		onCrash:  onCrash,
		nowFunc:  time.Now,
		interval: base,
	}
}

// Start launches the loop goroutine. The first tick fires after the base
// interval, not immediately.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.interval = l.base
	stop := l.stopCh
	l.mu.Unlock()

	log.Printf("[%s] started (interval=%s)", l.name, l.base)
	go l.run(stop)
}

// Stop halts future scheduling. In-flight work is not cancelled.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	close(l.stopCh)
	log.Printf("[%s] stopped", l.name)
}

// Status returns the current snapshot.
func (l *Loop) Status() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Running:             l.running,
		LastRun:             l.lastRun,
		LastSuccess:         l.lastOK,
		ConsecutiveFailures: l.failures,
		CurrentInterval:     l.interval,
	}
}

func (l *Loop) run(stop chan struct{}) {
	for {
		l.mu.Lock()
		wait := l.interval
		l.mu.Unlock()

		select {
		case <-stop:
			return
		case <-time.After(wait):
		}

		err := l.safeTick()
		l.noteResult(err)
		if err != nil {
			log.Printf("[%s] tick failed: %v", l.name, err)
			if l.onCrash != nil {
				l.onCrash(err)
			}
		}
	}
}

// safeTick converts a panicking tick into an error so one bad iteration
// backs the loop off instead of killing the process.
func (l *Loop) safeTick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return l.tick(context.Background())
}

// noteResult applies the backoff policy: reset to base on success, multiply
// by factor (capped at max) on failure. Exposed to the run loop and to tests.
func (l *Loop) noteResult(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc()
	l.lastRun = now
	if err == nil {
		l.lastOK = now
		l.failures = 0
		l.interval = l.base
		return
	}
	l.failures++
	next := time.Duration(float64(l.interval) * l.factor)
	if next > l.max {
		next = l.max
	}
	l.interval = next
}
