// Package coalesce deduplicates concurrent identical billable requests at
// the HTTP boundary: the first request executes the handler, every
// structurally-identical concurrent duplicate waits and receives a replay of
// the captured response. The entry map is process-local by design; duplicates
// are expected to land on the same process behind session affinity, and
// cross-process duplicates are accepted to execute independently.
package coalesce

import (
	"net/http"
	"sync"
	"time"
)

// snapshot is the captured terminal response of the original request.
type snapshot struct {
	status int
	header http.Header
	body   []byte
}

// entry tracks one in-flight or recently-completed request. done is closed
// exactly once, when the original request either completes or fails.
type entry struct {
	done        chan struct{}
	snap        *snapshot
	failed      bool
	completedAt time.Time
	expiresAt   time.Time
}

func (e *entry) completed() bool { return !e.completedAt.IsZero() }

// Stats is the monitoring view of a Coalescer.
type Stats struct {
	UniqueRequests    uint64  `json:"unique_requests"`
	CoalescedRequests uint64  `json:"coalesced_requests"`
	CoalescingRate    float64 `json:"coalescing_rate"`
	PendingEntries    int     `json:"pending_entries"`
}

// Coalescer owns the fingerprint -> entry map. Completed entries linger for
// replayWindow so near-simultaneous duplicates that arrive just after
// completion still coalesce onto the resolved snapshot.
type Coalescer struct {
	mu           sync.Mutex
	entries      map[string]*entry
	replayWindow time.Duration
	nowFunc      func() time.Time

	unique       uint64
	coalesced    uint64
	cleanupArmed bool
}

// New returns a Coalescer with the given trailing replay window.
func New(replayWindow time.Duration) *Coalescer {
	return &Coalescer{
		entries:      map[string]*entry{},
		replayWindow: replayWindow,
		nowFunc:      time.Now,
	}
}

// begin registers interest in a fingerprint. The first caller (or the first
// after an entry expired) becomes the owner and must later call complete or
// fail; everyone else is a follower and waits on the returned entry.
func (c *Coalescer) begin(fp string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fp]; ok {
		if !e.completed() || c.nowFunc().Before(e.expiresAt) {
			c.coalesced++
			return e, false
		}
		// expired but not yet swept; fall through and replace
	}

	e := &entry{done: make(chan struct{})}
	c.entries[fp] = e
	c.unique++
	return e, true
}

// complete resolves the entry with the captured snapshot and keeps it around
// for the replay window.
func (c *Coalescer) complete(fp string, e *entry, snap *snapshot) {
	c.mu.Lock()
	now := c.nowFunc()
	e.snap = snap
	e.completedAt = now
	e.expiresAt = now.Add(c.replayWindow)
	c.armCleanupLocked()
	c.mu.Unlock()
	close(e.done)
}

// fail marks the entry failed and removes it immediately: a request that
// never produced a response must not be replayed to anyone.
func (c *Coalescer) fail(fp string, e *entry) {
	c.mu.Lock()
	e.failed = true
	if c.entries[fp] == e {
		delete(c.entries, fp)
	}
	c.mu.Unlock()
	close(e.done)
}

// armCleanupLocked lazily schedules the sweep timer. It only ever runs while
// completed-but-unexpired entries exist; with no completed entries there is
// no timer at all.
func (c *Coalescer) armCleanupLocked() {
	if c.cleanupArmed {
		return
	}
	c.cleanupArmed = true
	time.AfterFunc(c.replayWindow, c.sweep)
}

func (c *Coalescer) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	remaining := false
	for fp, e := range c.entries {
		if !e.completed() {
			continue
		}
		if now.Before(e.expiresAt) {
			remaining = true
			continue
		}
		delete(c.entries, fp)
	}

	c.cleanupArmed = false
	if remaining {
		c.armCleanupLocked()
	}
}

// Stats returns the monitoring counters.
func (c *Coalescer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	for _, e := range c.entries {
		if !e.completed() {
			pending++
		}
	}

	total := c.unique + c.coalesced
	rate := 0.0
	if total > 0 {
		rate = float64(c.coalesced) / float64(total)
	}
	return Stats{
		UniqueRequests:    c.unique,
		CoalescedRequests: c.coalesced,
		CoalescingRate:    rate,
		PendingEntries:    pending,
	}
}
