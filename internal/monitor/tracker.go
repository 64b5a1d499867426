package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/robert-malhotra/canopy-watch/internal/analysis"
)

// trackerEntry holds a tracked job with its watch and expiration time.
type trackerEntry struct {
	job       *Tracked
	watch     *analysis.Watch
	expiresAt time.Time
}

// Tracker keeps the latest state of every job in memory with TTL expiry.
// Each update refreshes an entry's expiry. An entry that sees no update for
// the TTL is evicted by the cleanup loop and its watch, if still running, is
// cancelled. This is suitable for single-instance deployments.
type Tracker struct {
	mu       sync.RWMutex
	jobs     map[string]*trackerEntry
	ttl      time.Duration
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTracker creates a new in-memory tracker.
// ttl specifies how long an idle entry is kept before expiration.
// cleanupInterval specifies how often to run the cleanup routine.
func NewTracker(ttl time.Duration, cleanupInterval time.Duration) *Tracker {
	t := &Tracker{
		jobs:     make(map[string]*trackerEntry),
		ttl:      ttl,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}

	go t.cleanupLoop(cleanupInterval)

	return t
}

// Put records a new job.
func (t *Tracker) Put(job *Tracked) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobs[job.JobID] = &trackerEntry{
		job:       job,
		expiresAt: t.now().Add(t.ttl),
	}
}

// attach associates a running watch with a job. If the job is gone the watch
// is cancelled immediately.
func (t *Tracker) attach(jobID string, w *analysis.Watch) {
	t.mu.Lock()
	entry, ok := t.jobs[jobID]
	if ok {
		entry.watch = w
	}
	t.mu.Unlock()

	if !ok {
		w.Cancel()
	}
}

// Update applies fn to the job under the write lock and refreshes its
// expiry. It reports whether the job was found.
func (t *Tracker) Update(jobID string, fn func(job *Tracked)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.jobs[jobID]
	if !ok {
		return false
	}
	fn(entry.job)
	entry.expiresAt = t.now().Add(t.ttl)
	return true
}

// Get returns a copy of the job.
func (t *Tracker) Get(jobID string) (Tracked, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.jobs[jobID]
	if !ok || t.now().After(entry.expiresAt) {
		return Tracked{}, ErrNotFound
	}
	return entry.job.clone(), nil
}

// Cancel marks the job cancelled and stops its watch.
func (t *Tracker) Cancel(jobID string) error {
	t.mu.Lock()
	entry, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	if !entry.job.Snapshot.Status.Terminal() {
		entry.job.Cancelled = true
	}
	entry.expiresAt = t.now().Add(t.ttl)
	w := entry.watch
	t.mu.Unlock()

	if w != nil {
		w.Cancel()
	}
	return nil
}

// List returns copies of all live jobs, most recently submitted first.
func (t *Tracker) List() []Tracked {
	t.mu.RLock()
	now := t.now()
	jobs := make([]Tracked, 0, len(t.jobs))
	for _, entry := range t.jobs {
		if now.After(entry.expiresAt) {
			continue
		}
		jobs = append(jobs, entry.job.clone())
	}
	t.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].JobID < jobs[j].JobID
		}
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	return jobs
}

// Stats returns the number of tracked jobs and how many are still being watched.
func (t *Tracker) Stats() (count, watching int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, entry := range t.jobs {
		count++
		if entry.watch != nil && !entry.job.Snapshot.Status.Terminal() && !entry.job.Cancelled {
			watching++
		}
	}
	return count, watching
}

// Stop stops the background cleanup goroutine and cancels every watch.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })

	t.mu.RLock()
	watches := make([]*analysis.Watch, 0, len(t.jobs))
	for _, entry := range t.jobs {
		if entry.watch != nil {
			watches = append(watches, entry.watch)
		}
	}
	t.mu.RUnlock()

	for _, w := range watches {
		w.Cancel()
	}
}

// cleanupLoop periodically removes expired jobs.
func (t *Tracker) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.cleanup()
		case <-t.stopChan:
			return
		}
	}
}

// cleanup removes all expired jobs and returns how many were evicted.
func (t *Tracker) cleanup() int {
	t.mu.Lock()
	now := t.now()
	var evicted []*trackerEntry
	for id, entry := range t.jobs {
		if now.After(entry.expiresAt) {
			evicted = append(evicted, entry)
			delete(t.jobs, id)
		}
	}
	t.mu.Unlock()

	for _, entry := range evicted {
		if entry.watch != nil {
			entry.watch.Cancel()
		}
	}
	return len(evicted)
}
