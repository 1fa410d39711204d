package jobs

import "sync"

// Tracker holds active job handles in memory, keyed by job id. Jobs are
// removed when the caller detaches; there is no durable registry, job
// identity ultimately lives with the provider.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*Job)}
}

// Add registers a job handle.
func (t *Tracker) Add(job *Job) {
	t.mu.Lock()
	t.jobs[job.ID] = job
	t.mu.Unlock()
}

// Get looks up a job by id.
func (t *Tracker) Get(id string) (*Job, bool) {
	t.mu.RLock()
	job, ok := t.jobs[id]
	t.mu.RUnlock()
	return job, ok
}

// Remove detaches a job, stopping its poll loop, and forgets the handle.
func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	job, ok := t.jobs[id]
	delete(t.jobs, id)
	t.mu.Unlock()
	if ok {
		job.Detach()
	}
	return ok
}
