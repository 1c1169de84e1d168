package cron

import (
	"context"
	"sync"
	"time"
)

// Job is one maintenance task run by the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Periodic is implemented by jobs that should run less often than every
// cycle. Such a job is due once Every has elapsed since its last success.
type Periodic interface {
	Every() time.Duration
}

// Registry holds the worker's jobs by unique name and remembers when each
// last succeeded in this process.
type Registry struct {
	mu      sync.Mutex
	jobs    []Job
	lastRun map[string]time.Time
}

// NewRegistry builds a registry from jobs, ignoring nils and repeated names.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{lastRun: map[string]time.Time{}}
	for _, job := range jobs {
		r.Register(job)
	}
	return r
}

// Register adds job and reports whether it was accepted.
func (r *Registry) Register(job Job) bool {
	if job == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.jobs {
		if existing.Name() == job.Name() {
			return false
		}
	}
	r.jobs = append(r.jobs, job)
	return true
}

// Jobs returns every registered job in registration order.
func (r *Registry) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Job(nil), r.jobs...)
}

// Due returns the jobs that should run in a cycle starting at now.
func (r *Registry) Due(now time.Time) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		p, ok := job.(Periodic)
		if !ok || p.Every() <= 0 {
			due = append(due, job)
			continue
		}
		last, ran := r.lastRun[job.Name()]
		if !ran || now.Sub(last) >= p.Every() {
			due = append(due, job)
		}
	}
	return due
}

// MarkSucceeded records a successful run of the named job.
func (r *Registry) MarkSucceeded(name string, at time.Time) {
	r.mu.Lock()
	r.lastRun[name] = at
	r.mu.Unlock()
}
