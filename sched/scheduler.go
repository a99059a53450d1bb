// Package sched runs the controller's periodic jobs, one goroutine per job,
// with overrun protection and panic isolation.
package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Job is one registered periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Fn       func()

	busy atomic.Bool
	runs atomic.Int64
	skip atomic.Int64
}

// JobStats reports one job's execution counters.
type JobStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Runs     int64         `json:"runs"`
	Skipped  int64         `json:"skipped"`
}

// Scheduler owns the periodic job set. Register before Start; the job set is
// fixed once running.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*Job
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logFn func(format string, args ...interface{})
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// SetLogFunc sets the logging callback.
func (s *Scheduler) SetLogFunc(fn func(format string, args ...interface{})) {
	s.mu.Lock()
	s.logFn = fn
	s.mu.Unlock()
}

func (s *Scheduler) log(format string, args ...interface{}) {
	s.mu.Lock()
	fn := s.logFn
	s.mu.Unlock()
	if fn != nil {
		fn("[Sched] "+format, args...)
	}
}

// Register adds a periodic job. No-op once the scheduler is running.
func (s *Scheduler) Register(name string, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || interval <= 0 || fn == nil {
		return
	}
	s.jobs = append(s.jobs, &Job{Name: name, Interval: interval, Fn: fn})
}

// Start launches one ticker goroutine per registered job.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, j)
	}
	count := len(s.jobs)
	// log re-acquires the mutex; never call it while holding it.
	s.mu.Unlock()

	s.log("started %d jobs", count)
}

// Stop halts all job loops and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log("stopped")
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A run still in flight means the job overran its interval.
			// Skip this tick rather than stacking executions.
			if !j.busy.CompareAndSwap(false, true) {
				j.skip.Add(1)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.execute(j)
				j.busy.Store(false)
			}()
		}
	}
}

// execute runs one job invocation with panic isolation so a faulting job
// cannot take down the controller.
func (s *Scheduler) execute(j *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log("job %s panicked: %v", j.Name, r)
		}
	}()
	j.runs.Add(1)
	j.Fn()
}

// Stats returns per-job execution counters.
func (s *Scheduler) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStats, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStats{
			Name:     j.Name,
			Interval: j.Interval,
			Runs:     j.runs.Load(),
			Skipped:  j.skip.Load(),
		})
	}
	return out
}
