// Package sched provides interval scheduling for the relay's background
// jobs (the reaper and the keepalive pinger).
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// RunFunc runs one job pass and returns its summary. A non-nil error still
// carries whatever partial summary was accumulated.
type RunFunc func(ctx context.Context) (interface{}, error)

// JobState tracks the runtime state of a job.
type JobState struct {
	NextRunAtMs    int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs    int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"` // "ok", "error", "skipped"
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
}

// Job is one registered background job.
type Job struct {
	Name    string        `json:"name"`
	Every   time.Duration `json:"every"`
	Timeout time.Duration `json:"timeout"`
	State   JobState      `json:"state"`

	run         RunFunc
	cronEntryID cron.EntryID
}

// Scheduler runs registered jobs on their intervals. Runs of the same job
// never overlap: a tick that fires while the previous run is still going is
// skipped and recorded as such.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*Job
	logger zerolog.Logger

	mu      sync.RWMutex
	running bool
}

// NewScheduler creates a new scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[string]*Job),
		logger: logger.With().Str("component", "sched").Logger(),
	}
}

// AddJob registers a job. An interval of zero registers the job for manual
// runs only.
func (s *Scheduler) AddJob(name string, every, timeout time.Duration, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}

	job := &Job{
		Name:    name,
		Every:   every,
		Timeout: timeout,
		run:     run,
	}
	s.jobs[name] = job

	if every <= 0 {
		return nil
	}

	spec := fmt.Sprintf("@every %s", every.String())
	entryID, err := s.cron.AddFunc(spec, func() {
		_, _ = s.execJob(name)
	})
	if err != nil {
		return err
	}
	job.cronEntryID = entryID

	entry := s.cron.Entry(entryID)
	if !entry.Next.IsZero() {
		job.State.NextRunAtMs = entry.Next.UnixMilli()
	}
	return nil
}

// execJob runs the job once and updates its state.
func (s *Scheduler) execJob(name string) (interface{}, error) {
	s.mu.Lock()
	job, exists := s.jobs[name]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("job not found: %s", name)
	}
	if job.State.RunningAtMs != 0 {
		job.State.LastStatus = "skipped"
		s.mu.Unlock()
		s.logger.Warn().Str("job", name).Msg("previous run still going, skipping")
		return nil, nil
	}
	start := time.Now()
	job.State.RunningAtMs = start.UnixMilli()
	timeout := job.Timeout
	run := job.run
	s.mu.Unlock()

	s.logger.Info().Str("job", name).Msg("Executing scheduled job")

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	summary, err := run(ctx)

	duration := time.Since(start).Milliseconds()
	s.mu.Lock()
	job.State.LastRunAtMs = start.UnixMilli()
	job.State.RunningAtMs = 0
	job.State.LastDurationMs = duration
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	if job.cronEntryID != 0 {
		entry := s.cron.Entry(job.cronEntryID)
		if !entry.Next.IsZero() {
			job.State.NextRunAtMs = entry.Next.UnixMilli()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Str("job", name).Msg("Job execution failed")
	} else {
		s.logger.Info().Str("job", name).Int64("durationMs", duration).Msg("Job execution completed")
	}
	return summary, err
}

// RunNow runs a job synchronously and returns its summary. The overlap
// guard applies: a run in progress makes this a no-op.
func (s *Scheduler) RunNow(name string) (interface{}, error) {
	return s.execJob(name)
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true

	// Entries get their first Next only once the cron is running, so
	// refresh the advertised next-run time for jobs added before Start.
	for _, job := range s.jobs {
		if job.Every <= 0 {
			continue
		}
		entry := s.cron.Entry(job.cronEntryID)
		if !entry.Next.IsZero() {
			job.State.NextRunAtMs = entry.Next.UnixMilli()
		}
	}
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
}

// Jobs returns all registered jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, j)
	}
	return list
}

// GetJob returns a job by name.
func (s *Scheduler) GetJob(name string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	return j, ok
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
