package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs periodic jobs such as session checkpoints and the daily
// activity report.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu   sync.Mutex
	jobs []Job
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add registers a job. Jobs with an empty spec are skipped, which lets
// configuration disable them.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		s.logger.Info("scheduler job disabled", "job", job.Name)
		return nil
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: nil run func", job.Name)
	}
	_, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) run(job Job) {
	started := time.Now()
	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
		return
	}
	s.logger.Debug("scheduled job done", "job", job.Name, "duration", time.Since(started))
}

// RunNow executes the named job synchronously, outside of its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	var found *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			found = &s.jobs[i]
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	return found.Run(s.ctx)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop waits for running jobs and cancels their context.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}
