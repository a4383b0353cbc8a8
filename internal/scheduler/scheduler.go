// Package scheduler runs maintenance jobs on a fixed interval.
//
// It backs the auto-cleanup behavior: expired cache entries and memory
// records past retention are swept in the background while the service runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler is already running")

// Job is one unit of periodic work. Errors are logged and do not stop the
// scheduler.
type Job func(ctx context.Context) error

// Scheduler runs a Job periodically in the background.
//
// All public methods are safe for concurrent use.
type Scheduler struct {
	name       string
	job        Job
	interval   time.Duration
	jobTimeout time.Duration
	runOnStart bool
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	runs    int64
	fails   int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the time between runs. Defaults to one hour.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithName labels the scheduler in logs.
func WithName(name string) Option {
	return func(s *Scheduler) {
		s.name = name
	}
}

// WithRunOnStart runs the job once immediately after Start.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) {
		s.runOnStart = enabled
	}
}

// WithJobTimeout bounds a single run. Zero means no bound beyond Stop.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.jobTimeout = d
		}
	}
}

// New creates a scheduler for job. It does not start automatically.
func New(job Job, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if job == nil {
		return nil, fmt.Errorf("job cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Scheduler{
		name:     "job",
		job:      job,
		interval: time.Hour,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("job", s.name))
	return s, nil
}

// Start begins running the job on the configured interval until Stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the loop to exit and waits for an in-flight run to finish.
// Stopping a scheduler that is not running is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("scheduler stopped")
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Runs returns how many runs completed and how many of those failed.
func (s *Scheduler) Runs() (total, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.fails
}

// RunNow executes the job once on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.safeRun(ctx)
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.runOnStart {
		_ = s.safeRun(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.safeRun(ctx)
		case <-stop:
			return
		}
	}
}

// safeRun executes the job with panic recovery so one bad run does not kill
// the loop.
func (s *Scheduler) safeRun(ctx context.Context) (err error) {
	if s.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("job panicked: %v", r)
		}

		s.mu.Lock()
		s.runs++
		if err != nil {
			s.fails++
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("scheduled job failed", zap.Error(err))
			return
		}
		s.logger.Debug("scheduled job completed", zap.Duration("duration", time.Since(start)))
	}()

	return s.job(ctx)
}
