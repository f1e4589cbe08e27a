// Package sweeper runs the periodic lifecycle jobs: reservation window
// expiry and the overdue loan scan.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Summary counts the items one pass handled.
type Summary struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Job is a named pass run every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (Summary, error)
}

var ErrUnknownJob = errors.New("unknown job")

// Scheduler owns the job goroutines. It is started and stopped explicitly.
type Scheduler struct {
	logger    zerolog.Logger
	tracer    trace.Tracer
	processed metric.Int64Counter
	failed    metric.Int64Counter
	passes    metric.Int64Counter

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

func New(logger zerolog.Logger) *Scheduler {
	meter := otel.Meter("libralend/sweeper")
	processed, _ := meter.Int64Counter("sweeper.items.processed", metric.WithDescription("Items handled by sweeper passes"))
	failed, _ := meter.Int64Counter("sweeper.items.failed", metric.WithDescription("Items a sweeper pass failed on"))
	passes, _ := meter.Int64Counter("sweeper.passes", metric.WithDescription("Completed sweeper passes"))
	return &Scheduler{
		logger:    logger.With().Str("component", "sweeper").Logger(),
		tracer:    otel.Tracer("libralend/sweeper"),
		processed: processed,
		failed:    failed,
		passes:    passes,
	}
}

// Register adds a job. Jobs registered after Start run from the next Start.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

// Start launches one goroutine per job. Each runs a pass immediately and
// then on its interval until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}
	for _, job := range s.jobs {
		if job.Interval <= 0 {
			return fmt.Errorf("job %s has no interval", job.Name)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	s.cancel, s.group, s.running = cancel, g, true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		s.pass(ctx, job)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the jobs and waits for running passes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, g := s.cancel, s.group
	s.running = false
	s.mu.Unlock()

	cancel()
	_ = g.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// RunOnce runs a single pass of the named job in the caller's goroutine.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Summary, error) {
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
		return Summary{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.pass(ctx, *found)
}

func (s *Scheduler) pass(ctx context.Context, job Job) (Summary, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper."+job.Name)
	defer span.End()

	start := time.Now()
	summary, err := job.Run(ctx)
	attrs := metric.WithAttributes(attribute.String("job", job.Name))
	s.processed.Add(ctx, int64(summary.Processed), attrs)
	s.failed.Add(ctx, int64(summary.Failed), attrs)
	s.passes.Add(ctx, 1, attrs)
	span.SetAttributes(attribute.Int("processed", summary.Processed), attribute.Int("failed", summary.Failed))

	log := s.logger.Debug()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log = s.logger.Error().Err(err)
	} else if summary.Failed > 0 {
		log = s.logger.Warn()
	}
	log.Str("job", job.Name).Int("processed", summary.Processed).Int("failed", summary.Failed).
		Dur("took", time.Since(start)).Msg("sweep finished")
	return summary, err
}
