package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Job is one unit of background work.
type Job func(ctx context.Context) error

// Runner executes jobs and records their outcome. A nil Metrics or Logger is
// allowed.
type Runner struct {
	Metrics *Metrics
	Logger  *slog.Logger
}

// Run executes job once.
func (r *Runner) Run(ctx context.Context, jobType string, job Job) error {
	start := time.Now()
	err := job(ctx)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		r.Metrics.observe(jobType, StatusFailure, elapsed)
		r.Metrics.incErrors(jobType, errorType(err))
		r.logger().ErrorContext(ctx, "background job failed", "job_type", jobType, "error", err)
		return err
	}
	r.Metrics.observe(jobType, StatusSuccess, elapsed)
	return nil
}

// RunPeriodic runs job immediately and then every interval until ctx is done.
// It blocks and should typically be run in a goroutine.
func (r *Runner) RunPeriodic(ctx context.Context, jobType string, interval time.Duration, job Job) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = r.Run(ctx, jobType, job)
	for {
		select {
		case <-ticker.C:
			_ = r.Run(ctx, jobType, job)
		case <-ctx.Done():
			r.logger().Info("stopping background job", "job_type", jobType)
			return
		}
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
