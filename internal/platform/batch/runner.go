// Package batch runs a job over many users with bounded parallelism. A failing
// user is logged and recorded; the remaining users still run.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Failure records one user's error.
type Failure struct {
	UserID uuid.UUID `json:"user_id"`
	Error  string    `json:"error"`
	err    error
}

// Report summarises a batch run.
type Report struct {
	Job       string        `json:"job"`
	Processed int           `json:"processed"`
	Failures  []Failure     `json:"failures,omitempty"`
	Canceled  bool          `json:"canceled,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Err joins every per-user failure, or returns nil when all succeeded.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("user %s: %w", f.UserID, f.err))
	}
	return errors.Join(errs...)
}

// Runner executes per-user work with at most limit users in flight.
type Runner struct {
	limit  int
	logger zerolog.Logger
}

func NewRunner(limit int, logger zerolog.Logger) *Runner {
	if limit <= 0 {
		limit = 1
	}
	return &Runner{limit: limit, logger: logger.With().Str("component", "batch").Logger()}
}

// Run calls fn once per user. Scheduling stops when ctx is cancelled; users
// already running finish. fn must be safe to re-run for the same user.
func (r *Runner) Run(ctx context.Context, job string, userIDs []uuid.UUID, fn func(ctx context.Context, userID uuid.UUID) error) *Report {
	start := time.Now()
	report := &Report{Job: job}
	log := r.logger.With().Str("job", job).Logger()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.limit)

	for _, id := range userIDs {
		if ctx.Err() != nil {
			report.Canceled = true
			break
		}
		id := id
		g.Go(func() error {
			err := fn(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			if err != nil {
				log.Error().Err(err).Str("user_id", id.String()).Msg("batch item failed")
				report.Failures = append(report.Failures, Failure{UserID: id, Error: err.Error(), err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].UserID.String() < report.Failures[j].UserID.String()
	})
	report.Elapsed = time.Since(start)
	log.Info().
		Int("processed", report.Processed).
		Int("failed", len(report.Failures)).
		Bool("canceled", report.Canceled).
		Dur("elapsed", report.Elapsed).
		Msg("batch finished")
	return report
}
