package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/batch"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("timeline")

// VisitSource sequences every visit of a user.
type VisitSource interface {
	AllVisits(ctx context.Context, userID uuid.UUID) ([]qbank.QBD, error)
}

// ResponseSource maintains response associations and reports per-visit
// results.
type ResponseSource interface {
	Reconcile(ctx context.Context, userID uuid.UUID, visits []qbank.QBD) (bool, error)
	Results(ctx context.Context, userID uuid.UUID) (map[qbank.Key]*response.Results, error)
	PurgeAssociations(ctx context.Context, userID uuid.UUID) error
}

// Invalidator drops whatever was derived from a user's timeline.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
}

type Service struct {
	entries      Repository
	visits       VisitSource
	responses    ResponseSource
	enrollments  qbank.EnrollmentSource
	tx           db.TxRunner
	runner       *batch.Runner
	invalidators []Invalidator
	logger       zerolog.Logger
}

func NewService(
	entries Repository,
	visits VisitSource,
	responses ResponseSource,
	enrollments qbank.EnrollmentSource,
	tx db.TxRunner,
	runner *batch.Runner,
	logger zerolog.Logger,
) *Service {
	return &Service{
		entries:     entries,
		visits:      visits,
		responses:   responses,
		enrollments: enrollments,
		tx:          tx,
		runner:      runner,
		logger:      logger.With().Str("component", "qb_timeline").Logger(),
	}
}

func (s *Service) AddInvalidator(i Invalidator) {
	s.invalidators = append(s.invalidators, i)
}

// Update recomputes the user's timeline. With invalidateExisting the stored
// entries are replaced; otherwise only entries past the stored ones are
// appended, falling back to a rebuild when the stored log has diverged.
func (s *Service) Update(ctx context.Context, userID uuid.UUID, invalidateExisting bool) error {
	ctx, span := tracer.Start(ctx, "timeline.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID.String()),
		attribute.Bool("invalidate_existing", invalidateExisting),
	)

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		return s.update(ctx, userID, invalidateExisting)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return s.invalidateDerived(ctx, userID)
}

func (s *Service) update(ctx context.Context, userID uuid.UUID, invalidateExisting bool) error {
	log := s.logger.With().Str("user_id", userID.String()).Logger()

	enr, err := s.enrollments.Enrollment(ctx, userID)
	if err != nil {
		return fmt.Errorf("load enrollment: %w", err)
	}
	var withdrawnAt *time.Time
	if enr == nil || enr.TriggerDate == nil {
		log.Info().Msg("no trigger date, timeline left empty")
	} else {
		withdrawnAt = enr.WithdrawnAt
	}

	visits, err := s.visits.AllVisits(ctx, userID)
	if err != nil {
		return fmt.Errorf("sequence visits: %w", err)
	}
	changed, err := s.responses.Reconcile(ctx, userID, visits)
	if err != nil {
		return fmt.Errorf("reconcile responses: %w", err)
	}
	if changed {
		if visits, err = s.visits.AllVisits(ctx, userID); err != nil {
			return fmt.Errorf("sequence visits: %w", err)
		}
	}
	results, err := s.responses.Results(ctx, userID)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	computed := Materialize(userID, visits, results, withdrawnAt)

	if !invalidateExisting {
		stored, err := s.entries.ListForUser(ctx, userID)
		if err != nil {
			return err
		}
		if isPrefix(stored, computed) {
			tail := computed[len(stored):]
			log.Debug().Int("appended", len(tail)).Msg("timeline extended")
			return s.entries.Insert(ctx, tail)
		}
		log.Warn().Int("stored", len(stored)).Int("computed", len(computed)).
			Msg("stored timeline diverged, rebuilding")
	}

	if _, err := s.entries.DeleteForUser(ctx, userID); err != nil {
		return fmt.Errorf("clear timeline: %w", err)
	}
	if err := s.entries.Insert(ctx, computed); err != nil {
		return err
	}
	log.Debug().Int("entries", len(computed)).Int("visits", len(visits)).Msg("timeline rebuilt")
	return nil
}

func (s *Service) invalidateDerived(ctx context.Context, userID uuid.UUID) error {
	for _, inv := range s.invalidators {
		if err := inv.InvalidateUser(ctx, userID); err != nil {
			return fmt.Errorf("invalidate derived status: %w", err)
		}
	}
	return nil
}

// EnrollmentChanged purges response associations, which depend on the
// trigger date, and rebuilds the timeline.
func (s *Service) EnrollmentChanged(ctx context.Context, userID uuid.UUID) error {
	if err := s.responses.PurgeAssociations(ctx, userID); err != nil {
		return err
	}
	return s.Update(ctx, userID, true)
}

// ProtocolsChanged rebuilds the timelines of participants whose protocols
// were created or retired. Response associations stay; Reconcile drops the
// ones no longer in the schedule. Inside a transaction the users are
// rebuilt in turn on that transaction.
func (s *Service) ProtocolsChanged(ctx context.Context, userIDs []uuid.UUID) error {
	if db.TxFromContext(ctx) != nil {
		for _, id := range userIDs {
			if err := s.Update(ctx, id, true); err != nil {
				return fmt.Errorf("rebuild timeline %s: %w", id, err)
			}
		}
		return nil
	}
	return s.RefreshAll(ctx, userIDs, true).Err()
}

// ResponseSubmitted rebuilds the timeline of the response's subject.
func (s *Service) ResponseSubmitted(ctx context.Context, qr *response.QuestionnaireResponse) error {
	return s.Update(ctx, qr.SubjectID, true)
}

// Entries returns the stored timeline.
func (s *Service) Entries(ctx context.Context, userID uuid.UUID) ([]Entry, error) {
	return s.entries.ListForUser(ctx, userID)
}

// RefreshAll rebuilds every listed user's timeline. Failures are collected
// in the report.
func (s *Service) RefreshAll(ctx context.Context, userIDs []uuid.UUID, invalidateExisting bool) *batch.Report {
	return s.runner.Run(ctx, "timeline_refresh", userIDs, func(ctx context.Context, userID uuid.UUID) error {
		return s.Update(ctx, userID, invalidateExisting)
	})
}
