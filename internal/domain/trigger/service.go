package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/research"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/batch"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/telemetry"
)

var tracer = telemetry.Tracer("trigger")

// DefaultInstrument is the questionnaire whose completion is evaluated.
const DefaultInstrument = "ironman_ss"

type ResponseSource interface {
	All(ctx context.Context, subjectID uuid.UUID) ([]*response.QuestionnaireResponse, error)
}

// VisitLocator finds the visit open at an instant.
type VisitLocator interface {
	CurrentQBD(ctx context.Context, userID uuid.UUID, asOf time.Time, class qbank.Classification) (*qbank.QBD, error)
}

type UserSource interface {
	GetUser(ctx context.Context, id uuid.UUID) (*research.User, error)
}

type Service struct {
	repo       Repository
	responses  ResponseSource
	visits     VisitLocator
	users      UserSource
	actions    *Registry
	tx         db.TxRunner
	runner     *batch.Runner
	instrument string
	now        func() time.Time
	logger     zerolog.Logger
}

func NewService(
	repo Repository,
	responses ResponseSource,
	visits VisitLocator,
	users UserSource,
	actions *Registry,
	tx db.TxRunner,
	runner *batch.Runner,
	instrument string,
	logger zerolog.Logger,
) *Service {
	if instrument == "" {
		instrument = DefaultInstrument
	}
	return &Service{
		repo:       repo,
		responses:  responses,
		visits:     visits,
		users:      users,
		actions:    actions,
		tx:         tx,
		runner:     runner,
		instrument: instrument,
		now:        time.Now,
		logger:     logger.With().Str("component", "trigger_states").Logger(),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// UsersTriggerState returns the current row, or an unsaved unstarted row
// when the user has none.
func (s *Service) UsersTriggerState(ctx context.Context, userID uuid.UUID) (*TriggerState, error) {
	ts, err := s.repo.Latest(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &TriggerState{UserID: userID, State: StateUnstarted, Timestamp: s.now().UTC().Truncate(time.Second)}, nil
	}
	return ts, err
}

// Initiate opens a trigger cycle for the visit open now. A user already due
// gets the existing row back.
func (s *Service) Initiate(ctx context.Context, userID uuid.UUID) (*TriggerState, error) {
	return s.initiate(ctx, userID, s.now())
}

// initiate opens a cycle for the visit open at asOf.
func (s *Service) initiate(ctx context.Context, userID uuid.UUID, asOf time.Time) (*TriggerState, error) {
	var out *TriggerState
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.UsersTriggerState(ctx, userID)
		if err != nil {
			return err
		}
		if cur.State == StateDue {
			out = cur
			return nil
		}
		now := s.now()
		next, err := cur.Next(StateDue, now)
		if err != nil {
			return err
		}
		next.QuestionnaireResponseID = nil
		next.Triggers = nil
		next.VisitMonth = nil
		q, err := s.visits.CurrentQBD(ctx, userID, asOf, "")
		if err != nil {
			return fmt.Errorf("locate current visit: %w", err)
		}
		if q != nil {
			month := q.Offset.TotalMonths()
			next.VisitMonth = &month
		}
		if err := s.repo.Insert(ctx, next); err != nil {
			return err
		}
		s.logger.Info().Str("user_id", userID.String()).Str("from", string(cur.State)).Msg("trigger cycle initiated")
		out = next
		return nil
	})
	return out, err
}

// Evaluate scores qr against the user's earlier responses and records the
// processed result. The user must be due.
func (s *Service) Evaluate(ctx context.Context, qr *response.QuestionnaireResponse) (*TriggerState, error) {
	ctx, span := tracer.Start(ctx, "trigger.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", qr.SubjectID.String()), attribute.String("qnr_id", qr.ID.String()))

	var out *TriggerState
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.UsersTriggerState(ctx, qr.SubjectID)
		if err != nil {
			return err
		}
		now := s.now()
		inprocess, err := cur.Next(StateInProcess, now)
		if err != nil {
			return err
		}
		qnrID := qr.ID
		inprocess.QuestionnaireResponseID = &qnrID
		if err := s.repo.Insert(ctx, inprocess); err != nil {
			return err
		}

		all, err := s.responses.All(ctx, qr.SubjectID)
		if err != nil {
			return fmt.Errorf("load responses: %w", err)
		}
		processed, err := inprocess.Next(StateProcessed, now)
		if err != nil {
			return err
		}
		processed.Triggers = &Triggers{
			Source: &Source{QNRID: qr.ID, Authored: qr.Authored.UTC()},
			Domain: NewManifold(qr, all).Eval(),
		}
		if err := s.repo.Insert(ctx, processed); err != nil {
			return err
		}
		s.logger.Info().
			Str("user_id", qr.SubjectID.String()).
			Str("qnr_id", qr.ID.String()).
			Strs("hard", processed.HardTriggerList()).
			Strs("soft", processed.SoftTriggerList()).
			Msg("triggers evaluated")
		out = processed
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return out, err
}

// ResponseSubmitted evaluates completed responses of the trigger
// instrument against the visit open when the response was authored. A user
// with an unresolved alert is left alone. Failures are logged and rolled
// back to a savepoint so the submission itself still commits.
func (s *Service) ResponseSubmitted(ctx context.Context, qr *response.QuestionnaireResponse) error {
	if qr.QuestionnaireName != s.instrument || !qr.Completed() {
		return nil
	}
	log := s.logger.With().Str("user_id", qr.SubjectID.String()).Str("qnr_id", qr.ID.String()).Logger()
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.UsersTriggerState(ctx, qr.SubjectID)
		if err != nil {
			return err
		}
		if cur.State == StateTriggered {
			log.Info().Msg("open alert awaits resolution, response not evaluated")
			return nil
		}
		if _, err := s.initiate(ctx, qr.SubjectID, qr.Authored); err != nil {
			return fmt.Errorf("initiate trigger cycle: %w", err)
		}
		_, err = s.Evaluate(ctx, qr)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("trigger evaluation skipped")
	}
	return nil
}

// FireTriggerEvents sends the pending emails of processed users and the
// reminders due to triggered users as of asOf.
func (s *Service) FireTriggerEvents(ctx context.Context, asOf time.Time) (*batch.Report, error) {
	ctx, span := tracer.Start(ctx, "trigger.FireTriggerEvents")
	defer span.End()

	pending, err := s.repo.ListLatestInStates(ctx, StateProcessed, StateTriggered)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(pending))
	for _, ts := range pending {
		ids = append(ids, ts.UserID)
	}
	span.SetAttributes(attribute.Int("users", len(ids)))
	report := s.runner.Run(ctx, "fire_trigger_events", ids, func(ctx context.Context, userID uuid.UUID) error {
		return s.fire(ctx, userID, asOf)
	})
	return report, nil
}

func (s *Service) fire(ctx context.Context, userID uuid.UUID, asOf time.Time) error {
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.Latest(ctx, userID)
		if err != nil {
			return err
		}
		switch cur.State {
		case StateProcessed:
			return s.fireProcessed(ctx, cur, asOf)
		case StateTriggered:
			if !cur.ReminderDue(asOf) {
				return nil
			}
			user, err := s.users.GetUser(ctx, userID)
			if err != nil {
				return fmt.Errorf("load user: %w", err)
			}
			if err := s.actions.Run(ctx, ActionStaffReminder, cur, user, asOf); err != nil {
				return err
			}
			s.logger.Info().Str("user_id", userID.String()).Msg("staff reminder sent")
			return s.repo.UpdateTriggers(ctx, cur.ID, cur.Triggers)
		}
		return nil
	})
}

func (s *Service) fireProcessed(ctx context.Context, cur *TriggerState, asOf time.Time) error {
	hard := cur.HardTriggerList()
	to := StateResolved
	kinds := []ActionKind{ActionPatientThankYou}
	if len(hard) > 0 {
		to = StateTriggered
		kinds = append(kinds, ActionInitialStaffAlert)
	}
	next, err := cur.Next(to, asOf)
	if err != nil {
		return err
	}
	user, err := s.users.GetUser(ctx, cur.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	for _, k := range kinds {
		if err := s.actions.Run(ctx, k, next, user, asOf); err != nil {
			return err
		}
	}
	if err := s.repo.Insert(ctx, next); err != nil {
		return err
	}
	s.logger.Info().
		Str("user_id", cur.UserID.String()).
		Str("state", string(to)).
		Strs("hard", hard).
		Msg("trigger events fired")
	return nil
}

// Resolve records the staff close-out of a trigger cycle.
func (s *Service) Resolve(ctx context.Context, userID uuid.UUID, authorID *uuid.UUID, note string) (*TriggerState, error) {
	var out *TriggerState
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.UsersTriggerState(ctx, userID)
		if err != nil {
			return err
		}
		now := s.now()
		next, err := cur.Next(StateResolved, now)
		if err != nil {
			return err
		}
		if next.Triggers == nil {
			next.Triggers = &Triggers{}
		}
		next.Triggers.Resolution = &Resolution{AuthorID: authorID, Note: note, Timestamp: next.Timestamp}
		if err := s.repo.Insert(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*TriggerState, int, error) {
	return s.repo.History(ctx, userID, limit, offset)
}
