package response

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

// QBDAccessor resolves the visit a response to instrument authored at asOf
// belongs to, or nil when none applies.
type QBDAccessor func(ctx context.Context, userID uuid.UUID, asOf time.Time, instrument string) (*qbank.QBD, error)

// SubmitListener is told about every stored response within the submitting
// transaction.
type SubmitListener interface {
	ResponseSubmitted(ctx context.Context, qr *QuestionnaireResponse) error
}

type Service struct {
	repo      Repository
	tx        db.TxRunner
	accessor  QBDAccessor
	listeners []SubmitListener
	logger    zerolog.Logger
}

func NewService(repo Repository, tx db.TxRunner, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		logger: logger.With().Str("component", "response").Logger(),
	}
}

// SetAccessor installs the visit lookup. The sequencer reads pinned visits
// back from this service, so the two are wired after construction.
func (s *Service) SetAccessor(a QBDAccessor) {
	s.accessor = a
}

func (s *Service) AddListener(l SubmitListener) {
	s.listeners = append(s.listeners, l)
}

// Submit validates and stores a response, resolving its visit from the
// authored time.
func (s *Service) Submit(ctx context.Context, qr *QuestionnaireResponse) error {
	if qr.SubjectID == uuid.Nil {
		return fmt.Errorf("subject_id is required")
	}
	if qr.QuestionnaireName == "" {
		return fmt.Errorf("questionnaire is required")
	}
	if qr.Status == "" {
		qr.Status = StatusInProgress
	}
	if !validStatuses[qr.Status] {
		return fmt.Errorf("invalid status: %s", qr.Status)
	}
	for _, it := range qr.Items {
		if it.LinkID == "" {
			return fmt.Errorf("item link_id is required")
		}
	}
	if qr.Authored.IsZero() {
		qr.Authored = time.Now()
	}
	qr.Authored = qr.Authored.UTC().Truncate(time.Second)

	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.associate(ctx, qr); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, qr); err != nil {
			return err
		}
		s.logger.Info().
			Str("user_id", qr.SubjectID.String()).
			Str("questionnaire", qr.QuestionnaireName).
			Str("status", qr.Status).
			Bool("associated", qr.QBID != nil).
			Msg("questionnaire response stored")
		for _, l := range s.listeners {
			if err := l.ResponseSubmitted(ctx, qr); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) associate(ctx context.Context, qr *QuestionnaireResponse) error {
	if s.accessor == nil {
		return nil
	}
	q, err := s.accessor(ctx, qr.SubjectID, qr.Authored, qr.QuestionnaireName)
	if err != nil {
		return fmt.Errorf("resolve visit: %w", err)
	}
	if q == nil {
		s.logger.Warn().
			Str("user_id", qr.SubjectID.String()).
			Str("questionnaire", qr.QuestionnaireName).
			Time("authored", qr.Authored).
			Msg("no visit applies to response")
	}
	qr.Associate(q)
	return nil
}

// Reconcile checks each stored association against the recomputed visits.
// Stale associations are cleared, and unassociated responses are resolved
// again. It reports whether any association changed.
func (s *Service) Reconcile(ctx context.Context, userID uuid.UUID, visits []qbank.QBD) (bool, error) {
	qrs, err := s.repo.AllForSubject(ctx, userID)
	if err != nil {
		return false, err
	}
	byKey := make(map[qbank.Key]qbank.QBD, len(visits))
	for _, q := range visits {
		byKey[q.Key()] = q
	}

	changed := false
	for _, qr := range qrs {
		before, had := qr.VisitKey()
		if had {
			if q, found := byKey[before]; found && q.Contains(qr.Authored) && q.Bank.Includes(qr.QuestionnaireName) {
				continue
			}
			s.logger.Warn().
				Str("user_id", userID.String()).
				Str("response_id", qr.ID.String()).
				Str("qb_id", before.BankID.String()).
				Int("iteration", before.Iteration).
				Msg("clearing stale visit association")
			if err := s.repo.SetAssociation(ctx, qr.ID, nil, nil); err != nil {
				return changed, err
			}
			qr.Associate(nil)
		}
		if err := s.associate(ctx, qr); err != nil {
			return changed, err
		}
		after, has := qr.VisitKey()
		if has {
			if err := s.repo.SetAssociation(ctx, qr.ID, qr.QBID, qr.QBIteration); err != nil {
				return changed, err
			}
		}
		if had != has || before != after {
			changed = true
		}
	}
	return changed, nil
}

// PurgeAssociations drops every visit association of the user.
func (s *Service) PurgeAssociations(ctx context.Context, userID uuid.UUID) error {
	n, err := s.repo.ClearAssociations(ctx, userID)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info().Str("user_id", userID.String()).Int64("count", n).Msg("visit associations purged")
	}
	return nil
}

// PinnedVisits reports the visits holding at least one response.
func (s *Service) PinnedVisits(ctx context.Context, userID uuid.UUID) (map[qbank.Key]bool, error) {
	qrs, err := s.repo.AllForSubject(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[qbank.Key]bool)
	for _, qr := range qrs {
		if key, ok := qr.VisitKey(); ok {
			out[key] = true
		}
	}
	return out, nil
}

// Results groups the user's associated responses by visit.
func (s *Service) Results(ctx context.Context, userID uuid.UUID) (map[qbank.Key]*Results, error) {
	qrs, err := s.repo.AllForSubject(ctx, userID)
	if err != nil {
		return nil, err
	}
	return BuildResults(qrs), nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*QuestionnaireResponse, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*QuestionnaireResponse, int, error) {
	return s.repo.ListBySubject(ctx, subjectID, limit, offset)
}

// All returns the user's responses in authored order.
func (s *Service) All(ctx context.Context, subjectID uuid.UUID) ([]*QuestionnaireResponse, error) {
	return s.repo.AllForSubject(ctx, subjectID)
}
