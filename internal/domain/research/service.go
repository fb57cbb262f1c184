package research

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

// EnrollmentListener is told when a participant's consent or withdrawal
// dates change, so derived schedules can be rebuilt.
type EnrollmentListener interface {
	EnrollmentChanged(ctx context.Context, userID uuid.UUID) error
}

// ProtocolListener is told which participants follow a protocol that was
// created, renamed or retired.
type ProtocolListener interface {
	ProtocolsChanged(ctx context.Context, userIDs []uuid.UUID) error
}

type Service struct {
	protocols   ProtocolRepository
	enrollments EnrollmentRepository
	users       UserRepository
	tx          db.TxRunner
	listeners   []EnrollmentListener
	onProtocols []ProtocolListener
	logger      zerolog.Logger
}

func NewService(
	protocols ProtocolRepository,
	enrollments EnrollmentRepository,
	users UserRepository,
	tx db.TxRunner,
	logger zerolog.Logger,
) *Service {
	return &Service{
		protocols:   protocols,
		enrollments: enrollments,
		users:       users,
		tx:          tx,
		logger:      logger.With().Str("component", "research").Logger(),
	}
}

func (s *Service) AddListener(l EnrollmentListener) {
	s.listeners = append(s.listeners, l)
}

// -- Protocols --

func (s *Service) AddProtocolListener(l ProtocolListener) {
	s.onProtocols = append(s.onProtocols, l)
}

// CreateProtocol creates or updates a protocol and refreshes the schedules
// of the participants it applies to.
func (s *Service) CreateProtocol(ctx context.Context, p *ResearchProtocol) error {
	if err := s.upsertProtocol(ctx, p); err != nil {
		return err
	}
	return s.NotifyProtocolsChanged(ctx, []uuid.UUID{p.ID})
}

// RegisterProtocol creates or updates a protocol version by name. Listeners
// are not told; bulk loaders call NotifyProtocolsChanged once at the end.
func (s *Service) RegisterProtocol(ctx context.Context, name string, organizationID *uuid.UUID, retiredAsOf *time.Time) (uuid.UUID, error) {
	p := &ResearchProtocol{Name: name, OrganizationID: organizationID, RetiredAsOf: retiredAsOf}
	if err := s.upsertProtocol(ctx, p); err != nil {
		return uuid.Nil, err
	}
	return p.ID, nil
}

func (s *Service) upsertProtocol(ctx context.Context, p *ResearchProtocol) error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.protocols.Upsert(ctx, p)
}

// NotifyProtocolsChanged tells protocol listeners about every participant
// enrolled at the organizations of the given protocols.
func (s *Service) NotifyProtocolsChanged(ctx context.Context, protocolIDs []uuid.UUID) error {
	if len(s.onProtocols) == 0 || len(protocolIDs) == 0 {
		return nil
	}
	orgs := make(map[uuid.UUID]bool)
	seen := make(map[uuid.UUID]bool)
	var userIDs []uuid.UUID
	for _, id := range protocolIDs {
		p, err := s.protocols.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load protocol %s: %w", id, err)
		}
		var org uuid.UUID
		if p.OrganizationID != nil {
			org = *p.OrganizationID
		}
		if orgs[org] {
			continue
		}
		orgs[org] = true
		ids, err := s.enrollments.ListUserIDsByOrganization(ctx, p.OrganizationID)
		if err != nil {
			return fmt.Errorf("list participants: %w", err)
		}
		for _, u := range ids {
			if !seen[u] {
				seen[u] = true
				userIDs = append(userIDs, u)
			}
		}
	}
	if len(userIDs) == 0 {
		return nil
	}
	for _, l := range s.onProtocols {
		if err := l.ProtocolsChanged(ctx, userIDs); err != nil {
			return fmt.Errorf("refresh participants: %w", err)
		}
	}
	s.logger.Info().Int("protocols", len(protocolIDs)).Int("participants", len(userIDs)).Msg("protocol change propagated")
	return nil
}

func (s *Service) GetProtocol(ctx context.Context, id uuid.UUID) (*ResearchProtocol, error) {
	return s.protocols.GetByID(ctx, id)
}

func (s *Service) ListProtocols(ctx context.Context, limit, offset int) ([]*ResearchProtocol, int, error) {
	return s.protocols.List(ctx, limit, offset)
}

// -- Enrollments --

func (s *Service) GetEnrollment(ctx context.Context, userID uuid.UUID) (*Enrollment, error) {
	return s.enrollments.LatestForUser(ctx, userID)
}

// SetEnrollment records consent and withdrawal dates for the participant,
// updating the latest enrollment in place when one exists, and notifies
// listeners within the same transaction.
func (s *Service) SetEnrollment(ctx context.Context, e *Enrollment) error {
	if e.UserID == uuid.Nil {
		return fmt.Errorf("user_id is required")
	}
	if e.ConsentedAt.IsZero() {
		return fmt.Errorf("consented_at is required")
	}
	if e.WithdrawnAt != nil && e.WithdrawnAt.Before(e.ConsentedAt) {
		return fmt.Errorf("withdrawn_at precedes consented_at")
	}
	e.ConsentedAt = e.ConsentedAt.UTC().Truncate(time.Second)
	if e.WithdrawnAt != nil {
		w := e.WithdrawnAt.UTC().Truncate(time.Second)
		e.WithdrawnAt = &w
	}

	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.enrollments.LatestForUser(ctx, e.UserID)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.enrollments.Create(ctx, e); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			e.ID = current.ID
			e.CreatedAt = current.CreatedAt
			if err := s.enrollments.Update(ctx, e); err != nil {
				return err
			}
		}
		s.logger.Info().
			Str("user_id", e.UserID.String()).
			Time("consented_at", e.ConsentedAt).
			Bool("withdrawn", e.WithdrawnAt != nil).
			Msg("enrollment changed")
		for _, l := range s.listeners {
			if err := l.EnrollmentChanged(ctx, e.UserID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Enrollment adapts the participant's latest enrollment for the visit
// sequencer. A participant without one has no trigger date.
func (s *Service) Enrollment(ctx context.Context, userID uuid.UUID) (*qbank.Enrollment, error) {
	e, err := s.enrollments.LatestForUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &qbank.Enrollment{}, nil
	}
	if err != nil {
		return nil, err
	}
	protocols, err := s.protocols.ListByOrganization(ctx, e.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	sortProtocols(protocols)

	trigger := e.ConsentedAt
	out := &qbank.Enrollment{TriggerDate: &trigger, WithdrawnAt: e.WithdrawnAt}
	for _, p := range protocols {
		out.Protocols = append(out.Protocols, qbank.Protocol{ID: p.ID, Name: p.Name, RetiredAsOf: p.RetiredAsOf})
	}
	return out, nil
}

// ParticipantIDs lists every user with an enrollment.
func (s *Service) ParticipantIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.enrollments.ListUserIDs(ctx)
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}
