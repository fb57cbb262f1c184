package qbank

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

type Service struct {
	banks BankRepository
	seq   *Sequencer
	tx    db.TxRunner
}

func NewService(banks BankRepository, seq *Sequencer, tx db.TxRunner) *Service {
	return &Service{banks: banks, seq: seq, tx: tx}
}

// CreateBank validates the bank alone and together with the other banks of
// its protocol before storing it.
func (s *Service) CreateBank(ctx context.Context, b *QuestionnaireBank) error {
	if err := b.Validate(); err != nil {
		return err
	}
	return s.tx.WithTx(ctx, func(ctx context.Context) error {
		if b.ResearchProtocolID != nil {
			existing, err := s.banks.ListByProtocol(ctx, *b.ResearchProtocolID)
			if err != nil {
				return err
			}
			set := []*QuestionnaireBank{b}
			for _, e := range existing {
				if e.Name != b.Name {
					set = append(set, e)
				}
			}
			if err := ValidateProtocolBanks(set); err != nil {
				return err
			}
		}
		return s.banks.Create(ctx, b)
	})
}

func (s *Service) GetBank(ctx context.Context, id uuid.UUID) (*QuestionnaireBank, error) {
	return s.banks.GetByID(ctx, id)
}

func (s *Service) ListBanks(ctx context.Context, limit, offset int) ([]*QuestionnaireBank, int, error) {
	return s.banks.List(ctx, limit, offset)
}

func (s *Service) ListProtocolBanks(ctx context.Context, protocolID uuid.UUID) ([]*QuestionnaireBank, error) {
	return s.banks.ListByProtocol(ctx, protocolID)
}

// OrderedQBDs returns the full visit sequence for the user.
func (s *Service) OrderedQBDs(ctx context.Context, userID uuid.UUID, classes ...Classification) ([]QBD, error) {
	seq, err := s.seq.OrderedQBDs(ctx, userID, classes...)
	if err != nil {
		return nil, err
	}
	return seq.All(), nil
}

// AllVisits returns the baseline and recurring schedule followed by the
// indefinite visits. The two are sequenced separately so an always-open bank
// never influences protocol transitions of the scheduled ones.
func (s *Service) AllVisits(ctx context.Context, userID uuid.UUID) ([]QBD, error) {
	scheduled, err := s.OrderedQBDs(ctx, userID, Baseline, Recurring)
	if err != nil {
		return nil, err
	}
	indefinite, err := s.OrderedQBDs(ctx, userID, Indefinite)
	if err != nil {
		return nil, err
	}
	return append(scheduled, indefinite...), nil
}

// QBDFor finds the visit a response to instrument authored at asOf belongs
// to: a baseline or recurring visit open at asOf whose bank lists the
// instrument, else an indefinite one. It returns nil when none applies.
func (s *Service) QBDFor(ctx context.Context, userID uuid.UUID, asOf time.Time, instrument string) (*QBD, error) {
	for _, classes := range [][]Classification{{Baseline, Recurring}, {Indefinite}} {
		seq, err := s.seq.OrderedQBDs(ctx, userID, classes...)
		if err != nil {
			return nil, fmt.Errorf("sequence visits: %w", err)
		}
		for q, ok := seq.Next(); ok; q, ok = seq.Next() {
			if q.Contains(asOf) && q.Bank.Includes(instrument) {
				return &q, nil
			}
		}
	}
	return nil, nil
}
