// Package qbanktest provides in-memory sources and bank fixtures for tests of
// packages built on the sequencer.
package qbanktest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
)

// Banks is an in-memory qbank.BankRepository.
type Banks struct {
	mu   sync.Mutex
	data map[uuid.UUID]*qbank.QuestionnaireBank
	seq  int
	rank map[uuid.UUID]int
}

func NewBanks(banks ...*qbank.QuestionnaireBank) *Banks {
	r := &Banks{data: map[uuid.UUID]*qbank.QuestionnaireBank{}, rank: map[uuid.UUID]int{}}
	for _, b := range banks {
		_ = r.Create(context.Background(), b)
	}
	return r
}

func (r *Banks) Create(_ context.Context, b *qbank.QuestionnaireBank) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.data {
		if existing.Name == b.Name {
			b.ID = id
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	for i := range b.Recurs {
		if b.Recurs[i].ID == uuid.Nil {
			b.Recurs[i].ID = uuid.New()
		}
	}
	if _, ok := r.rank[b.ID]; !ok {
		r.rank[b.ID] = r.seq
		r.seq++
	}
	r.data[b.ID] = b
	return nil
}

func (r *Banks) GetByID(_ context.Context, id uuid.UUID) (*qbank.QuestionnaireBank, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.data[id]; ok {
		return b, nil
	}
	return nil, qbank.ErrNotFound
}

func (r *Banks) List(_ context.Context, limit, offset int) ([]*qbank.QuestionnaireBank, int, error) {
	all := r.sorted(func(*qbank.QuestionnaireBank) bool { return true })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *Banks) ListByProtocol(_ context.Context, protocolID uuid.UUID) ([]*qbank.QuestionnaireBank, error) {
	return r.sorted(func(b *qbank.QuestionnaireBank) bool {
		return b.ResearchProtocolID != nil && *b.ResearchProtocolID == protocolID
	}), nil
}

func (r *Banks) sorted(keep func(*qbank.QuestionnaireBank) bool) []*qbank.QuestionnaireBank {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*qbank.QuestionnaireBank
	for _, b := range r.data {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.rank[out[i].ID] < r.rank[out[j].ID] })
	return out
}

// Enrollments is a static qbank.EnrollmentSource.
type Enrollments map[uuid.UUID]*qbank.Enrollment

func (e Enrollments) Enrollment(_ context.Context, userID uuid.UUID) (*qbank.Enrollment, error) {
	return e[userID], nil
}

// Pins is a static qbank.PinSource.
type Pins map[uuid.UUID]map[qbank.Key]bool

func (p Pins) PinnedVisits(_ context.Context, userID uuid.UUID) (map[qbank.Key]bool, error) {
	return p[userID], nil
}

// Protocol builds a protocol version, optionally retired.
func Protocol(name string, retiredAsOf *time.Time) qbank.Protocol {
	return qbank.Protocol{ID: uuid.New(), Name: name, RetiredAsOf: retiredAsOf}
}

func delta(d qbank.RelativeDelta) *qbank.RelativeDelta { return &d }

// CRV returns the banks of the reference protocol: a baseline due for 90 days
// (overdue after 7), a three-monthly bank at months 3, 9, 15 and 21 and a
// six-monthly bank at months 6, 18 and 30. Recurring visits are overdue after
// one month and expire after three.
func CRV(protocolID uuid.UUID, suffix string) []*qbank.QuestionnaireBank {
	pid := protocolID
	return []*qbank.QuestionnaireBank{
		{
			Name:               "CRV Baseline " + suffix,
			Classification:     qbank.Baseline,
			ResearchProtocolID: &pid,
			Overdue:            delta(qbank.Days(7)),
			Expired:            delta(qbank.Days(90)),
			Questionnaires:     []string{"epic26", "eproms_add", "comorb"},
		},
		{
			Name:               "CRV_recurring_3mo_period " + suffix,
			Classification:     qbank.Recurring,
			ResearchProtocolID: &pid,
			Overdue:            delta(qbank.Months(1)),
			Expired:            delta(qbank.Months(3)),
			Questionnaires:     []string{"epic26", "eproms_add"},
			Recurs: []qbank.RecurrenceRule{{
				Start:       qbank.Months(3),
				CycleLength: qbank.Months(6),
				Termination: qbank.Months(24),
			}},
		},
		{
			Name:               "CRV_recurring_6mo_period " + suffix,
			Classification:     qbank.Recurring,
			ResearchProtocolID: &pid,
			Overdue:            delta(qbank.Months(1)),
			Expired:            delta(qbank.Months(3)),
			Questionnaires:     []string{"epic26", "eproms_add", "comorb"},
			Recurs: []qbank.RecurrenceRule{{
				Start:       qbank.Months(6),
				CycleLength: qbank.Months(12),
				Termination: qbank.Months(33),
			}},
		},
	}
}

// Indefinite returns an always-open bank for protocolID.
func Indefinite(protocolID uuid.UUID, suffix string) *qbank.QuestionnaireBank {
	pid := protocolID
	return &qbank.QuestionnaireBank{
		Name:               "indef_" + suffix,
		Classification:     qbank.Indefinite,
		ResearchProtocolID: &pid,
		Questionnaires:     []string{"irondemog"},
	}
}

// Fixture wires an in-memory sequencer around one user.
type Fixture struct {
	UserID      uuid.UUID
	Banks       *Banks
	Enrollments Enrollments
	Pins        Pins
}

// NewFixture enrolls a user with the given trigger date in the protocols,
// each seeded with the CRV banks and an indefinite bank.
func NewFixture(trigger time.Time, protocols ...qbank.Protocol) *Fixture {
	f := &Fixture{
		UserID: uuid.New(),
		Banks:  NewBanks(),
		Pins:   Pins{},
	}
	for _, p := range protocols {
		for _, b := range CRV(p.ID, p.Name) {
			_ = f.Banks.Create(context.Background(), b)
		}
		_ = f.Banks.Create(context.Background(), Indefinite(p.ID, p.Name))
	}
	t := trigger
	f.Enrollments = Enrollments{f.UserID: {TriggerDate: &t, Protocols: protocols}}
	return f
}

// Pin marks a visit as carrying a submitted response.
func (f *Fixture) Pin(bankID uuid.UUID, iteration *int) {
	if f.Pins[f.UserID] == nil {
		f.Pins[f.UserID] = map[qbank.Key]bool{}
	}
	f.Pins[f.UserID][qbank.KeyOf(bankID, iteration)] = true
}

// BankNamed returns the bank with the given name, or nil.
func (f *Fixture) BankNamed(name string) *qbank.QuestionnaireBank {
	all, _, _ := f.Banks.List(context.Background(), 1000, 0)
	for _, b := range all {
		if b.Name == name {
			return b
		}
	}
	return nil
}
