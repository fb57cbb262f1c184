package qbank

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NoIteration is the Key iteration of a non-recurring visit.
const NoIteration = -1

// Key identifies a visit independently of the user's anchor date. Responses
// are associated with visits by Key.
type Key struct {
	BankID    uuid.UUID
	Iteration int
}

func KeyOf(bankID uuid.UUID, iteration *int) Key {
	if iteration == nil {
		return Key{BankID: bankID, Iteration: NoIteration}
	}
	return Key{BankID: bankID, Iteration: *iteration}
}

// QBD is one concrete visit: a bank, the recurrence that produced it, its
// iteration, and the instant it opens. A QBD is a value and is never mutated.
type QBD struct {
	Bank          *QuestionnaireBank
	Recur         *RecurrenceRule
	Iteration     *int
	RelativeStart time.Time
	// Offset is the total delta from the trigger date to RelativeStart.
	Offset RelativeDelta
}

func (q QBD) Key() Key {
	return KeyOf(q.Bank.ID, q.Iteration)
}

func (q QBD) RecurID() *uuid.UUID {
	if q.Recur == nil {
		return nil
	}
	id := q.Recur.ID
	return &id
}

func (q QBD) Classification() Classification {
	return q.Bank.Classification
}

// OverdueAt returns nil when the bank has no overdue offset.
func (q QBD) OverdueAt() *time.Time {
	if q.Bank.Overdue == nil {
		return nil
	}
	t := q.Bank.Overdue.AddTo(q.RelativeStart)
	return &t
}

// ExpireAt returns nil for banks that never expire.
func (q QBD) ExpireAt() *time.Time {
	if q.Bank.Expired == nil {
		return nil
	}
	t := q.Bank.Expired.AddTo(q.RelativeStart)
	return &t
}

// Contains reports whether t falls inside [start, expire).
func (q QBD) Contains(t time.Time) bool {
	if t.Before(q.RelativeStart) {
		return false
	}
	exp := q.ExpireAt()
	return exp == nil || t.Before(*exp)
}

// VisitName is "Month N" for recurring visits and the title-cased
// classification otherwise. Equivalent visits across protocol versions share
// a name.
func (q QBD) VisitName() string {
	if q.Recur != nil {
		return fmt.Sprintf("Month %d", q.Offset.TotalMonths())
	}
	c := string(q.Bank.Classification)
	if c == "" {
		return ""
	}
	return strings.ToUpper(c[:1]) + c[1:]
}

// Equal compares bank, recurrence, iteration and start.
func (q QBD) Equal(o QBD) bool {
	if q.Bank == nil || o.Bank == nil {
		return q.Bank == o.Bank && q.RelativeStart.Equal(o.RelativeStart)
	}
	if q.Bank.ID != o.Bank.ID || q.Key() != o.Key() {
		return false
	}
	if (q.Recur == nil) != (o.Recur == nil) {
		return false
	}
	if q.Recur != nil && q.Recur.ID != o.Recur.ID {
		return false
	}
	return q.RelativeStart.Equal(o.RelativeStart)
}

func (q QBD) String() string {
	return fmt.Sprintf("%s (%s) %s", q.Bank.Name, q.VisitName(), q.RelativeStart.Format(time.RFC3339))
}

// View is the JSON form of a QBD.
type View struct {
	BankID             uuid.UUID      `json:"questionnaire_bank_id"`
	BankName           string         `json:"questionnaire_bank"`
	Classification     Classification `json:"classification"`
	RecurID            *uuid.UUID     `json:"recur_id,omitempty"`
	Iteration          *int           `json:"iteration,omitempty"`
	Visit              string         `json:"visit"`
	Start              time.Time      `json:"start"`
	Overdue            *time.Time     `json:"overdue,omitempty"`
	Expired            *time.Time     `json:"expired,omitempty"`
	ResearchProtocolID *uuid.UUID     `json:"research_protocol_id,omitempty"`
	Questionnaires     []string       `json:"questionnaires"`
}

func (q QBD) View() View {
	return View{
		BankID:             q.Bank.ID,
		BankName:           q.Bank.Name,
		Classification:     q.Bank.Classification,
		RecurID:            q.RecurID(),
		Iteration:          q.Iteration,
		Visit:              q.VisitName(),
		Start:              q.RelativeStart,
		Overdue:            q.OverdueAt(),
		Expired:            q.ExpireAt(),
		ResearchProtocolID: q.Bank.ResearchProtocolID,
		Questionnaires:     q.Bank.Questionnaires,
	}
}
