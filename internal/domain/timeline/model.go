// Package timeline materializes each participant's visit schedule and
// submitted responses into an ordered log of status changes. Point in time
// status questions are answered from the log without re-sequencing.
package timeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
)

type Status string

const (
	StatusDue                Status = "due"
	StatusOverdue            Status = "overdue"
	StatusInProgress         Status = "in_progress"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusExpired            Status = "expired"
	StatusWithdrawn          Status = "withdrawn"
)

// Entry is one status change of one visit.
type Entry struct {
	ID                 int64                `json:"id"`
	UserID             uuid.UUID            `json:"user_id"`
	At                 time.Time            `json:"at"`
	Status             Status               `json:"status"`
	QBID               uuid.UUID            `json:"qb_id"`
	QBRecurID          *uuid.UUID           `json:"qb_recur_id,omitempty"`
	QBIteration        *int                 `json:"qb_iteration,omitempty"`
	Classification     qbank.Classification `json:"classification"`
	ResearchProtocolID *uuid.UUID           `json:"research_protocol_id,omitempty"`
}

func newEntry(userID uuid.UUID, q qbank.QBD, status Status, at time.Time) Entry {
	e := Entry{
		UserID:             userID,
		At:                 at.UTC().Truncate(time.Second),
		Status:             status,
		QBID:               q.Bank.ID,
		QBRecurID:          q.RecurID(),
		Classification:     q.Classification(),
		ResearchProtocolID: q.Bank.ResearchProtocolID,
	}
	if q.Iteration != nil {
		it := *q.Iteration
		e.QBIteration = &it
	}
	return e
}

func (e Entry) Key() qbank.Key {
	return qbank.KeyOf(e.QBID, e.QBIteration)
}

// Same compares everything but the row id.
func (e Entry) Same(o Entry) bool {
	return e.UserID == o.UserID &&
		e.At.Equal(o.At) &&
		e.Status == o.Status &&
		e.Key() == o.Key() &&
		e.Classification == o.Classification &&
		sameID(e.QBRecurID, o.QBRecurID) &&
		sameID(e.ResearchProtocolID, o.ResearchProtocolID)
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// isPrefix reports whether stored is a leading run of computed.
func isPrefix(stored, computed []Entry) bool {
	if len(stored) > len(computed) {
		return false
	}
	for i := range stored {
		if !stored[i].Same(computed[i]) {
			return false
		}
	}
	return true
}
