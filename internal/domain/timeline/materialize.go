package timeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
)

// Materialize derives the user's timeline from the visit sequence and the
// responses associated with each visit.
//
// Every visit opens with due. The first response marks in_progress unless it
// completes the visit on its own. Overdue is written only when no response
// arrived by then. Completion closes the visit; otherwise expiry writes
// partially_completed when anything was submitted and expired when nothing
// was. A withdrawal cuts the log and is recorded as its last entry.
func Materialize(userID uuid.UUID, visits []qbank.QBD, results map[qbank.Key]*response.Results, withdrawnAt *time.Time) []Entry {
	var list AtOrderedList
	for _, q := range visits {
		r := results[q.Key()]
		add := func(s Status, at time.Time) {
			list.Insert(newEntry(userID, q, s, at))
		}

		add(StatusDue, q.RelativeStart)
		first := r.FirstAt()
		done := r.CompletedAt(q.Bank.Questionnaires)
		if first != nil && (done == nil || first.Before(*done)) {
			add(StatusInProgress, *first)
		}
		if od := q.OverdueAt(); od != nil && (first == nil || first.After(*od)) {
			add(StatusOverdue, *od)
		}
		if done != nil {
			add(StatusCompleted, *done)
			continue
		}
		if exp := q.ExpireAt(); exp != nil {
			if first != nil {
				add(StatusPartiallyCompleted, *exp)
			} else {
				add(StatusExpired, *exp)
			}
		}
	}

	if withdrawnAt != nil {
		list.TruncateAfter(*withdrawnAt)
		if last, ok := lastScheduled(list.Entries()); ok {
			w := last
			w.ID = 0
			w.At = withdrawnAt.UTC().Truncate(time.Second)
			w.Status = StatusWithdrawn
			list.Insert(w)
		}
	}
	return list.Entries()
}

// lastScheduled is the latest baseline or recurring entry, falling back to
// the latest of any classification.
func lastScheduled(entries []Entry) (Entry, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Classification != qbank.Indefinite {
			return entries[i], true
		}
	}
	if len(entries) > 0 {
		return entries[len(entries)-1], true
	}
	return Entry{}, false
}
