// Package assessment answers point in time questions about a participant's
// questionnaire obligations from the materialized timeline.
package assessment

import (
	"time"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
)

type Status string

const (
	Due                Status = "Due"
	Overdue            Status = "Overdue"
	InProgress         Status = "In Progress"
	PartiallyCompleted Status = "Partially Completed"
	Completed          Status = "Completed"
	Expired            Status = "Expired"
	Withdrawn          Status = "Withdrawn"
)

var fromTimeline = map[timeline.Status]Status{
	timeline.StatusDue:                Due,
	timeline.StatusOverdue:            Overdue,
	timeline.StatusInProgress:         InProgress,
	timeline.StatusPartiallyCompleted: PartiallyCompleted,
	timeline.StatusCompleted:          Completed,
	timeline.StatusExpired:            Expired,
	timeline.StatusWithdrawn:          Withdrawn,
}

// OverallStatusAt maps the latest scheduled entry at or before asOf. A
// participant with no such entry has nothing open and reads as Expired.
func OverallStatusAt(entries []timeline.Entry, asOf time.Time) Status {
	var latest *timeline.Entry
	for i := range entries {
		e := &entries[i]
		if e.Classification == qbank.Indefinite || e.At.After(asOf) {
			continue
		}
		if latest == nil || !e.At.Before(latest.At) {
			latest = e
		}
	}
	if latest == nil {
		return Expired
	}
	if s, ok := fromTimeline[latest.Status]; ok {
		return s
	}
	return Expired
}

// CurrentQBD returns the visit whose [start, expire) window holds asOf.
func CurrentQBD(visits []qbank.QBD, asOf time.Time, class qbank.Classification) *qbank.QBD {
	for i := range visits {
		q := visits[i]
		if !matchesClass(q.Classification(), class) {
			continue
		}
		if q.Contains(asOf) {
			return &q
		}
	}
	return nil
}

// An empty class asks for the scheduled visits: baseline or recurring.
func matchesClass(have, want qbank.Classification) bool {
	if want == "" {
		return have == qbank.Baseline || have == qbank.Recurring
	}
	return have == want
}

// VisitStatus describes the instruments of one open visit.
type VisitStatus struct {
	Visit                 qbank.View `json:"visit"`
	NeedingFullAssessment []string   `json:"instruments_needing_full_assessment"`
	InProgress            []string   `json:"instruments_in_progress"`
}

// Instruments diffs the visit's required instruments against its results.
// An instrument is in progress when submitted but not yet completed, and
// needs a full assessment when nothing has been submitted for it.
func Instruments(q qbank.QBD, r *response.Results) VisitStatus {
	vs := VisitStatus{Visit: q.View(), NeedingFullAssessment: []string{}, InProgress: []string{}}
	completed, started := r.Completed(), r.InProgress()
	for _, name := range q.Bank.Questionnaires {
		switch {
		case completed[name]:
		case started[name]:
			vs.InProgress = append(vs.InProgress, name)
		default:
			vs.NeedingFullAssessment = append(vs.NeedingFullAssessment, name)
		}
	}
	return vs
}
