package trigger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateUnstarted State = "unstarted"
	StateDue       State = "due"
	StateInProcess State = "inprocess"
	StateProcessed State = "processed"
	StateTriggered State = "triggered"
	StateResolved  State = "resolved"
)

var (
	ErrNotFound             = errors.New("trigger state not found")
	ErrTransitionNotAllowed = errors.New("trigger state transition not allowed")
)

var transitions = map[State][]State{
	StateUnstarted: {StateDue},
	StateDue:       {StateInProcess},
	StateInProcess: {StateProcessed},
	StateProcessed: {StateTriggered, StateResolved, StateDue},
	StateTriggered: {StateResolved},
	StateResolved:  {StateDue},
}

// Transition returns ErrTransitionNotAllowed unless from may move to to.
func Transition(from, to State) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, from, to)
}

type Level string

const (
	Hard Level = "hard"
	Soft Level = "soft"
)

// TriggerState is one row of a participant's append-only trigger history.
// The latest row is the current state.
type TriggerState struct {
	ID                      int64      `db:"id" json:"id"`
	UserID                  uuid.UUID  `db:"user_id" json:"user_id"`
	State                   State      `db:"state" json:"state"`
	Timestamp               time.Time  `db:"timestamp" json:"timestamp"`
	QuestionnaireResponseID *uuid.UUID `db:"questionnaire_response_id" json:"questionnaire_response_id,omitempty"`
	VisitMonth              *int       `db:"visit_month" json:"visit_month,omitempty"`
	Triggers                *Triggers  `db:"triggers" json:"triggers,omitempty"`
}

// Next copies the row into a new, unsaved row in state to.
func (ts *TriggerState) Next(to State, at time.Time) (*TriggerState, error) {
	if err := Transition(ts.State, to); err != nil {
		return nil, err
	}
	next := &TriggerState{
		UserID:                  ts.UserID,
		State:                   to,
		Timestamp:               at.UTC().Truncate(time.Second),
		QuestionnaireResponseID: ts.QuestionnaireResponseID,
		VisitMonth:              ts.VisitMonth,
	}
	if ts.Triggers != nil {
		next.Triggers = ts.Triggers.clone()
	}
	return next, nil
}

// HardTriggerList returns the domains with a hard trigger, sorted.
func (ts *TriggerState) HardTriggerList() []string {
	if ts.Triggers == nil {
		return nil
	}
	return ts.Triggers.domainsWith(Hard)
}

// SoftTriggerList returns the domains with a soft or hard trigger, sorted.
func (ts *TriggerState) SoftTriggerList() []string {
	if ts.Triggers == nil {
		return nil
	}
	return ts.Triggers.domainsWith(Soft)
}

// Triggers is the JSON document stored with each row.
type Triggers struct {
	Source     *Source                     `json:"source,omitempty"`
	Domain     map[string]map[string]Level `json:"domain,omitempty"`
	Actions    Actions                     `json:"actions"`
	Resolution *Resolution                 `json:"resolution,omitempty"`
}

type Source struct {
	QNRID    uuid.UUID `json:"qnr_id"`
	Authored time.Time `json:"authored"`
}

type Actions struct {
	Email []EmailAction `json:"email,omitempty"`
}

type EmailAction struct {
	Context    ActionKind `json:"context"`
	Timestamp  time.Time  `json:"timestamp"`
	Recipients []string   `json:"recipients"`
}

type Resolution struct {
	AuthorID  *uuid.UUID `json:"author_id,omitempty"`
	Note      string     `json:"note,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func (t *Triggers) clone() *Triggers {
	out := &Triggers{Resolution: t.Resolution}
	if t.Source != nil {
		src := *t.Source
		out.Source = &src
	}
	if t.Domain != nil {
		out.Domain = make(map[string]map[string]Level, len(t.Domain))
		for d, qs := range t.Domain {
			m := make(map[string]Level, len(qs))
			for q, l := range qs {
				m[q] = l
			}
			out.Domain[d] = m
		}
	}
	out.Actions.Email = append([]EmailAction(nil), t.Actions.Email...)
	return out
}

// domainsWith lists domains having a question at level or above.
func (t *Triggers) domainsWith(level Level) []string {
	var out []string
	for d, qs := range t.Domain {
		for _, l := range qs {
			if l == Hard || l == level {
				out = append(out, d)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// lastStaffEmail returns the latest alert or reminder and whether any
// reminder has been sent.
func (t *Triggers) lastStaffEmail() (last *time.Time, reminded bool) {
	for i := range t.Actions.Email {
		a := t.Actions.Email[i]
		if a.Context != ActionInitialStaffAlert && a.Context != ActionStaffReminder {
			continue
		}
		if a.Context == ActionStaffReminder {
			reminded = true
		}
		if last == nil || a.Timestamp.After(*last) {
			ts := a.Timestamp
			last = &ts
		}
	}
	return last, reminded
}

const (
	initialReminderDelay    = 48 * time.Hour
	subsequentReminderDelay = 24 * time.Hour
)

// ReminderDue reports whether staff should be reminded at asOf. Only
// triggered rows with a staff email qualify. The wait counts weekday time
// only: 48 hours after the alert, 24 hours after each reminder.
func (ts *TriggerState) ReminderDue(asOf time.Time) bool {
	if ts.State != StateTriggered || ts.Triggers == nil {
		return false
	}
	last, reminded := ts.Triggers.lastStaffEmail()
	if last == nil {
		return false
	}
	wait := initialReminderDelay
	if reminded {
		wait = subsequentReminderDelay
	}
	return weekdayDuration(*last, asOf) >= wait
}

// weekdayDuration is the time between from and to that falls on Monday
// through Friday, in UTC.
func weekdayDuration(from, to time.Time) time.Duration {
	from, to = from.UTC(), to.UTC()
	var total time.Duration
	for cur := from; cur.Before(to); {
		midnight := time.Date(cur.Year(), cur.Month(), cur.Day()+1, 0, 0, 0, 0, time.UTC)
		end := midnight
		if to.Before(end) {
			end = to
		}
		if wd := cur.Weekday(); wd != time.Saturday && wd != time.Sunday {
			total += end.Sub(cur)
		}
		cur = end
	}
	return total
}
