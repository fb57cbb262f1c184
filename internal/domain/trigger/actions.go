package trigger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/research"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/notification"
)

type ActionKind string

const (
	ActionPatientThankYou   ActionKind = "patient thank you"
	ActionInitialStaffAlert ActionKind = "initial staff alert"
	ActionStaffReminder     ActionKind = "staff reminder"
)

var knownActions = map[ActionKind]bool{
	ActionPatientThankYou:   true,
	ActionInitialStaffAlert: true,
	ActionStaffReminder:     true,
}

// ActionFunc performs an action for the participant and returns the
// addresses it reached.
type ActionFunc func(ctx context.Context, ts *TriggerState, user *research.User) ([]string, error)

// Registry holds the handler of each action kind.
type Registry struct {
	actions map[ActionKind]ActionFunc
}

func NewRegistry() *Registry {
	return &Registry{actions: map[ActionKind]ActionFunc{}}
}

// Register adds the handler for kind. Unknown kinds, nil handlers and
// duplicates are rejected.
func (r *Registry) Register(kind ActionKind, fn ActionFunc) error {
	if !knownActions[kind] {
		return fmt.Errorf("unknown trigger action %q", kind)
	}
	if fn == nil {
		return fmt.Errorf("trigger action %q: nil handler", kind)
	}
	if _, ok := r.actions[kind]; ok {
		return fmt.Errorf("trigger action %q already registered", kind)
	}
	r.actions[kind] = fn
	return nil
}

// Run performs kind and records it in the row's action log.
func (r *Registry) Run(ctx context.Context, kind ActionKind, ts *TriggerState, user *research.User, at time.Time) error {
	fn, ok := r.actions[kind]
	if !ok {
		return fmt.Errorf("trigger action %q not registered", kind)
	}
	recipients, err := fn(ctx, ts, user)
	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	if ts.Triggers == nil {
		ts.Triggers = &Triggers{}
	}
	ts.Triggers.Actions.Email = append(ts.Triggers.Actions.Email, EmailAction{
		Context:    kind,
		Timestamp:  at.UTC().Truncate(time.Second),
		Recipients: recipients,
	})
	return nil
}

// NewEmailRegistry registers the email actions, sent through m. The patient
// is thanked at their own address; alerts and reminders go to the clinician,
// falling back to staffFallback when none is on file.
func NewEmailRegistry(m *notification.Manager, staffFallback string) (*Registry, error) {
	r := NewRegistry()
	send := func(template string, recipient func(*research.User) string) ActionFunc {
		return func(ctx context.Context, ts *TriggerState, user *research.User) ([]string, error) {
			to := recipient(user)
			if to == "" {
				return nil, fmt.Errorf("no address for user %s", user.ID)
			}
			if _, err := m.SendFromTemplate(ctx, template, templateData(ts), to); err != nil {
				return nil, err
			}
			return []string{to}, nil
		}
	}
	patient := func(u *research.User) string { return u.Email }
	staff := func(u *research.User) string {
		if u.ClinicianEmail != nil && *u.ClinicianEmail != "" {
			return *u.ClinicianEmail
		}
		return staffFallback
	}

	for kind, fn := range map[ActionKind]ActionFunc{
		ActionPatientThankYou:   send(notification.TemplatePatientThankYou, patient),
		ActionInitialStaffAlert: send(notification.TemplateInitialStaffAlert, staff),
		ActionStaffReminder:     send(notification.TemplateStaffReminder, staff),
	} {
		if err := r.Register(kind, fn); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func templateData(ts *TriggerState) map[string]string {
	data := map[string]string{
		"patient_id":   ts.UserID.String(),
		"hard_domains": strings.Join(ts.HardTriggerList(), ", "),
		"visit":        "baseline",
	}
	if ts.VisitMonth != nil && *ts.VisitMonth > 0 {
		data["visit"] = "month " + strconv.Itoa(*ts.VisitMonth)
	}
	if ts.Triggers != nil {
		if ts.Triggers.Source != nil {
			data["authored"] = ts.Triggers.Source.Authored.Format(time.RFC3339)
		}
		if last, _ := ts.Triggers.lastStaffEmail(); last != nil {
			data["alert_sent"] = last.Format(time.RFC3339)
		}
	}
	return data
}
