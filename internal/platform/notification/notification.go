// Package notification renders templated email and hands it to an
// EmailSender. Trigger workflows use it for patient thank-you notes and staff
// alerts.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Template ids used by the trigger workflow.
const (
	TemplatePatientThankYou   = "patient-thank-you"
	TemplateInitialStaffAlert = "initial-staff-alert"
	TemplateStaffReminder     = "staff-reminder"
)

// Notification is a single outbound email.
type Notification struct {
	ID           string            `json:"id"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Template defines a reusable email template with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplatePatientThankYou,
			Name:    "Patient Thank You",
			Subject: "Thank you for completing your {{visit}} questionnaire",
			Body: "Thank you for completing your {{visit}} questionnaire. " +
				"Your care team may contact you about some of your answers.",
		},
		{
			ID:      TemplateInitialStaffAlert,
			Name:    "Initial Staff Alert",
			Subject: "Action required: {{visit}} responses for participant {{patient_id}}",
			Body: "Participant {{patient_id}} reported answers at {{authored}} that need follow up " +
				"in these domains: {{hard_domains}}. Please review and record a resolution.",
		},
		{
			ID:      TemplateStaffReminder,
			Name:    "Staff Reminder",
			Subject: "Reminder: {{visit}} responses for participant {{patient_id}} still need follow up",
			Body: "The alert sent on {{alert_sent}} for participant {{patient_id}} has not been resolved. " +
				"Domains: {{hard_domains}}.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Has reports whether a template id is registered.
func (e *TemplateEngine) Has(templateID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[templateID]
	return ok
}

// Render performs {{key}} replacement. Keys present in the template but absent
// from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	subject, body = t.Subject, t.Body
	for _, k := range keys {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, data[k])
		body = strings.ReplaceAll(body, placeholder, data[k])
	}
	return subject, body, nil
}

// Manager renders templates and dispatches them through the EmailSender.
type Manager struct {
	email     EmailSender
	templates *TemplateEngine
	now       func() time.Time
}

func NewManager(email EmailSender, tpl *TemplateEngine) *Manager {
	return &Manager{email: email, templates: tpl, now: time.Now}
}

// Templates exposes the engine so callers can validate template ids up front.
func (m *Manager) Templates() *TemplateEngine { return m.templates }

// Send delivers n and stamps its id, status and timestamps.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.CreatedAt = m.now().UTC()
	n.Status = "pending"

	if err := m.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body); err != nil {
		n.Status = "failed"
		n.Error = err.Error()
		return err
	}
	n.Status = "sent"
	sentAt := m.now().UTC()
	n.SentAt = &sentAt
	return nil
}

// SendFromTemplate renders templateID once and sends it to every recipient.
// Every recipient is attempted; failures are joined.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipients ...string) ([]*Notification, error) {
	if len(recipients) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var (
		out  []*Notification
		errs []error
	)
	for _, to := range recipients {
		n := &Notification{
			Recipient:    to,
			Subject:      subject,
			Body:         body,
			TemplateID:   templateID,
			TemplateData: data,
		}
		if err := m.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
		out = append(out, n)
	}
	return out, errors.Join(errs...)
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
