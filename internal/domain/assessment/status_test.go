package assessment

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank/qbanktest"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

var trigger = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

func crvVisits(t *testing.T, f *qbanktest.Fixture) []qbank.QBD {
	t.Helper()
	seq := qbank.NewSequencer(f.Enrollments, f.Banks, f.Pins, zerolog.Nop())
	visits, err := qbank.NewService(f.Banks, seq, db.NoTxRunner{}).AllVisits(context.Background(), f.UserID)
	if err != nil {
		t.Fatalf("AllVisits: %v", err)
	}
	return visits
}

func TestOverallStatusAt_Boundaries(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	entries := timeline.Materialize(f.UserID, crvVisits(t, f), nil, nil)
	day := 24 * time.Hour

	tests := []struct {
		name string
		at   time.Time
		want Status
	}{
		{"before consent", trigger.Add(-time.Second), Expired},
		{"at consent", trigger, Due},
		{"one day in", trigger.Add(day), Due},
		{"just before overdue", trigger.Add(7*day - time.Second), Due},
		{"at overdue", trigger.Add(7 * day), Overdue},
		{"eight days in", trigger.Add(8 * day), Overdue},
		{"at expiry", trigger.Add(90 * day), Expired},
		{"after expiry", trigger.Add(90*day + time.Hour), Expired},
		{"month 3 opens", trigger.AddDate(0, 3, 0), Due},
		{"month 3 to month 6 handover", trigger.AddDate(0, 6, 0), Due},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OverallStatusAt(entries, tt.at); got != tt.want {
				t.Errorf("OverallStatusAt(%v) = %s, want %s", tt.at, got, tt.want)
			}
		})
	}
}

func TestOverallStatusAt_IgnoresIndefinite(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	indef := f.BankNamed("indef_v2")
	qr := &response.QuestionnaireResponse{
		QuestionnaireName: "irondemog", Status: response.StatusCompleted,
		Authored: trigger.Add(time.Hour), QBID: &indef.ID,
	}
	entries := timeline.Materialize(f.UserID, crvVisits(t, f), response.BuildResults([]*response.QuestionnaireResponse{qr}), nil)
	if got := OverallStatusAt(entries, trigger.Add(2*time.Hour)); got != Due {
		t.Errorf("indefinite completion must not change overall status, got %s", got)
	}
}

func TestOverallStatusAt_Withdrawn(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	w := trigger.AddDate(0, 2, 0)
	f.Enrollments[f.UserID].WithdrawnAt = &w
	entries := timeline.Materialize(f.UserID, crvVisits(t, f), nil, &w)

	if got := OverallStatusAt(entries, w.Add(-time.Second)); got != Overdue {
		t.Errorf("expected Overdue before withdrawal, got %s", got)
	}
	if got := OverallStatusAt(entries, w.AddDate(1, 0, 0)); got != Withdrawn {
		t.Errorf("expected Withdrawn afterwards, got %s", got)
	}
}

func TestCurrentQBD(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	visits := crvVisits(t, f)

	tests := []struct {
		name  string
		at    time.Time
		class qbank.Classification
		want  string
	}{
		{"baseline", trigger.Add(time.Hour), "", "Baseline"},
		{"gap after baseline", trigger.AddDate(0, 0, 90), "", ""},
		{"month 9", trigger.AddDate(0, 10, 0), "", "Month 9"},
		{"recurring only", trigger.Add(time.Hour), qbank.Recurring, ""},
		{"indefinite", trigger.AddDate(3, 0, 0), qbank.Indefinite, "Indefinite"},
		{"after schedule", trigger.AddDate(3, 0, 0), "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := CurrentQBD(visits, tt.at, tt.class)
			got := ""
			if q != nil {
				got = q.VisitName()
			}
			if got != tt.want {
				t.Errorf("CurrentQBD(%v) = %q, want %q", tt.at, got, tt.want)
			}
		})
	}
}

func TestInstruments(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	q := CurrentQBD(crvVisits(t, f), trigger.Add(time.Hour), "")
	id := q.Bank.ID
	qrs := []*response.QuestionnaireResponse{
		{QuestionnaireName: "epic26", Status: response.StatusCompleted, Authored: trigger, QBID: &id},
		{QuestionnaireName: "comorb", Status: response.StatusInProgress, Authored: trigger, QBID: &id},
	}
	vs := Instruments(*q, response.BuildResults(qrs)[q.Key()])
	if len(vs.NeedingFullAssessment) != 1 || vs.NeedingFullAssessment[0] != "eproms_add" {
		t.Errorf("unexpected needing full assessment %v", vs.NeedingFullAssessment)
	}
	if len(vs.InProgress) != 1 || vs.InProgress[0] != "comorb" {
		t.Errorf("unexpected in progress %v", vs.InProgress)
	}

	empty := Instruments(*q, nil)
	if len(empty.NeedingFullAssessment) != 3 || len(empty.InProgress) != 0 {
		t.Errorf("unexpected diff without results %+v", empty)
	}
}
