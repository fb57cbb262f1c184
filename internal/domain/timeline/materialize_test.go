package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank/qbanktest"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

var trigger = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

func visitsFor(t *testing.T, f *qbanktest.Fixture) []qbank.QBD {
	t.Helper()
	seq := qbank.NewSequencer(f.Enrollments, f.Banks, f.Pins, zerolog.Nop())
	visits, err := qbank.NewService(f.Banks, seq, db.NoTxRunner{}).AllVisits(context.Background(), f.UserID)
	if err != nil {
		t.Fatalf("AllVisits: %v", err)
	}
	return visits
}

func qnr(bank *qbank.QuestionnaireBank, iteration *int, instrument, status string, authored time.Time) *response.QuestionnaireResponse {
	id := bank.ID
	return &response.QuestionnaireResponse{
		QuestionnaireName: instrument,
		Status:            status,
		Authored:          authored,
		QBID:              &id,
		QBIteration:       iteration,
	}
}

func countStatuses(entries []Entry) map[Status]int {
	out := map[Status]int{}
	for _, e := range entries {
		out[e.Status]++
	}
	return out
}

func expectCounts(t *testing.T, entries []Entry, want map[Status]int) {
	t.Helper()
	got := countStatuses(entries)
	for s, n := range want {
		if got[s] != n {
			t.Errorf("expected %d %s entries, got %d (all %v)", n, s, got[s], got)
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].At.Before(entries[i-1].At) {
			t.Fatalf("entry %d out of order", i)
		}
	}
}

func iter(n int) *int { return &n }

func TestMaterialize(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	visits := visitsFor(t, f)
	threeMo := f.BankNamed("CRV_recurring_3mo_period v2")
	baseline := f.BankNamed("CRV Baseline v2")
	month3 := trigger.AddDate(0, 3, 0)

	tests := []struct {
		name string
		qnrs []*response.QuestionnaireResponse
		want map[Status]int
	}{
		{
			name: "no responses",
			want: map[Status]int{StatusDue: 9, StatusOverdue: 8, StatusExpired: 8},
		},
		{
			name: "partial before overdue",
			qnrs: []*response.QuestionnaireResponse{
				qnr(threeMo, iter(0), "epic26", response.StatusCompleted, month3.AddDate(0, 0, 1)),
			},
			want: map[Status]int{
				StatusDue: 9, StatusOverdue: 7, StatusExpired: 7,
				StatusInProgress: 1, StatusPartiallyCompleted: 1,
			},
		},
		{
			name: "partial after overdue",
			qnrs: []*response.QuestionnaireResponse{
				qnr(threeMo, iter(0), "epic26", response.StatusInProgress, trigger.AddDate(0, 4, 7)),
			},
			want: map[Status]int{
				StatusDue: 9, StatusOverdue: 8, StatusExpired: 7,
				StatusInProgress: 1, StatusPartiallyCompleted: 1,
			},
		},
		{
			name: "completed",
			qnrs: []*response.QuestionnaireResponse{
				qnr(threeMo, iter(0), "epic26", response.StatusCompleted, month3.AddDate(0, 0, 1)),
				qnr(threeMo, iter(0), "eproms_add", response.StatusCompleted, month3.AddDate(0, 0, 2)),
			},
			want: map[Status]int{
				StatusDue: 9, StatusOverdue: 7, StatusExpired: 7,
				StatusInProgress: 1, StatusCompleted: 1,
			},
		},
		{
			name: "completed at the due instant",
			qnrs: []*response.QuestionnaireResponse{
				qnr(baseline, nil, "epic26", response.StatusCompleted, trigger),
				qnr(baseline, nil, "eproms_add", response.StatusCompleted, trigger),
				qnr(baseline, nil, "comorb", response.StatusCompleted, trigger),
			},
			want: map[Status]int{
				StatusDue: 9, StatusOverdue: 7, StatusExpired: 7,
				StatusInProgress: 0, StatusCompleted: 1,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := Materialize(f.UserID, visits, response.BuildResults(tt.qnrs), nil)
			expectCounts(t, entries, tt.want)
		})
	}
}

func TestMaterialize_CompletedAtDueInstant(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	baseline := f.BankNamed("CRV Baseline v2")
	var qnrs []*response.QuestionnaireResponse
	for _, q := range baseline.Questionnaires {
		qnrs = append(qnrs, qnr(baseline, nil, q, response.StatusCompleted, trigger))
	}

	entries := Materialize(f.UserID, visitsFor(t, f), response.BuildResults(qnrs), nil)
	var got []Status
	for _, e := range entries {
		if e.QBID == baseline.ID {
			got = append(got, e.Status)
		}
	}
	if len(got) != 2 || got[0] != StatusDue || got[1] != StatusCompleted {
		t.Fatalf("expected [due completed] for the baseline, got %v", got)
	}
}

func TestMaterialize_Withdrawn(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	withdrawn := trigger.AddDate(0, 17, 0)
	f.Enrollments[f.UserID].WithdrawnAt = &withdrawn

	entries := Materialize(f.UserID, visitsFor(t, f), nil, &withdrawn)
	if len(entries) == 0 {
		t.Fatal("expected entries before withdrawal")
	}
	for _, e := range entries {
		if e.At.After(withdrawn) {
			t.Fatalf("entry %s at %v lies after withdrawal", e.Status, e.At)
		}
	}
	last := entries[len(entries)-1]
	if last.Status != StatusWithdrawn || !last.At.Equal(withdrawn) {
		t.Fatalf("expected trailing withdrawn entry, got %+v", last)
	}
	threeMo := f.BankNamed("CRV_recurring_3mo_period v2")
	if last.Key() != qbank.KeyOf(threeMo.ID, iter(2)) {
		t.Errorf("withdrawal should reference Month 15, got %+v", last.Key())
	}
}

func TestIsPrefix(t *testing.T) {
	user := uuid.New()
	a := Entry{UserID: user, At: trigger, Status: StatusDue, QBID: uuid.New()}
	b := Entry{UserID: user, At: trigger.Add(time.Hour), Status: StatusOverdue, QBID: a.QBID}
	stored := a
	stored.ID = 41

	if !isPrefix([]Entry{stored}, []Entry{a, b}) {
		t.Error("row ids must not matter")
	}
	if isPrefix([]Entry{b}, []Entry{a, b}) {
		t.Error("different first entry is not a prefix")
	}
	if isPrefix([]Entry{a, b}, []Entry{a}) {
		t.Error("longer stored log is not a prefix")
	}
}
