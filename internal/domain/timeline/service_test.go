package timeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank/qbanktest"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response/responsetest"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline/timelinetest"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/batch"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

var trigger = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu    sync.Mutex
	users []uuid.UUID
}

func (r *recordingInvalidator) InvalidateUser(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	return nil
}

type stack struct {
	f         *qbanktest.Fixture
	responses *response.Service
	respRepo  *responsetest.Repo
	repo      *timelinetest.Repo
	qb        *qbank.Service
	svc       *timeline.Service
	inv       *recordingInvalidator
}

// newStack enrolls one user in the given protocols, or in v2 alone.
func newStack(protocols ...qbank.Protocol) *stack {
	if len(protocols) == 0 {
		protocols = []qbank.Protocol{qbanktest.Protocol("v2", nil)}
	}
	f := qbanktest.NewFixture(trigger, protocols...)
	respRepo := responsetest.NewRepo()
	responses := response.NewService(respRepo, db.NoTxRunner{}, zerolog.Nop())
	seq := qbank.NewSequencer(f.Enrollments, f.Banks, responses, zerolog.Nop())
	qb := qbank.NewService(f.Banks, seq, db.NoTxRunner{})
	responses.SetAccessor(qb.QBDFor)

	repo := timelinetest.NewRepo()
	svc := timeline.NewService(repo, qb, responses, f.Enrollments, db.NoTxRunner{},
		batch.NewRunner(2, zerolog.Nop()), zerolog.Nop())
	inv := &recordingInvalidator{}
	svc.AddInvalidator(inv)
	return &stack{f: f, responses: responses, respRepo: respRepo, repo: repo, qb: qb, svc: svc, inv: inv}
}

func (s *stack) entries(t *testing.T) []timeline.Entry {
	t.Helper()
	entries, err := s.svc.Entries(context.Background(), s.f.UserID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	return entries
}

func statuses(entries []timeline.Entry) map[timeline.Status]int {
	out := map[timeline.Status]int{}
	for _, e := range entries {
		out[e.Status]++
	}
	return out
}

func TestUpdate_Idempotent(t *testing.T) {
	s := newStack()
	ctx := context.Background()

	if err := s.svc.Update(ctx, s.f.UserID, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	first := s.entries(t)
	if err := s.svc.Update(ctx, s.f.UserID, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	second := s.entries(t)

	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("expected identical timelines, got %d and %d entries", len(first), len(second))
	}
	for i := range first {
		if !first[i].Same(second[i]) {
			t.Fatalf("entry %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
	if len(s.inv.users) != 2 || s.inv.users[0] != s.f.UserID {
		t.Errorf("expected derived status invalidated on each update, got %v", s.inv.users)
	}
}

func TestUpdate_Incremental(t *testing.T) {
	s := newStack()
	ctx := context.Background()
	if err := s.svc.Update(ctx, s.f.UserID, true); err != nil {
		t.Fatal(err)
	}
	before := s.entries(t)

	if err := s.svc.Update(ctx, s.f.UserID, false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	after := s.entries(t)
	if len(after) != len(before) || after[0].ID != before[0].ID {
		t.Fatal("unchanged timeline should be kept as stored")
	}

	// A response the stored log does not reflect forces a rebuild.
	qr := &response.QuestionnaireResponse{
		SubjectID: s.f.UserID, QuestionnaireName: "epic26",
		Status: response.StatusCompleted, Authored: trigger.Add(time.Hour),
	}
	if err := s.responses.Submit(ctx, qr); err != nil {
		t.Fatal(err)
	}
	if err := s.svc.Update(ctx, s.f.UserID, false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if statuses(s.entries(t))[timeline.StatusInProgress] != 1 {
		t.Error("expected rebuilt timeline to show the baseline in progress")
	}
}

func TestResponseSubmitted_RebuildsTimeline(t *testing.T) {
	s := newStack()
	s.responses.AddListener(s.svc)
	ctx := context.Background()

	for _, q := range []string{"epic26", "eproms_add", "comorb"} {
		qr := &response.QuestionnaireResponse{
			SubjectID: s.f.UserID, QuestionnaireName: q,
			Status: response.StatusCompleted, Authored: trigger.AddDate(0, 0, 2),
		}
		if err := s.responses.Submit(ctx, qr); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	got := statuses(s.entries(t))
	if got[timeline.StatusCompleted] != 1 || got[timeline.StatusOverdue] != 7 {
		t.Errorf("expected completed baseline, got %v", got)
	}
}

func TestEnrollmentChanged_ReassociatesResponses(t *testing.T) {
	s := newStack()
	ctx := context.Background()
	qr := &response.QuestionnaireResponse{
		SubjectID: s.f.UserID, QuestionnaireName: "epic26",
		Status: response.StatusCompleted, Authored: trigger.AddDate(0, 3, 5),
	}
	if err := s.responses.Submit(ctx, qr); err != nil {
		t.Fatal(err)
	}

	// Moving consent a month later places the response in the baseline.
	moved := trigger.AddDate(0, 1, 0)
	s.f.Enrollments[s.f.UserID].TriggerDate = &moved
	if err := s.svc.EnrollmentChanged(ctx, s.f.UserID); err != nil {
		t.Fatalf("EnrollmentChanged: %v", err)
	}

	stored, _ := s.respRepo.GetByID(ctx, qr.ID)
	if stored.QBID == nil || *stored.QBID != s.f.BankNamed("CRV Baseline v2").ID {
		t.Errorf("expected response moved to the baseline, got %v", stored.QBID)
	}
	entries := s.entries(t)
	if len(entries) == 0 || !entries[0].At.Equal(moved) {
		t.Errorf("expected timeline anchored at the new consent date")
	}
}

func TestUpdate_NoTriggerDate(t *testing.T) {
	s := newStack()
	s.f.Enrollments[s.f.UserID].TriggerDate = nil
	if err := s.svc.Update(context.Background(), s.f.UserID, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n := len(s.entries(t)); n != 0 {
		t.Errorf("expected empty timeline, got %d entries", n)
	}
}

func TestUpdate_ConfigurationError(t *testing.T) {
	s := newStack()
	pid := s.f.Enrollments[s.f.UserID].Protocols[0].ID
	if err := s.f.Banks.Create(context.Background(), &qbank.QuestionnaireBank{
		Name: "broken", Classification: qbank.Recurring, ResearchProtocolID: &pid,
		Questionnaires: []string{"epic26_v3"},
	}); err != nil {
		t.Fatal(err)
	}
	err := s.svc.Update(context.Background(), s.f.UserID, true)
	if !errors.Is(err, qbank.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRefreshAll(t *testing.T) {
	s := newStack()
	report := s.svc.RefreshAll(context.Background(), []uuid.UUID{s.f.UserID, uuid.New()}, true)
	if report.Processed != 2 || report.Err() != nil {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(s.entries(t)) == 0 {
		t.Error("expected timeline built for the enrolled user")
	}
}

func visitProtocols(t *testing.T, s *stack) map[string]uuid.UUID {
	t.Helper()
	visits, err := s.qb.AllVisits(context.Background(), s.f.UserID)
	if err != nil {
		t.Fatalf("AllVisits: %v", err)
	}
	out := map[string]uuid.UUID{}
	for _, q := range visits {
		if q.Bank.ResearchProtocolID != nil {
			out[q.VisitName()] = *q.Bank.ResearchProtocolID
		}
	}
	return out
}

func TestUpdate_RetirementKeepsSubmittedVisit(t *testing.T) {
	far := trigger.AddDate(10, 0, 0)
	v2, v3 := qbanktest.Protocol("v2", &far), qbanktest.Protocol("v3", nil)
	s := newStack(v2, v3)
	ctx := context.Background()

	qr := &response.QuestionnaireResponse{
		SubjectID:         s.f.UserID,
		QuestionnaireName: "epic26",
		Status:            response.StatusCompleted,
		Authored:          trigger.AddDate(0, 6, 5),
	}
	if err := s.responses.Submit(ctx, qr); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	month6 := s.f.BankNamed("CRV_recurring_6mo_period v2").ID
	stored, err := s.respRepo.GetByID(ctx, qr.ID)
	if err != nil || stored.QBID == nil || *stored.QBID != month6 {
		t.Fatalf("expected response on the v2 Month 6 visit, got %+v (%v)", stored, err)
	}

	retired := trigger.AddDate(0, 7, 0)
	s.f.Enrollments[s.f.UserID].Protocols[0].RetiredAsOf = &retired
	if err := s.svc.Update(ctx, s.f.UserID, true); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stored, _ = s.respRepo.GetByID(ctx, qr.ID)
	if stored.QBID == nil || *stored.QBID != month6 {
		t.Fatalf("expected the association kept on v2 Month 6, got %v", stored.QBID)
	}
	byVisit := visitProtocols(t, s)
	if byVisit["Month 6"] != v2.ID {
		t.Errorf("expected Month 6 to stay on v2, got %s", byVisit["Month 6"])
	}
	if byVisit["Month 9"] != v3.ID {
		t.Errorf("expected Month 9 on v3, got %s", byVisit["Month 9"])
	}
}

func TestProtocolsChanged_RebuildsTimelines(t *testing.T) {
	far := trigger.AddDate(10, 0, 0)
	v2, v3 := qbanktest.Protocol("v2", &far), qbanktest.Protocol("v3", nil)
	s := newStack(v2, v3)
	ctx := context.Background()
	if err := s.svc.Update(ctx, s.f.UserID, true); err != nil {
		t.Fatal(err)
	}
	onV3 := func() int {
		n := 0
		for _, e := range s.entries(t) {
			if e.ResearchProtocolID != nil && *e.ResearchProtocolID == v3.ID {
				n++
			}
		}
		return n
	}
	if n := onV3(); n != 0 {
		t.Fatalf("expected no v3 entries before retirement, got %d", n)
	}

	retired := trigger.AddDate(1, 0, 0)
	s.f.Enrollments[s.f.UserID].Protocols[0].RetiredAsOf = &retired
	if err := s.svc.ProtocolsChanged(ctx, []uuid.UUID{s.f.UserID}); err != nil {
		t.Fatalf("ProtocolsChanged: %v", err)
	}
	if n := onV3(); n == 0 {
		t.Fatal("expected visits after the retirement to move to v3")
	}
	if len(s.inv.users) != 2 {
		t.Errorf("expected derived status invalidated again, got %v", s.inv.users)
	}
}
