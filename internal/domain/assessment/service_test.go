package assessment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/assessment"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank/qbanktest"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response/responsetest"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline/timelinetest"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/batch"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/cache"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

var trigger = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

type stack struct {
	f         *qbanktest.Fixture
	responses *response.Service
	timeline  *timeline.Service
	svc       *assessment.Service
}

func newStack(t *testing.T) *stack {
	t.Helper()
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	responses := response.NewService(responsetest.NewRepo(), db.NoTxRunner{}, zerolog.Nop())
	seq := qbank.NewSequencer(f.Enrollments, f.Banks, responses, zerolog.Nop())
	qb := qbank.NewService(f.Banks, seq, db.NoTxRunner{})
	responses.SetAccessor(qb.QBDFor)

	tl := timeline.NewService(timelinetest.NewRepo(), qb, responses, f.Enrollments, db.NoTxRunner{},
		batch.NewRunner(1, zerolog.Nop()), zerolog.Nop())
	coord := cache.NewCoordinator(&cache.MemoryEpochStore{}, zerolog.Nop())
	svc := assessment.NewService(tl, qb, responses, coord, cache.NewMemoryStore(), time.Hour, zerolog.Nop())
	tl.AddInvalidator(svc)
	responses.AddListener(tl)

	if err := tl.Update(context.Background(), f.UserID, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return &stack{f: f, responses: responses, timeline: tl, svc: svc}
}

func (s *stack) submit(t *testing.T, instrument, status string, at time.Time) {
	t.Helper()
	qr := &response.QuestionnaireResponse{
		SubjectID: s.f.UserID, QuestionnaireName: instrument, Status: status, Authored: at,
	}
	if err := s.responses.Submit(context.Background(), qr); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestSummary(t *testing.T) {
	s := newStack(t)
	s.submit(t, "epic26", response.StatusCompleted, trigger.Add(time.Hour))
	s.submit(t, "comorb", response.StatusInProgress, trigger.Add(2*time.Hour))

	sum, err := s.svc.Summary(context.Background(), s.f.UserID, trigger.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.OverallStatus != assessment.InProgress {
		t.Errorf("expected In Progress, got %s", sum.OverallStatus)
	}
	if sum.Current == nil || sum.Current.Visit.Visit != "Baseline" {
		t.Fatalf("expected baseline as current visit, got %+v", sum.Current)
	}
	if len(sum.Current.NeedingFullAssessment) != 1 || sum.Current.NeedingFullAssessment[0] != "eproms_add" {
		t.Errorf("unexpected needing full assessment %v", sum.Current.NeedingFullAssessment)
	}
	if sum.Indefinite == nil || len(sum.Indefinite.NeedingFullAssessment) != 1 {
		t.Errorf("expected indefinite visit awaiting irondemog, got %+v", sum.Indefinite)
	}
}

func TestOverallStatus_Scenario(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	day := 24 * time.Hour

	for at, want := range map[time.Time]assessment.Status{
		trigger.Add(day):                Due,
		trigger.Add(8 * day):            Overdue,
		trigger.Add(90*day + time.Hour): Expired,
	} {
		got, err := s.svc.OverallStatus(ctx, s.f.UserID, at)
		if err != nil {
			t.Fatalf("OverallStatus: %v", err)
		}
		if got != want {
			t.Errorf("OverallStatus(%v) = %s, want %s", at, got, want)
		}
	}
}

const (
	Due     = assessment.Due
	Overdue = assessment.Overdue
	Expired = assessment.Expired
)

func TestCachedSummary_InvalidatedOnSubmit(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	if _, err := s.svc.AdvanceEpoch(ctx, trigger.AddDate(0, 0, 3)); err != nil {
		t.Fatal(err)
	}

	first, err := s.svc.CachedSummary(ctx, s.f.UserID)
	if err != nil {
		t.Fatalf("CachedSummary: %v", err)
	}
	if first.OverallStatus != assessment.Due || !first.AsOf.Equal(trigger.AddDate(0, 0, 3)) {
		t.Fatalf("unexpected summary %+v", first)
	}

	for _, q := range []string{"epic26", "eproms_add", "comorb"} {
		s.submit(t, q, response.StatusCompleted, trigger.AddDate(0, 0, 1))
	}
	second, err := s.svc.CachedSummary(ctx, s.f.UserID)
	if err != nil {
		t.Fatalf("CachedSummary: %v", err)
	}
	if second.OverallStatus != assessment.Completed {
		t.Errorf("expected cache invalidated by submission, got %s", second.OverallStatus)
	}
}

func TestCachedSummary_KeyedByEpoch(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	if _, err := s.svc.AdvanceEpoch(ctx, trigger.AddDate(0, 0, 1)); err != nil {
		t.Fatal(err)
	}
	sum, _ := s.svc.CachedSummary(ctx, s.f.UserID)
	if sum.OverallStatus != assessment.Due {
		t.Fatalf("expected Due, got %s", sum.OverallStatus)
	}
	if _, err := s.svc.AdvanceEpoch(ctx, trigger.AddDate(0, 0, 10)); err != nil {
		t.Fatal(err)
	}
	sum, _ = s.svc.CachedSummary(ctx, s.f.UserID)
	if sum.OverallStatus != assessment.Overdue {
		t.Errorf("a new epoch must not reuse the old entry, got %s", sum.OverallStatus)
	}
}

func TestHandler_GetStatus(t *testing.T) {
	s := newStack(t)
	h := assessment.NewHandler(s.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/?as_of=2020-01-09T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(s.f.UserID.String())
	if err := h.GetStatus(c); err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	var sum assessment.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.OverallStatus != assessment.Overdue {
		t.Errorf("expected Overdue, got %s", sum.OverallStatus)
	}

	req = httptest.NewRequest(http.MethodGet, "/?as_of=yesterday", nil)
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(s.f.UserID.String())
	he, ok := h.GetStatus(c).(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed as_of, got %v", he)
	}
}

func TestHandler_AdvanceEpoch(t *testing.T) {
	s := newStack(t)
	h := assessment.NewHandler(s.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	before := time.Now().UTC().Truncate(time.Second)
	if err := h.AdvanceEpoch(e.NewContext(req, rec)); err != nil {
		t.Fatalf("AdvanceEpoch: %v", err)
	}
	ep, err := s.svc.CurrentEpoch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ep.At.Before(before) {
		t.Errorf("expected epoch advanced to now, got %v", ep.At)
	}
}
