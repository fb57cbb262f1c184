package qbank_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank/qbanktest"
	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

const seedYAML = `
protocols:
  - name: IRONMAN v2
    retired_as_of: 2021-06-01T00:00:00Z
  - name: IRONMAN v3
questionnaire_banks:
  - name: IRONMAN baseline v2
    classification: baseline
    protocol: IRONMAN v2
    overdue: {days: 30}
    expired: {months: 3}
    questionnaires: [eortc, ironmisc]
  - name: IRONMAN recurring v2
    classification: recurring
    protocol: IRONMAN v2
    overdue: {days: 30}
    expired: {months: 3}
    questionnaires: [eortc]
    recurs:
      - start: {months: 3}
        cycle_length: {months: 6}
        termination: {months: 27}
  - name: IRONMAN baseline v3
    classification: baseline
    protocol: IRONMAN v3
    expired: {months: 3}
    questionnaires: [eortc, ironmisc]
`

type registrar struct {
	ids      map[string]uuid.UUID
	retired  map[string]*time.Time
	notified []uuid.UUID
	banks    int
	store    *qbanktest.Banks
}

func (r *registrar) RegisterProtocol(_ context.Context, name string, _ *uuid.UUID, retiredAsOf *time.Time) (uuid.UUID, error) {
	id := uuid.New()
	r.ids[name] = id
	r.retired[name] = retiredAsOf
	return id, nil
}

func (r *registrar) NotifyProtocolsChanged(ctx context.Context, protocolIDs []uuid.UUID) error {
	r.notified = append(r.notified, protocolIDs...)
	if r.store != nil {
		for _, id := range protocolIDs {
			banks, err := r.store.ListByProtocol(ctx, id)
			if err != nil {
				return err
			}
			r.banks += len(banks)
		}
	}
	return nil
}

func TestParseSeed_AndApply(t *testing.T) {
	f, err := qbank.ParseSeed(strings.NewReader(seedYAML))
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(f.Protocols) != 2 || len(f.Banks) != 3 {
		t.Fatalf("unexpected seed contents: %+v", f)
	}
	if f.Banks[1].Recurs[0].CycleLength.Months != 6 {
		t.Errorf("cycle length not parsed: %+v", f.Banks[1].Recurs[0])
	}

	banks := qbanktest.NewBanks()
	svc := qbank.NewService(banks, nil, db.NoTxRunner{})
	reg := &registrar{ids: map[string]uuid.UUID{}, retired: map[string]*time.Time{}, store: banks}

	res, err := svc.ApplySeed(context.Background(), f, reg)
	if err != nil {
		t.Fatalf("ApplySeed: %v", err)
	}
	if len(reg.notified) != 2 || reg.banks != 3 {
		t.Errorf("expected both protocols notified after their 3 banks were stored, got %v and %d banks", reg.notified, reg.banks)
	}
	if res.Protocols != 2 || res.Banks != 3 {
		t.Errorf("unexpected result %+v", res)
	}
	if r := reg.retired["IRONMAN v2"]; r == nil || !r.Equal(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("retirement date not passed through: %v", r)
	}

	v2, _ := banks.ListByProtocol(context.Background(), reg.ids["IRONMAN v2"])
	if len(v2) != 2 {
		t.Fatalf("expected 2 banks for v2, got %d", len(v2))
	}
	for _, b := range v2 {
		if b.Classification == qbank.Recurring && (len(b.Recurs) != 1 || b.Recurs[0].ID == uuid.Nil) {
			t.Errorf("recurrence not stored: %+v", b.Recurs)
		}
	}
}

func TestParseSeed_RejectsUnknownFields(t *testing.T) {
	_, err := qbank.ParseSeed(strings.NewReader("protocols:\n  - name: x\n    colour: red\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestApplySeed_ValidatesBeforeWriting(t *testing.T) {
	f := &qbank.SeedFile{
		Protocols: []qbank.SeedProtocol{{Name: "p"}},
		Banks: []qbank.SeedBank{
			{Name: "a", Classification: "baseline", Protocol: "p", Expired: &qbank.RelativeDelta{Months: 3}, Questionnaires: []string{"x"}},
			{Name: "b", Classification: "baseline", Protocol: "p", Expired: &qbank.RelativeDelta{Months: 3}, Questionnaires: []string{"y"}},
		},
	}
	banks := qbanktest.NewBanks()
	svc := qbank.NewService(banks, nil, db.NoTxRunner{})
	reg := &registrar{ids: map[string]uuid.UUID{}, retired: map[string]*time.Time{}}

	_, err := svc.ApplySeed(context.Background(), f, reg)
	if !errors.Is(err, qbank.ErrMultipleBaselines) {
		t.Fatalf("expected ErrMultipleBaselines, got %v", err)
	}
	if len(reg.ids) != 0 {
		t.Error("nothing should be written when validation fails")
	}

	f.Banks[1].Protocol = "missing"
	if _, err := svc.ApplySeed(context.Background(), f, reg); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestService_CreateBankChecksProtocolSet(t *testing.T) {
	p := qbanktest.Protocol("v2", nil)
	banks := qbanktest.NewBanks(qbanktest.CRV(p.ID, "v2")...)
	svc := qbank.NewService(banks, nil, db.NoTxRunner{})

	second := qbanktest.CRV(p.ID, "dup")[0]
	if err := svc.CreateBank(context.Background(), second); !errors.Is(err, qbank.ErrMultipleBaselines) {
		t.Fatalf("expected ErrMultipleBaselines, got %v", err)
	}

	replacement := qbanktest.CRV(p.ID, "v2")[0]
	if err := svc.CreateBank(context.Background(), replacement); err != nil {
		t.Fatalf("replacing a bank by name should succeed: %v", err)
	}
}

func TestService_QBDFor(t *testing.T) {
	f := qbanktest.NewFixture(trigger, qbanktest.Protocol("v2", nil))
	seq := qbank.NewSequencer(f.Enrollments, f.Banks, f.Pins, zerolog.Nop())
	svc := qbank.NewService(f.Banks, seq, db.NoTxRunner{})
	ctx := context.Background()

	q, err := svc.QBDFor(ctx, f.UserID, trigger.AddDate(0, 0, 10), "comorb")
	if err != nil || q == nil || q.VisitName() != "Baseline" {
		t.Fatalf("expected baseline, got %v, %v", q, err)
	}

	q, _ = svc.QBDFor(ctx, f.UserID, trigger.AddDate(0, 4, 0), "epic26")
	if q == nil || q.VisitName() != "Month 3" {
		t.Fatalf("expected Month 3, got %v", q)
	}

	// comorb is not part of the three-monthly bank.
	q, _ = svc.QBDFor(ctx, f.UserID, trigger.AddDate(0, 4, 0), "comorb")
	if q != nil {
		t.Fatalf("expected no visit, got %v", q)
	}

	q, _ = svc.QBDFor(ctx, f.UserID, trigger.AddDate(5, 0, 0), "irondemog")
	if q == nil || q.Classification() != qbank.Indefinite {
		t.Fatalf("expected the indefinite visit, got %v", q)
	}
}
