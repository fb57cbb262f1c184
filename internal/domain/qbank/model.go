package qbank

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Classification string

const (
	Baseline   Classification = "baseline"
	Recurring  Classification = "recurring"
	Indefinite Classification = "indefinite"
)

var validClassifications = map[Classification]bool{
	Baseline: true, Recurring: true, Indefinite: true,
}

// rank orders banks that start at the same instant.
func (c Classification) rank() int {
	switch c {
	case Baseline:
		return 0
	case Recurring:
		return 1
	default:
		return 2
	}
}

func ParseClassification(s string) (Classification, error) {
	c := Classification(s)
	if !validClassifications[c] {
		return "", fmt.Errorf("invalid classification: %s", s)
	}
	return c, nil
}

// Configuration errors. They indicate bad setup data and are never defaulted.
var (
	ErrConfiguration        = errors.New("questionnaire bank configuration")
	ErrRecurringWithoutRule = fmt.Errorf("%w: recurring bank has no recurrence rule", ErrConfiguration)
	ErrZeroCycleLength      = fmt.Errorf("%w: recurrence cycle length is zero", ErrConfiguration)
	ErrMultipleBaselines    = fmt.Errorf("%w: protocol has more than one baseline bank", ErrConfiguration)
	ErrAmbiguousInstrument  = fmt.Errorf("%w: instrument maps to more than one bank", ErrConfiguration)
	ErrNotFound             = errors.New("questionnaire bank not found")
)

// validationAnchor is the date offsets are compared against when no user
// trigger date is involved.
var validationAnchor = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// RecurrenceRule repeats a bank every CycleLength, starting at Start and
// stopping before Termination. Both offsets are relative to the bank start.
type RecurrenceRule struct {
	ID          uuid.UUID     `json:"id" yaml:"-"`
	Start       RelativeDelta `json:"start" yaml:"start"`
	CycleLength RelativeDelta `json:"cycle_length" yaml:"cycle_length"`
	Termination RelativeDelta `json:"termination" yaml:"termination"`
}

func (r *RecurrenceRule) Validate() error {
	first := r.Start.AddTo(validationAnchor)
	if !first.Before(r.Termination.AddTo(validationAnchor)) {
		return nil
	}
	if r.CycleLength.IsZero() || !r.CycleLength.AddTo(first).After(first) {
		return fmt.Errorf("%w (rule %s)", ErrZeroCycleLength, r.ID)
	}
	return nil
}

type QuestionnaireBank struct {
	ID                 uuid.UUID        `json:"id"`
	Name               string           `json:"name"`
	Classification     Classification   `json:"classification"`
	ResearchProtocolID *uuid.UUID       `json:"research_protocol_id,omitempty"`
	Start              RelativeDelta    `json:"start"`
	Overdue            *RelativeDelta   `json:"overdue,omitempty"`
	Expired            *RelativeDelta   `json:"expired,omitempty"`
	Questionnaires     []string         `json:"questionnaires"`
	Recurs             []RecurrenceRule `json:"recurs,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// Includes reports whether the bank requires the named instrument.
func (b *QuestionnaireBank) Includes(instrument string) bool {
	for _, q := range b.Questionnaires {
		if q == instrument {
			return true
		}
	}
	return false
}

func (b *QuestionnaireBank) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !validClassifications[b.Classification] {
		return fmt.Errorf("invalid classification: %s", b.Classification)
	}
	if len(b.Questionnaires) == 0 {
		return fmt.Errorf("bank %q lists no questionnaires", b.Name)
	}
	seen := make(map[string]bool, len(b.Questionnaires))
	for _, q := range b.Questionnaires {
		if seen[q] {
			return fmt.Errorf("%w: %q listed twice in bank %q", ErrAmbiguousInstrument, q, b.Name)
		}
		seen[q] = true
	}

	switch b.Classification {
	case Indefinite:
		if len(b.Recurs) > 0 {
			return fmt.Errorf("%w: indefinite bank %q has recurrence rules", ErrConfiguration, b.Name)
		}
		if b.Expired != nil {
			return fmt.Errorf("%w: indefinite bank %q has an expiry", ErrConfiguration, b.Name)
		}
	case Recurring:
		if len(b.Recurs) == 0 {
			return fmt.Errorf("%w (bank %q)", ErrRecurringWithoutRule, b.Name)
		}
		fallthrough
	default:
		if b.Expired == nil {
			return fmt.Errorf("%w: bank %q has no expiry offset", ErrConfiguration, b.Name)
		}
	}
	if b.Classification == Baseline && len(b.Recurs) > 0 {
		return fmt.Errorf("%w: baseline bank %q has recurrence rules", ErrConfiguration, b.Name)
	}
	for i := range b.Recurs {
		if err := b.Recurs[i].Validate(); err != nil {
			return fmt.Errorf("bank %q: %w", b.Name, err)
		}
	}
	return nil
}

// ValidateProtocolBanks checks the banks configured for one protocol version
// as a set. Indefinite banks are always open, so an instrument may belong to
// at most one of them.
func ValidateProtocolBanks(banks []*QuestionnaireBank) error {
	var baseline *QuestionnaireBank
	indefinite := make(map[string]string)
	for _, b := range banks {
		if err := b.Validate(); err != nil {
			return err
		}
		switch b.Classification {
		case Baseline:
			if baseline != nil {
				return fmt.Errorf("%w: %q and %q", ErrMultipleBaselines, baseline.Name, b.Name)
			}
			baseline = b
		case Indefinite:
			for _, q := range b.Questionnaires {
				if other, ok := indefinite[q]; ok {
					return fmt.Errorf("%w: %q in %q and %q", ErrAmbiguousInstrument, q, other, b.Name)
				}
				indefinite[q] = b.Name
			}
		}
	}
	return nil
}
