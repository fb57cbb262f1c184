package trigger

import (
	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
)

// hardSeverity is the answer value at or above which a question hard
// triggers on its own.
const hardSeverity = 4

// Answer is a scored answer: its ordinal value and, when the instrument
// names it, the position of the chosen option.
type Answer struct {
	Value int
	Label string
}

func (a Answer) severe() bool {
	return a.Value >= hardSeverity || a.Label == "penultimate" || a.Label == "ultimate"
}

// DomainTriggers evaluates one domain's answers, keyed by question id,
// against the previous visit and the first visit.
type DomainTriggers struct {
	Domain   string
	Current  map[string]Answer
	Previous map[string]Answer
	Initial  map[string]Answer
}

// Eval returns the trigger level of every question that triggers. It is
// recomputed on every call.
func (d *DomainTriggers) Eval() map[string]Level {
	out := map[string]Level{}
	raise := func(q string, l Level) {
		if out[q] != Hard {
			out[q] = l
		}
	}
	for q, a := range d.Current {
		if a.severe() {
			raise(q, Hard)
		}
	}
	for _, prior := range []map[string]Answer{d.Previous, d.Initial} {
		for q, cur := range d.Current {
			before, ok := prior[q]
			if !ok {
				continue
			}
			switch diff := cur.Value - before.Value; {
			case diff >= 2:
				raise(q, Hard)
			case diff == 1:
				raise(q, Soft)
			}
		}
	}
	return out
}

// Levels collapses question levels to the domain's set. Hard implies soft.
func Levels(questions map[string]Level) []Level {
	var hard, soft bool
	for _, l := range questions {
		switch l {
		case Hard:
			hard, soft = true, true
		case Soft:
			soft = true
		}
	}
	var out []Level
	if hard {
		out = append(out, Hard)
	}
	if soft {
		out = append(out, Soft)
	}
	return out
}

// Manifold gathers the current response with the earlier completed
// responses of the same instrument for domain evaluation.
type Manifold struct {
	Current  *response.QuestionnaireResponse
	Previous *response.QuestionnaireResponse
	Initial  *response.QuestionnaireResponse
}

// NewManifold picks, from all of the subject's responses, the first and the
// most recent completed response of cur's instrument authored before cur.
func NewManifold(cur *response.QuestionnaireResponse, all []*response.QuestionnaireResponse) *Manifold {
	m := &Manifold{Current: cur}
	for _, qr := range all {
		if qr.ID == cur.ID || qr.QuestionnaireName != cur.QuestionnaireName || !qr.Completed() {
			continue
		}
		if !qr.Authored.Before(cur.Authored) {
			continue
		}
		if m.Initial == nil || qr.Authored.Before(m.Initial.Authored) {
			m.Initial = qr
		}
		if m.Previous == nil || qr.Authored.After(m.Previous.Authored) {
			m.Previous = qr
		}
	}
	return m
}

// Eval evaluates every domain present in the current response.
func (m *Manifold) Eval() map[string]map[string]Level {
	cur, prev, initial := answers(m.Current), answers(m.Previous), answers(m.Initial)
	out := make(map[string]map[string]Level, len(cur))
	for domain, current := range cur {
		dt := DomainTriggers{Domain: domain, Current: current, Previous: prev[domain], Initial: initial[domain]}
		out[domain] = dt.Eval()
	}
	return out
}

// answers groups scored items by domain. Items without a domain or value
// carry no severity and are skipped.
func answers(qr *response.QuestionnaireResponse) map[string]map[string]Answer {
	out := map[string]map[string]Answer{}
	if qr == nil {
		return out
	}
	for _, it := range qr.Items {
		if it.Domain == "" || it.Value == nil {
			continue
		}
		a := Answer{Value: *it.Value}
		if it.Label != nil {
			a.Label = *it.Label
		}
		if out[it.Domain] == nil {
			out[it.Domain] = map[string]Answer{}
		}
		out[it.Domain][it.LinkID] = a
	}
	return out
}
