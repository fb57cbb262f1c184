package response

import (
	"sort"
	"time"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
)

// Submission is a response reduced to what visit status needs.
type Submission struct {
	Instrument string
	Authored   time.Time
	Completed  bool
}

// Results summarizes the responses associated with one visit.
type Results struct {
	Key qbank.Key
	// Submissions are ordered by authored time.
	Submissions []Submission
}

// BuildResults groups associated responses by visit.
func BuildResults(qnrs []*QuestionnaireResponse) map[qbank.Key]*Results {
	out := make(map[qbank.Key]*Results)
	for _, qr := range qnrs {
		key, ok := qr.VisitKey()
		if !ok {
			continue
		}
		r := out[key]
		if r == nil {
			r = &Results{Key: key}
			out[key] = r
		}
		r.Submissions = append(r.Submissions, Submission{
			Instrument: qr.QuestionnaireName,
			Authored:   qr.Authored,
			Completed:  qr.Completed(),
		})
	}
	for _, r := range out {
		sort.SliceStable(r.Submissions, func(i, j int) bool {
			return r.Submissions[i].Authored.Before(r.Submissions[j].Authored)
		})
	}
	return out
}

// FirstAt is the earliest submission, or nil.
func (r *Results) FirstAt() *time.Time {
	if r == nil || len(r.Submissions) == 0 {
		return nil
	}
	t := r.Submissions[0].Authored
	return &t
}

// Completed lists instruments with a completed submission.
func (r *Results) Completed() map[string]bool {
	return r.collect(func(s Submission) bool { return s.Completed })
}

// InProgress lists instruments with submissions but none completed.
func (r *Results) InProgress() map[string]bool {
	done := r.Completed()
	return r.collect(func(s Submission) bool { return !done[s.Instrument] })
}

func (r *Results) collect(keep func(Submission) bool) map[string]bool {
	out := map[string]bool{}
	if r == nil {
		return out
	}
	for _, s := range r.Submissions {
		if keep(s) {
			out[s.Instrument] = true
		}
	}
	return out
}

// CompletedAt is the instant the last required instrument was completed, or
// nil while any is outstanding.
func (r *Results) CompletedAt(required []string) *time.Time {
	if r == nil || len(required) == 0 {
		return nil
	}
	need := make(map[string]bool, len(required))
	for _, q := range required {
		need[q] = true
	}
	for _, s := range r.Submissions {
		if s.Completed && need[s.Instrument] {
			delete(need, s.Instrument)
			if len(need) == 0 {
				t := s.Authored
				return &t
			}
		}
	}
	return nil
}

// Outstanding returns the required instruments without a completed
// submission, in required order.
func (r *Results) Outstanding(required []string) []string {
	done := r.Completed()
	var out []string
	for _, q := range required {
		if !done[q] {
			out = append(out, q)
		}
	}
	return out
}
