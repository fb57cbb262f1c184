// Package timelinetest provides an in-memory timeline repository.
package timelinetest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/timeline"
)

type Repo struct {
	mu     sync.Mutex
	nextID int64
	rows   []timeline.Entry
	// Inserts counts Insert calls.
	Inserts int
}

func NewRepo() *Repo {
	return &Repo{}
}

func (r *Repo) ListForUser(_ context.Context, userID uuid.UUID) ([]timeline.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []timeline.Entry
	for _, e := range r.rows {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ID < out[j].ID
		}
		return out[i].At.Before(out[j].At)
	})
	return out, nil
}

func (r *Repo) Insert(_ context.Context, entries []timeline.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Inserts++
	for i := range entries {
		r.nextID++
		entries[i].ID = r.nextID
		r.rows = append(r.rows, entries[i])
	}
	return nil
}

func (r *Repo) DeleteForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.rows[:0]
	var n int64
	for _, e := range r.rows {
		if e.UserID == userID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.rows = kept
	return n, nil
}
