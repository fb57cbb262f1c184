// Package triggertest provides an in-memory trigger state repository.
package triggertest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/trigger"
)

type Repo struct {
	mu     sync.Mutex
	nextID int64
	rows   []*trigger.TriggerState
}

func NewRepo() *Repo {
	return &Repo{}
}

func (r *Repo) Latest(_ context.Context, userID uuid.UUID) (*trigger.TriggerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.rows) - 1; i >= 0; i-- {
		if r.rows[i].UserID == userID {
			cp := *r.rows[i]
			return &cp, nil
		}
	}
	return nil, trigger.ErrNotFound
}

func (r *Repo) Insert(_ context.Context, ts *trigger.TriggerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	ts.ID = r.nextID
	cp := *ts
	r.rows = append(r.rows, &cp)
	return nil
}

func (r *Repo) UpdateTriggers(_ context.Context, id int64, t *trigger.Triggers) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.ID == id {
			row.Triggers = t
			return nil
		}
	}
	return trigger.ErrNotFound
}

func (r *Repo) ListLatestInStates(_ context.Context, states ...trigger.State) ([]*trigger.TriggerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[trigger.State]bool{}
	for _, s := range states {
		want[s] = true
	}
	latest := map[uuid.UUID]*trigger.TriggerState{}
	var order []uuid.UUID
	for _, row := range r.rows {
		if _, ok := latest[row.UserID]; !ok {
			order = append(order, row.UserID)
		}
		latest[row.UserID] = row
	}
	var out []*trigger.TriggerState
	for _, id := range order {
		if row := latest[id]; want[row.State] {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *Repo) History(_ context.Context, userID uuid.UUID, limit, offset int) ([]*trigger.TriggerState, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*trigger.TriggerState
	for i := len(r.rows) - 1; i >= 0; i-- {
		if r.rows[i].UserID == userID {
			cp := *r.rows[i]
			all = append(all, &cp)
		}
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
