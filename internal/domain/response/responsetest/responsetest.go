// Package responsetest provides an in-memory response repository.
package responsetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/response"
)

type Repo struct {
	mu   sync.Mutex
	data map[uuid.UUID]*response.QuestionnaireResponse
}

func NewRepo() *Repo {
	return &Repo{data: map[uuid.UUID]*response.QuestionnaireResponse{}}
}

func (r *Repo) Create(_ context.Context, qr *response.QuestionnaireResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if qr.ID == uuid.Nil {
		qr.ID = uuid.New()
	}
	qr.CreatedAt = time.Now()
	cp := *qr
	r.data[qr.ID] = &cp
	return nil
}

func (r *Repo) GetByID(_ context.Context, id uuid.UUID) (*response.QuestionnaireResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if qr, ok := r.data[id]; ok {
		cp := *qr
		return &cp, nil
	}
	return nil, response.ErrNotFound
}

func (r *Repo) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*response.QuestionnaireResponse, int, error) {
	all, _ := r.AllForSubject(ctx, subjectID)
	total := len(all)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *Repo) AllForSubject(_ context.Context, subjectID uuid.UUID) ([]*response.QuestionnaireResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*response.QuestionnaireResponse
	for _, qr := range r.data {
		if qr.SubjectID == subjectID {
			cp := *qr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Authored.Equal(out[j].Authored) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Authored.Before(out[j].Authored)
	})
	return out, nil
}

func (r *Repo) SetAssociation(_ context.Context, id uuid.UUID, qbID *uuid.UUID, iteration *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	qr, ok := r.data[id]
	if !ok {
		return response.ErrNotFound
	}
	qr.QBID, qr.QBIteration = qbID, iteration
	return nil
}

func (r *Repo) ClearAssociations(_ context.Context, subjectID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, qr := range r.data {
		if qr.SubjectID == subjectID && qr.QBID != nil {
			qr.QBID, qr.QBIteration = nil, nil
			n++
		}
	}
	return n, nil
}
