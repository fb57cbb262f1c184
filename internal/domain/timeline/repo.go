package timeline

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// ListForUser returns entries ordered by at, then insertion.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Entry, error)
	// Insert appends entries in slice order, assigning ids.
	Insert(ctx context.Context, entries []Entry) error
	DeleteForUser(ctx context.Context, userID uuid.UUID) (int64, error)
}
