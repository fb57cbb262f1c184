package trigger

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Latest returns the user's current row, or ErrNotFound.
	Latest(ctx context.Context, userID uuid.UUID) (*TriggerState, error)
	// Insert appends a row, assigning its id.
	Insert(ctx context.Context, ts *TriggerState) error
	// UpdateTriggers rewrites the document of an existing row.
	UpdateTriggers(ctx context.Context, id int64, t *Triggers) error
	// ListLatestInStates returns every user's current row when it is in one
	// of the states.
	ListLatestInStates(ctx context.Context, states ...State) ([]*TriggerState, error)
	// History lists the user's rows, newest first.
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*TriggerState, int, error)
}
