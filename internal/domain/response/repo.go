package response

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, qr *QuestionnaireResponse) error
	GetByID(ctx context.Context, id uuid.UUID) (*QuestionnaireResponse, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*QuestionnaireResponse, int, error)
	// AllForSubject returns every response of the subject, items included,
	// ordered by authored time.
	AllForSubject(ctx context.Context, subjectID uuid.UUID) ([]*QuestionnaireResponse, error)
	SetAssociation(ctx context.Context, id uuid.UUID, qbID *uuid.UUID, iteration *int) error
	ClearAssociations(ctx context.Context, subjectID uuid.UUID) (int64, error)
}
