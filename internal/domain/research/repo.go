package research

import (
	"context"

	"github.com/google/uuid"
)

type ProtocolRepository interface {
	// Upsert creates the protocol or updates the one with the same name.
	Upsert(ctx context.Context, p *ResearchProtocol) error
	GetByID(ctx context.Context, id uuid.UUID) (*ResearchProtocol, error)
	List(ctx context.Context, limit, offset int) ([]*ResearchProtocol, int, error)
	ListByOrganization(ctx context.Context, orgID *uuid.UUID) ([]*ResearchProtocol, error)
}

type EnrollmentRepository interface {
	Create(ctx context.Context, e *Enrollment) error
	Update(ctx context.Context, e *Enrollment) error
	// LatestForUser returns the most recent enrollment, or ErrNotFound.
	LatestForUser(ctx context.Context, userID uuid.UUID) (*Enrollment, error)
	ListUserIDs(ctx context.Context) ([]uuid.UUID, error)
	// ListUserIDsByOrganization lists users with an enrollment at orgID; a
	// nil orgID matches enrollments without an organization.
	ListUserIDsByOrganization(ctx context.Context, orgID *uuid.UUID) ([]uuid.UUID, error)
}

type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
}
