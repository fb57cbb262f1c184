package qbank

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type BankRepository interface {
	// Create inserts the bank, replacing any bank with the same name.
	Create(ctx context.Context, b *QuestionnaireBank) error
	GetByID(ctx context.Context, id uuid.UUID) (*QuestionnaireBank, error)
	List(ctx context.Context, limit, offset int) ([]*QuestionnaireBank, int, error)
	ListByProtocol(ctx context.Context, protocolID uuid.UUID) ([]*QuestionnaireBank, error)
}

// Protocol is one version of a research protocol as the sequencer sees it.
type Protocol struct {
	ID          uuid.UUID
	Name        string
	RetiredAsOf *time.Time
}

// Enrollment is the subset of a user's consent history that anchors the
// visit schedule. Protocols are ordered oldest version first.
type Enrollment struct {
	TriggerDate *time.Time
	WithdrawnAt *time.Time
	Protocols   []Protocol
}

type EnrollmentSource interface {
	Enrollment(ctx context.Context, userID uuid.UUID) (*Enrollment, error)
}

// PinSource reports the visits a user has submitted responses against.
type PinSource interface {
	PinnedVisits(ctx context.Context, userID uuid.UUID) (map[Key]bool, error)
}
