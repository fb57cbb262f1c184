package research

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// ResearchProtocol is one version of a study protocol. Versions belonging to
// the same organization succeed each other by retirement date.
type ResearchProtocol struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Name           string     `db:"name" json:"name"`
	OrganizationID *uuid.UUID `db:"organization_id" json:"organization_id,omitempty"`
	RetiredAsOf    *time.Time `db:"retired_as_of" json:"retired_as_of,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Enrollment records a participant's consent with an organization. The
// consent date anchors the participant's visit schedule.
type Enrollment struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	UserID         uuid.UUID  `db:"user_id" json:"user_id"`
	OrganizationID *uuid.UUID `db:"organization_id" json:"organization_id,omitempty"`
	ConsentedAt    time.Time  `db:"consented_at" json:"consented_at"`
	WithdrawnAt    *time.Time `db:"withdrawn_at" json:"withdrawn_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Withdrawn reports whether participation ended at or before t.
func (e *Enrollment) Withdrawn(t time.Time) bool {
	return e.WithdrawnAt != nil && !e.WithdrawnAt.After(t)
}

// User is the contact information trigger notifications are addressed to.
type User struct {
	ID             uuid.UUID `db:"id" json:"id"`
	Email          string    `db:"email" json:"email"`
	ClinicianEmail *string   `db:"clinician_email" json:"clinician_email,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// sortProtocols orders versions oldest first: retired versions by retirement
// date, the active version last.
func sortProtocols(ps []*ResearchProtocol) {
	sort.SliceStable(ps, func(i, j int) bool { return protocolLess(ps[i], ps[j]) })
}

func protocolLess(a, b *ResearchProtocol) bool {
	switch {
	case a.RetiredAsOf == nil:
		return false
	case b.RetiredAsOf == nil:
		return true
	default:
		return a.RetiredAsOf.Before(*b.RetiredAsOf)
	}
}
