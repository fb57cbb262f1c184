package response

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/uwcirg/true-nth-usa-portal/internal/domain/qbank"
)

const (
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

var validStatuses = map[string]bool{StatusInProgress: true, StatusCompleted: true}

var ErrNotFound = errors.New("questionnaire response not found")

// QuestionnaireResponse is one submission of an instrument. QBID and
// QBIteration record the visit it was resolved to; they are nil when no visit
// applied at the authored time.
type QuestionnaireResponse struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	SubjectID         uuid.UUID  `db:"subject_id" json:"subject_id"`
	QuestionnaireName string     `db:"questionnaire_name" json:"questionnaire"`
	Status            string     `db:"status" json:"status"`
	Authored          time.Time  `db:"authored" json:"authored"`
	QBID              *uuid.UUID `db:"qb_id" json:"qb_id,omitempty"`
	QBIteration       *int       `db:"qb_iteration" json:"qb_iteration,omitempty"`
	Items             []Item     `json:"items,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// Item is a single answer. Value carries the answer's severity on the
// instrument's ordinal scale; Label names the position of the chosen option
// when the instrument defines one ("penultimate", "ultimate").
type Item struct {
	LinkID string  `db:"link_id" json:"link_id"`
	Domain string  `db:"domain" json:"domain,omitempty"`
	Value  *int    `db:"value" json:"value,omitempty"`
	Label  *string `db:"label" json:"label,omitempty"`
}

func (qr *QuestionnaireResponse) Completed() bool {
	return qr.Status == StatusCompleted
}

// VisitKey returns the associated visit, or false when unassociated.
func (qr *QuestionnaireResponse) VisitKey() (qbank.Key, bool) {
	if qr.QBID == nil {
		return qbank.Key{}, false
	}
	return qbank.KeyOf(*qr.QBID, qr.QBIteration), true
}

// Associate records the visit, or clears the association when q is nil.
func (qr *QuestionnaireResponse) Associate(q *qbank.QBD) {
	if q == nil {
		qr.QBID, qr.QBIteration = nil, nil
		return
	}
	id := q.Bank.ID
	qr.QBID = &id
	qr.QBIteration = nil
	if q.Iteration != nil {
		it := *q.Iteration
		qr.QBIteration = &it
	}
}
