package response

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const qrCols = `id, subject_id, questionnaire_name, status, authored, qb_id, qb_iteration, created_at`

func scanQR(row pgx.Row) (*QuestionnaireResponse, error) {
	var qr QuestionnaireResponse
	err := row.Scan(&qr.ID, &qr.SubjectID, &qr.QuestionnaireName, &qr.Status, &qr.Authored,
		&qr.QBID, &qr.QBIteration, &qr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &qr, err
}

func (r *repoPG) Create(ctx context.Context, qr *QuestionnaireResponse) error {
	if qr.ID == uuid.Nil {
		qr.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO questionnaire_responses (id, subject_id, questionnaire_name, status, authored, qb_id, qb_iteration)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		qr.ID, qr.SubjectID, qr.QuestionnaireName, qr.Status, qr.Authored, qr.QBID, qr.QBIteration,
	).Scan(&qr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert questionnaire response: %w", err)
	}
	for i, it := range qr.Items {
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO questionnaire_response_items (response_id, position, link_id, domain, value, label)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			qr.ID, i, it.LinkID, it.Domain, it.Value, it.Label); err != nil {
			return fmt.Errorf("insert item %q: %w", it.LinkID, err)
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*QuestionnaireResponse, error) {
	qr, err := scanQR(r.conn(ctx).QueryRow(ctx,
		`SELECT `+qrCols+` FROM questionnaire_responses WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.attachItems(ctx, []*QuestionnaireResponse{qr}); err != nil {
		return nil, err
	}
	return qr, nil
}

func (r *repoPG) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*QuestionnaireResponse, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM questionnaire_responses WHERE subject_id = $1`, subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+qrCols+` FROM questionnaire_responses
		WHERE subject_id = $1 ORDER BY authored DESC, created_at DESC LIMIT $2 OFFSET $3`,
		subjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, r.attachItems(ctx, items)
}

func (r *repoPG) AllForSubject(ctx context.Context, subjectID uuid.UUID) ([]*QuestionnaireResponse, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+qrCols+` FROM questionnaire_responses
		WHERE subject_id = $1 ORDER BY authored, created_at`, subjectID)
	if err != nil {
		return nil, err
	}
	items, err := collect(rows)
	if err != nil {
		return nil, err
	}
	return items, r.attachItems(ctx, items)
}

func collect(rows pgx.Rows) ([]*QuestionnaireResponse, error) {
	defer rows.Close()
	var out []*QuestionnaireResponse
	for rows.Next() {
		qr, err := scanQR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, qr)
	}
	return out, rows.Err()
}

func (r *repoPG) attachItems(ctx context.Context, qrs []*QuestionnaireResponse) error {
	if len(qrs) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*QuestionnaireResponse, len(qrs))
	ids := make([]uuid.UUID, 0, len(qrs))
	for _, qr := range qrs {
		byID[qr.ID] = qr
		ids = append(ids, qr.ID)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT response_id, link_id, domain, value, label
		FROM questionnaire_response_items WHERE response_id = ANY($1)
		ORDER BY response_id, position`, ids)
	if err != nil {
		return fmt.Errorf("load response items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var it Item
		if err := rows.Scan(&id, &it.LinkID, &it.Domain, &it.Value, &it.Label); err != nil {
			return err
		}
		if qr := byID[id]; qr != nil {
			qr.Items = append(qr.Items, it)
		}
	}
	return rows.Err()
}

func (r *repoPG) SetAssociation(ctx context.Context, id uuid.UUID, qbID *uuid.UUID, iteration *int) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE questionnaire_responses SET qb_id = $2, qb_iteration = $3 WHERE id = $1`,
		id, qbID, iteration)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ClearAssociations(ctx context.Context, subjectID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE questionnaire_responses SET qb_id = NULL, qb_iteration = NULL
		WHERE subject_id = $1 AND qb_id IS NOT NULL`, subjectID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
