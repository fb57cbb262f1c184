package trigger

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

const stateCols = `id, user_id, state, timestamp, questionnaire_response_id, visit_month, triggers`

func scanState(row pgx.Row) (*TriggerState, error) {
	var ts TriggerState
	err := row.Scan(&ts.ID, &ts.UserID, &ts.State, &ts.Timestamp, &ts.QuestionnaireResponseID,
		&ts.VisitMonth, &ts.Triggers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func (r *repoPG) Latest(ctx context.Context, userID uuid.UUID) (*TriggerState, error) {
	return scanState(r.conn(ctx).QueryRow(ctx, `SELECT `+stateCols+` FROM trigger_states
		WHERE user_id = $1 ORDER BY id DESC LIMIT 1`, userID))
}

func (r *repoPG) Insert(ctx context.Context, ts *TriggerState) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO trigger_states (user_id, state, timestamp, questionnaire_response_id, visit_month, triggers)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		ts.UserID, string(ts.State), ts.Timestamp, ts.QuestionnaireResponseID, ts.VisitMonth, ts.Triggers,
	).Scan(&ts.ID)
	if err != nil {
		return fmt.Errorf("insert trigger state: %w", err)
	}
	return nil
}

func (r *repoPG) UpdateTriggers(ctx context.Context, id int64, t *Triggers) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE trigger_states SET triggers = $2 WHERE id = $1`, id, t)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListLatestInStates(ctx context.Context, states ...State) ([]*TriggerState, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stateCols+` FROM (
			SELECT DISTINCT ON (user_id) `+stateCols+` FROM trigger_states
			ORDER BY user_id, id DESC
		) latest WHERE state = ANY($1) ORDER BY id`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*TriggerState
	for rows.Next() {
		ts, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (r *repoPG) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*TriggerState, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM trigger_states WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stateCols+` FROM trigger_states
		WHERE user_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*TriggerState
	for rows.Next() {
		ts, err := scanState(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ts)
	}
	return out, total, rows.Err()
}
