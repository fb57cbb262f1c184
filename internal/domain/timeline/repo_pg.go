package timeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uwcirg/true-nth-usa-portal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
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

const entryCols = `id, user_id, at, status, qb_id, qb_recur_id, qb_iteration, classification, research_protocol_id`

func (r *repoPG) ListForUser(ctx context.Context, userID uuid.UUID) ([]Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM qb_timeline
		WHERE user_id = $1 ORDER BY at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.At, &e.Status, &e.QBID, &e.QBRecurID,
			&e.QBIteration, &e.Classification, &e.ResearchProtocolID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Insert queues one statement per entry in a single round trip. Ids come
// from a sequence, so slice order is preserved among equal instants.
func (r *repoPG) Insert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO qb_timeline (user_id, at, status, qb_id, qb_recur_id, qb_iteration,
			classification, research_protocol_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
			e.UserID, e.At, string(e.Status), e.QBID, e.QBRecurID, e.QBIteration,
			string(e.Classification), e.ResearchProtocolID)
	}
	br := r.conn(ctx).SendBatch(ctx, batch)
	defer br.Close()
	for i := range entries {
		if err := br.QueryRow().Scan(&entries[i].ID); err != nil {
			return fmt.Errorf("insert timeline entry %d: %w", i, err)
		}
	}
	return nil
}

func (r *repoPG) DeleteForUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM qb_timeline WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
