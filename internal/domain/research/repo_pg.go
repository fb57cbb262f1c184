package research

import (
	"context"
	"errors"

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

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Research Protocol Repository ===========

type protocolRepoPG struct{ pool *pgxpool.Pool }

func NewProtocolRepoPG(pool *pgxpool.Pool) ProtocolRepository {
	return &protocolRepoPG{pool: pool}
}

func (r *protocolRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const protocolCols = `id, name, organization_id, retired_as_of, created_at`

func scanProtocol(row pgx.Row) (*ResearchProtocol, error) {
	var p ResearchProtocol
	if err := row.Scan(&p.ID, &p.Name, &p.OrganizationID, &p.RetiredAsOf, &p.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *protocolRepoPG) Upsert(ctx context.Context, p *ResearchProtocol) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO research_protocols (id, name, organization_id, retired_as_of)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (name) DO UPDATE SET organization_id = EXCLUDED.organization_id,
			retired_as_of = EXCLUDED.retired_as_of
		RETURNING id, created_at`,
		p.ID, p.Name, p.OrganizationID, p.RetiredAsOf).Scan(&p.ID, &p.CreatedAt)
}

func (r *protocolRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ResearchProtocol, error) {
	return scanProtocol(r.conn(ctx).QueryRow(ctx, `SELECT `+protocolCols+` FROM research_protocols WHERE id = $1`, id))
}

func (r *protocolRepoPG) List(ctx context.Context, limit, offset int) ([]*ResearchProtocol, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM research_protocols`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+protocolCols+` FROM research_protocols
		ORDER BY retired_as_of NULLS LAST, name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *protocolRepoPG) ListByOrganization(ctx context.Context, orgID *uuid.UUID) ([]*ResearchProtocol, error) {
	return r.query(ctx, `SELECT `+protocolCols+` FROM research_protocols
		WHERE organization_id IS NOT DISTINCT FROM $1
		ORDER BY retired_as_of NULLS LAST, name`, orgID)
}

func (r *protocolRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*ResearchProtocol, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ResearchProtocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// =========== Enrollment Repository ===========

type enrollmentRepoPG struct{ pool *pgxpool.Pool }

func NewEnrollmentRepoPG(pool *pgxpool.Pool) EnrollmentRepository {
	return &enrollmentRepoPG{pool: pool}
}

func (r *enrollmentRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const enrollmentCols = `id, user_id, organization_id, consented_at, withdrawn_at, created_at, updated_at`

func (r *enrollmentRepoPG) Create(ctx context.Context, e *Enrollment) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO enrollments (id, user_id, organization_id, consented_at, withdrawn_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`,
		e.ID, e.UserID, e.OrganizationID, e.ConsentedAt, e.WithdrawnAt).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *enrollmentRepoPG) Update(ctx context.Context, e *Enrollment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE enrollments SET organization_id = $2, consented_at = $3, withdrawn_at = $4, updated_at = NOW()
		WHERE id = $1`,
		e.ID, e.OrganizationID, e.ConsentedAt, e.WithdrawnAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *enrollmentRepoPG) LatestForUser(ctx context.Context, userID uuid.UUID) (*Enrollment, error) {
	var e Enrollment
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+enrollmentCols+` FROM enrollments
		WHERE user_id = $1 ORDER BY consented_at DESC, created_at DESC LIMIT 1`, userID).
		Scan(&e.ID, &e.UserID, &e.OrganizationID, &e.ConsentedAt, &e.WithdrawnAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *enrollmentRepoPG) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT DISTINCT user_id FROM enrollments ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return scanUserIDs(rows)
}

func (r *enrollmentRepoPG) ListUserIDsByOrganization(ctx context.Context, orgID *uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT user_id FROM enrollments
		WHERE organization_id IS NOT DISTINCT FROM $1
		ORDER BY user_id`, orgID)
	if err != nil {
		return nil, err
	}
	return scanUserIDs(rows)
}

func scanUserIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =========== User Repository ===========

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT id, email, clinician_email, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.ClinicianEmail, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}
