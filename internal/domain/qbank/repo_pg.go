package qbank

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

type bankRepoPG struct{ pool *pgxpool.Pool }

func NewBankRepoPG(pool *pgxpool.Pool) BankRepository {
	return &bankRepoPG{pool: pool}
}

func (r *bankRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const bankCols = `id, name, classification, research_protocol_id, start_offset,
	overdue_offset, expired_offset, questionnaires, created_at`

func scanBank(row pgx.Row) (*QuestionnaireBank, error) {
	var b QuestionnaireBank
	err := row.Scan(&b.ID, &b.Name, &b.Classification, &b.ResearchProtocolID, &b.Start,
		&b.Overdue, &b.Expired, &b.Questionnaires, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &b, err
}

// Create upserts by name and replaces the bank's recurrence rules. Callers
// run it inside a transaction.
func (r *bankRepoPG) Create(ctx context.Context, b *QuestionnaireBank) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO questionnaire_banks (id, name, classification, research_protocol_id,
			start_offset, overdue_offset, expired_offset, questionnaires)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (name) DO UPDATE SET classification = EXCLUDED.classification,
			research_protocol_id = EXCLUDED.research_protocol_id,
			start_offset = EXCLUDED.start_offset, overdue_offset = EXCLUDED.overdue_offset,
			expired_offset = EXCLUDED.expired_offset, questionnaires = EXCLUDED.questionnaires
		RETURNING id, created_at`,
		b.ID, b.Name, string(b.Classification), b.ResearchProtocolID,
		b.Start, b.Overdue, b.Expired, b.Questionnaires).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert questionnaire bank %q: %w", b.Name, err)
	}

	if _, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM recurrences WHERE id IN (
			SELECT recurrence_id FROM questionnaire_bank_recurs WHERE questionnaire_bank_id = $1)`, b.ID); err != nil {
		return fmt.Errorf("clear recurrences: %w", err)
	}
	for rank := range b.Recurs {
		rule := &b.Recurs[rank]
		if rule.ID == uuid.Nil {
			rule.ID = uuid.New()
		}
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO recurrences (id, start_offset, cycle_length, termination)
			VALUES ($1,$2,$3,$4)`,
			rule.ID, rule.Start, rule.CycleLength, rule.Termination); err != nil {
			return fmt.Errorf("insert recurrence: %w", err)
		}
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO questionnaire_bank_recurs (questionnaire_bank_id, recurrence_id, rank)
			VALUES ($1,$2,$3)`, b.ID, rule.ID, rank); err != nil {
			return fmt.Errorf("link recurrence: %w", err)
		}
	}
	return nil
}

func (r *bankRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*QuestionnaireBank, error) {
	b, err := scanBank(r.conn(ctx).QueryRow(ctx, `SELECT `+bankCols+` FROM questionnaire_banks WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.attachRecurs(ctx, []*QuestionnaireBank{b}); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *bankRepoPG) List(ctx context.Context, limit, offset int) ([]*QuestionnaireBank, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM questionnaire_banks`).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+bankCols+` FROM questionnaire_banks ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *bankRepoPG) ListByProtocol(ctx context.Context, protocolID uuid.UUID) ([]*QuestionnaireBank, error) {
	return r.query(ctx, `SELECT `+bankCols+` FROM questionnaire_banks
		WHERE research_protocol_id = $1 ORDER BY name`, protocolID)
}

func (r *bankRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*QuestionnaireBank, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QuestionnaireBank
	for rows.Next() {
		b, err := scanBank(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachRecurs(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// attachRecurs loads recurrence rules in rank order.
func (r *bankRepoPG) attachRecurs(ctx context.Context, banks []*QuestionnaireBank) error {
	if len(banks) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*QuestionnaireBank, len(banks))
	ids := make([]uuid.UUID, 0, len(banks))
	for _, b := range banks {
		byID[b.ID] = b
		ids = append(ids, b.ID)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT qbr.questionnaire_bank_id, r.id, r.start_offset, r.cycle_length, r.termination
		FROM questionnaire_bank_recurs qbr
		JOIN recurrences r ON r.id = qbr.recurrence_id
		WHERE qbr.questionnaire_bank_id = ANY($1)
		ORDER BY qbr.questionnaire_bank_id, qbr.rank`, ids)
	if err != nil {
		return fmt.Errorf("load recurrences: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bankID uuid.UUID
		var rule RecurrenceRule
		if err := rows.Scan(&bankID, &rule.ID, &rule.Start, &rule.CycleLength, &rule.Termination); err != nil {
			return err
		}
		if b, ok := byID[bankID]; ok {
			b.Recurs = append(b.Recurs, rule)
		}
	}
	return rows.Err()
}
