package questions

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multiforms/backend/internal/models"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository handles question persistence.
type Repository struct {
	db DBTX
}

// NewRepository creates a questions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// WithTx returns a repository bound to tx.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

const selectColumns = `id, form_id, question_text, question_type, options, validation, order_index, created_at`

func scanQuestion(row pgx.Row) (models.Question, error) {
	var q models.Question
	err := row.Scan(&q.ID, &q.FormID, &q.Text, &q.Type, &q.Options, &q.Validation, &q.OrderIndex, &q.CreatedAt)
	return q, err
}

// ListByForm returns the questions of a form in display order.
func (r *Repository) ListByForm(ctx context.Context, formID uuid.UUID) ([]models.Question, error) {
	query := `SELECT ` + selectColumns + ` FROM form_questions WHERE form_id = $1 ORDER BY order_index, created_at`
	rows, err := r.db.Query(ctx, query, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, q)
	}
	return list, rows.Err()
}

// Create inserts a question.
func (r *Repository) Create(ctx context.Context, q *models.Question) error {
	const query = `INSERT INTO form_questions (id, form_id, question_text, question_type, options, validation, order_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	return r.db.QueryRow(ctx, query, q.ID, q.FormID, q.Text, q.Type, q.Options, q.Validation, q.OrderIndex).
		Scan(&q.CreatedAt)
}

// Update rewrites the editable fields of a question.
func (r *Repository) Update(ctx context.Context, q *models.Question) error {
	const query = `UPDATE form_questions
		SET question_text = $3, question_type = $4, options = $5, validation = $6
		WHERE form_id = $1 AND id = $2`
	tag, err := r.db.Exec(ctx, query, q.FormID, q.ID, q.Text, q.Type, q.Options, q.Validation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Delete removes a question.
func (r *Repository) Delete(ctx context.Context, formID uuid.UUID, id string) error {
	const query = `DELETE FROM form_questions WHERE form_id = $1 AND id = $2`
	_, err := r.db.Exec(ctx, query, formID, id)
	return err
}

// SetOrder assigns order_index = position for each id.
func (r *Repository) SetOrder(ctx context.Context, formID uuid.UUID, ids []string) error {
	const query = `UPDATE form_questions AS q SET order_index = o.ord - 1
		FROM unnest($2::text[]) WITH ORDINALITY AS o(id, ord)
		WHERE q.form_id = $1 AND q.id = o.id`
	_, err := r.db.Exec(ctx, query, formID, ids)
	return err
}
