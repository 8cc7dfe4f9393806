package forms

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/questions"
)

// Repository handles form persistence.
type Repository struct {
	pool      *pgxpool.Pool
	questions *questions.Repository
}

// NewRepository creates a forms repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, questions: questions.NewRepository(pool)}
}

const formColumns = `id, short_id, owner_id, title, description, kind, status, access_type,
	COALESCE(access_password, ''), allowed_emails, max_responses, max_per_user, response_count,
	view_count, expires_at, show_results, published_at, created_at, updated_at`

// ScanForm reads a row selected with the form column list.
func ScanForm(row pgx.Row) (*models.Form, error) {
	var f models.Form
	err := row.Scan(&f.ID, &f.ShortID, &f.OwnerID, &f.Title, &f.Description, &f.Kind, &f.Status,
		&f.AccessType, &f.AccessPassword, &f.AllowedEmails, &f.MaxResponses, &f.MaxPerUser,
		&f.ResponseCount, &f.ViewCount, &f.ExpiresAt, &f.ShowResults, &f.PublishedAt,
		&f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if f.AllowedEmails == nil {
		f.AllowedEmails = []string{}
	}
	return &f, nil
}

// FormColumns is the select list understood by ScanForm.
func FormColumns() string { return formColumns }

// Create inserts a form and its questions.
func (r *Repository) Create(ctx context.Context, s *Schema) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	f := &s.Form
	const query = `INSERT INTO forms (id, short_id, owner_id, title, description, kind, status, access_type,
			access_password, allowed_emails, max_responses, max_per_user, expires_at, show_results)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`
	err = tx.QueryRow(ctx, query, f.ID, f.ShortID, f.OwnerID, f.Title, f.Description, f.Kind, f.Status,
		f.AccessType, f.AccessPassword, allowed(f.AllowedEmails), f.MaxResponses, f.MaxPerUser, f.ExpiresAt, f.ShowResults).
		Scan(&f.CreatedAt, &f.UpdatedAt)
	if isShortIDConflict(err) {
		return ErrShortIDTaken
	}
	if err != nil {
		return fmt.Errorf("insert form: %w", err)
	}
	qr := r.questions.WithTx(tx)
	for i := range s.Questions {
		if err := qr.Create(ctx, &s.Questions[i]); err != nil {
			return fmt.Errorf("insert question %s: %w", s.Questions[i].ID, err)
		}
	}
	return tx.Commit(ctx)
}

const shortIDConstraint = "forms_short_id_key"

func isShortIDConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == shortIDConstraint
}

func allowed(emails []string) []string {
	if emails == nil {
		return []string{}
	}
	return emails
}

// GetByID returns a form without its questions.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Form, error) {
	return ScanForm(r.pool.QueryRow(ctx, `SELECT `+formColumns+` FROM forms WHERE id = $1`, id))
}

// GetByShortID returns a form by its public short id.
func (r *Repository) GetByShortID(ctx context.Context, shortID string) (*models.Form, error) {
	return ScanForm(r.pool.QueryRow(ctx, `SELECT `+formColumns+` FROM forms WHERE short_id = $1`, shortID))
}

// ShortIDExists reports whether a short id is taken.
func (r *Repository) ShortIDExists(ctx context.Context, shortID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM forms WHERE short_id = $1)`
	var ok bool
	err := r.pool.QueryRow(ctx, query, shortID).Scan(&ok)
	return ok, err
}

// LoadSchema returns a form with its questions.
func (r *Repository) LoadSchema(ctx context.Context, id uuid.UUID) (*Schema, error) {
	f, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	qs, err := r.questions.ListByForm(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	return NewSchema(*f, qs), nil
}

// LoadSchemaByShortID returns a form with its questions by short id.
func (r *Repository) LoadSchemaByShortID(ctx context.Context, shortID string) (*Schema, error) {
	f, err := r.GetByShortID(ctx, shortID)
	if err != nil {
		return nil, err
	}
	qs, err := r.questions.ListByForm(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	return NewSchema(*f, qs), nil
}

// ListFilter selects forms for the creator dashboard.
type ListFilter struct {
	OwnerID  *uuid.UUID
	Status   models.FormStatus
	Page     int
	PageSize int
}

// List returns one page of forms, newest first, and the total count.
func (r *Repository) List(ctx context.Context, f ListFilter) ([]models.Form, int, error) {
	const where = ` WHERE ($1::uuid IS NULL OR owner_id = $1) AND ($2::text = '' OR status = $2::text)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM forms`+where, f.OwnerID, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+formColumns+` FROM forms`+where+
		` ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		f.OwnerID, string(f.Status), f.PageSize, (f.Page-1)*f.PageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []models.Form{}
	for rows.Next() {
		form, err := ScanForm(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, *form)
	}
	return list, total, rows.Err()
}

// Update locks the form row, applies fn to the loaded schema and writes back whatever fn
// changed. Concurrent updates and submissions on the same form are serialised by the lock.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, fn func(s *Schema) error) (*Schema, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	f, err := ScanForm(tx.QueryRow(ctx, `SELECT `+formColumns+` FROM forms WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	qr := r.questions.WithTx(tx)
	before, err := qr.ListByForm(ctx, id)
	if err != nil {
		return nil, err
	}
	s := NewSchema(*f, before)
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := syncQuestions(ctx, qr, id, before, s.Questions); err != nil {
		return nil, err
	}

	const query = `UPDATE forms SET title = $2, description = $3, kind = $4, status = $5, access_type = $6,
			access_password = NULLIF($7, ''), allowed_emails = $8, max_responses = $9, max_per_user = $10,
			expires_at = $11, show_results = $12, published_at = $13, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	nf := &s.Form
	err = tx.QueryRow(ctx, query, id, nf.Title, nf.Description, nf.Kind, nf.Status, nf.AccessType,
		nf.AccessPassword, allowed(nf.AllowedEmails), nf.MaxResponses, nf.MaxPerUser, nf.ExpiresAt,
		nf.ShowResults, nf.PublishedAt).Scan(&nf.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update form: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func syncQuestions(ctx context.Context, qr *questions.Repository, formID uuid.UUID, before, after []models.Question) error {
	old := make(map[string]models.Question, len(before))
	for _, q := range before {
		old[q.ID] = q
	}
	ids := make([]string, 0, len(after))
	for i := range after {
		q := &after[i]
		ids = append(ids, q.ID)
		prev, ok := old[q.ID]
		delete(old, q.ID)
		switch {
		case !ok:
			if err := qr.Create(ctx, q); err != nil {
				return fmt.Errorf("insert question %s: %w", q.ID, err)
			}
		case prev.Text != q.Text || prev.Type != q.Type ||
			!reflect.DeepEqual(prev.Options, q.Options) || !reflect.DeepEqual(prev.Validation, q.Validation):
			if err := qr.Update(ctx, q); err != nil {
				return fmt.Errorf("update question %s: %w", q.ID, err)
			}
		}
	}
	for id := range old {
		if err := qr.Delete(ctx, formID, id); err != nil {
			return fmt.Errorf("delete question %s: %w", id, err)
		}
	}
	return qr.SetOrder(ctx, formID, ids)
}

// Delete removes a form; questions and submissions cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM forms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementViews bumps view_count for a published form.
func (r *Repository) IncrementViews(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE forms SET view_count = view_count + 1 WHERE id = $1`, id)
	return err
}

// CloseExpired closes published forms whose deadline has passed and returns their ids.
func (r *Repository) CloseExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	const query = `UPDATE forms SET status = 'closed', updated_at = NOW()
		WHERE status = 'published' AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING id`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// CloseIfExpired closes one published form if its deadline is at or before now.
func (r *Repository) CloseIfExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	const query = `UPDATE forms SET status = 'closed', updated_at = NOW()
		WHERE id = $1 AND status = 'published' AND expires_at IS NOT NULL AND expires_at <= $2`
	tag, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
