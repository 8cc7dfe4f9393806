package submissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/internal/models"
)

// ErrNotFound is returned when a submission does not exist.
var ErrNotFound = errors.New("submission not found")

// Repository handles submission persistence. It implements Store.
type Repository struct {
	pool  *pgxpool.Pool
	forms *forms.Repository
}

// NewRepository creates a submissions repository.
func NewRepository(pool *pgxpool.Pool, formsRepo *forms.Repository) *Repository {
	return &Repository{pool: pool, forms: formsRepo}
}

const submissionColumns = `id, form_id, session_id, user_id, answers, duration_seconds,
	submitter_ip, submitter_user_agent, analysis, analysis_status, created_at`

func scanSubmission(row pgx.Row) (*models.Submission, error) {
	var s models.Submission
	err := row.Scan(&s.ID, &s.FormID, &s.SessionID, &s.UserID, &s.Answers, &s.DurationSeconds,
		&s.SubmitterIP, &s.UserAgent, &s.Analysis, &s.AnalysisStatus, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if s.Answers == nil {
		s.Answers = models.Answers{}
	}
	return &s, nil
}

// LoadSchemaByShortID implements Store.
func (r *Repository) LoadSchemaByShortID(ctx context.Context, shortID string) (*forms.Schema, error) {
	return r.forms.LoadSchemaByShortID(ctx, shortID)
}

const countBySubmitter = `SELECT COUNT(*) FROM form_submissions
	WHERE form_id = $1 AND (($2::uuid IS NOT NULL AND user_id = $2) OR ($2::uuid IS NULL AND session_id = $3))`

// CountBySubmitter implements Store.
func (r *Repository) CountBySubmitter(ctx context.Context, formID uuid.UUID, who Submitter) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, countBySubmitter, formID, who.UserID, who.SessionID).Scan(&n)
	return n, err
}

// Commit implements Store. The form row lock serialises concurrent submitters so the quota
// checks in recheck and the increment act as one step.
func (r *Repository) Commit(ctx context.Context, sub *models.Submission, recheck func(models.Form, int) *Rejection) (*Rejection, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	form, err := forms.ScanForm(tx.QueryRow(ctx, `SELECT `+forms.FormColumns()+` FROM forms WHERE id = $1 FOR UPDATE`, sub.FormID))
	if errors.Is(err, forms.ErrNotFound) {
		return &Rejection{Reason: ReasonFormNotAccepting, Detail: "form not found"}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("lock form: %w", err)
	}
	prior := 0
	if form.MaxPerUser != nil {
		if err := tx.QueryRow(ctx, countBySubmitter, form.ID, sub.UserID, sub.SessionID).Scan(&prior); err != nil {
			return nil, 0, fmt.Errorf("count prior: %w", err)
		}
	}
	if rej := recheck(*form, prior); rej != nil {
		return rej, form.ResponseCount, nil
	}

	const insert = `INSERT INTO form_submissions (id, form_id, session_id, user_id, answers, duration_seconds,
			submitter_ip, submitter_user_agent, analysis_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := tx.Exec(ctx, insert, sub.ID, sub.FormID, sub.SessionID, sub.UserID, sub.Answers,
		sub.DurationSeconds, sub.SubmitterIP, sub.UserAgent, sub.AnalysisStatus, sub.CreatedAt); err != nil {
		return nil, 0, fmt.Errorf("insert submission: %w", err)
	}
	var count int
	const bump = `UPDATE forms SET response_count = response_count + 1 WHERE id = $1 RETURNING response_count`
	if err := tx.QueryRow(ctx, bump, sub.FormID).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("increment response_count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	return nil, count, nil
}

// GetByID returns a submission.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM form_submissions WHERE id = $1`, id))
}

// ListParams pages through a form's submissions.
type ListParams struct {
	Page     int
	PageSize int
	SortBy   string
	Desc     bool
}

var sortColumns = map[string]string{
	"created_at":       "created_at",
	"duration_seconds": "duration_seconds",
}

// List returns one page of a form's submissions and the total count.
func (r *Repository) List(ctx context.Context, formID uuid.UUID, p ListParams) ([]models.Submission, int, error) {
	col, ok := sortColumns[p.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "ASC"
	if p.Desc {
		dir = "DESC"
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM form_submissions WHERE form_id = $1`, formID).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + submissionColumns + ` FROM form_submissions WHERE form_id = $1
		ORDER BY ` + col + ` ` + dir + ` NULLS LAST, id LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, formID, p.PageSize, (p.Page-1)*p.PageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	list := []models.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, *s)
	}
	return list, total, rows.Err()
}

// Each streams every submission of a form, oldest first, to fn.
func (r *Repository) Each(ctx context.Context, formID uuid.UUID, fn func(*models.Submission) error) error {
	rows, err := r.pool.Query(ctx, `SELECT `+submissionColumns+` FROM form_submissions WHERE form_id = $1 ORDER BY created_at, id`, formID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Delete removes a submission and decrements the form's response_count in one transaction.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var formID uuid.UUID
	err = tx.QueryRow(ctx, `DELETE FROM form_submissions WHERE id = $1 RETURNING form_id`, id).Scan(&formID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	const dec = `UPDATE forms SET response_count = GREATEST(response_count - 1, 0) WHERE id = $1`
	if _, err := tx.Exec(ctx, dec, formID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SetAnalysis records the analysis job result.
func (r *Repository) SetAnalysis(ctx context.Context, id uuid.UUID, status models.AnalysisStatus, analysis string) error {
	const query = `UPDATE form_submissions SET analysis_status = $2, analysis = $3 WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, status, analysis)
	return err
}

// Snapshot runs fn inside a read-only repeatable-read transaction so that every query it
// makes sees the same committed state.
func (r *Repository) Snapshot(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SubmissionsInTx returns a form's submissions created in [from, to) within tx. A zero from
// means no lower bound.
func SubmissionsInTx(ctx context.Context, tx pgx.Tx, formID uuid.UUID, from, to time.Time) ([]models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM form_submissions
		WHERE form_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2) AND created_at < $3
		ORDER BY created_at`
	var lower *time.Time
	if !from.IsZero() {
		lower = &from
	}
	rows, err := tx.Query(ctx, query, formID, lower, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []models.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}
