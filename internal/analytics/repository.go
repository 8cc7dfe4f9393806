package analytics

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/internal/questions"
	"github.com/multiforms/backend/internal/submissions"
)

// Repository reads stats snapshots from Postgres.
type Repository struct {
	subs      *submissions.Repository
	questions *questions.Repository
}

// NewRepository creates an analytics repository on top of the submissions and questions stores.
func NewRepository(subs *submissions.Repository, qs *questions.Repository) *Repository {
	return &Repository{subs: subs, questions: qs}
}

const countsQuery = `SELECT
		COUNT(*),
		AVG(duration_seconds)::float8,
		COUNT(*) FILTER (WHERE created_at >= $2),
		COUNT(*) FILTER (WHERE created_at >= $3),
		COUNT(*) FILTER (WHERE created_at >= $4)
	FROM form_submissions WHERE form_id = $1`

// Load reads the form, its questions, the submissions in r and the whole-form totals from
// one repeatable-read snapshot, so concurrent submissions never show up half-applied.
func (r *Repository) Load(ctx context.Context, formID uuid.UUID, rng DateRange, marks Marks) (*Snapshot, error) {
	var snap Snapshot
	err := r.subs.Snapshot(ctx, func(tx pgx.Tx) error {
		form, err := forms.ScanForm(tx.QueryRow(ctx, `SELECT `+forms.FormColumns()+` FROM forms WHERE id = $1`, formID))
		if err != nil {
			return err
		}
		snap.Form = *form

		qs, err := r.questions.WithTx(tx).ListByForm(ctx, formID)
		if err != nil {
			return fmt.Errorf("load questions: %w", err)
		}
		snap.Questions = qs

		subs, err := submissions.SubmissionsInTx(ctx, tx, formID, rng.From, rng.To)
		if err != nil {
			return fmt.Errorf("load submissions: %w", err)
		}
		snap.Submissions = subs

		c := &snap.Counts
		if err := tx.QueryRow(ctx, countsQuery, formID, marks.Today, marks.Week, marks.Month).
			Scan(&c.Responses, &c.AvgDuration, &c.Today, &c.ThisWeek, &c.ThisMonth); err != nil {
			return fmt.Errorf("count submissions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
