package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/insights"
	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/submissions"
	"github.com/multiforms/backend/pkg/queue"
)

// SubmissionStore is what the analysis job reads and writes.
type SubmissionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Submission, error)
	SetAnalysis(ctx context.Context, id uuid.UUID, status models.AnalysisStatus, analysis string) error
}

// QuestionLister loads a form's questions.
type QuestionLister interface {
	ListByForm(ctx context.Context, formID uuid.UUID) ([]models.Question, error)
}

// AnalysisProcessor stores a rule-based summary on each new submission.
type AnalysisProcessor struct {
	subs      SubmissionStore
	questions QuestionLister
	logger    *zap.Logger
}

// NewAnalysisProcessor creates an analysis processor.
func NewAnalysisProcessor(subs SubmissionStore, qs QuestionLister, logger *zap.Logger) *AnalysisProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisProcessor{subs: subs, questions: qs, logger: logger}
}

// Process executes one analysis job.
func (p *AnalysisProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.AnalysisPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	sub, err := p.subs.GetByID(ctx, payload.SubmissionID)
	if errors.Is(err, submissions.ErrNotFound) {
		p.logger.Info("submission deleted before analysis", zap.String("submission_id", payload.SubmissionID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}
	if sub.AnalysisStatus == models.AnalysisCompleted {
		return nil
	}
	if err := p.subs.SetAnalysis(ctx, sub.ID, models.AnalysisProcessing, ""); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	qs, err := p.questions.ListByForm(ctx, sub.FormID)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	summary := insights.Analyze(qs, sub.Answers)
	if err := p.subs.SetAnalysis(ctx, sub.ID, models.AnalysisCompleted, summary.Text); err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	p.logger.Info("submission analysed", zap.String("submission_id", sub.ID.String()), zap.Int("answered", summary.Answered))
	return nil
}

// Fail implements Failer.
func (p *AnalysisProcessor) Fail(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.AnalysisPayload
	if err := job.Decode(&payload); err != nil {
		return
	}
	if err := p.subs.SetAnalysis(ctx, payload.SubmissionID, models.AnalysisFailed, ""); err != nil {
		p.logger.Error("mark analysis failed", zap.String("submission_id", payload.SubmissionID.String()), zap.Error(err))
		return
	}
	p.logger.Warn("analysis abandoned", zap.String("submission_id", payload.SubmissionID.String()), zap.Error(cause))
}
