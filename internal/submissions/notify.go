package submissions

import (
	"context"

	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/pkg/queue"
)

// AnalysisQueue accepts analysis jobs.
type AnalysisQueue interface {
	EnqueueAnalysis(ctx context.Context, payload queue.AnalysisPayload) error
}

// AnalysisNotifier enqueues an analysis job for every persisted submission. A failed enqueue
// leaves the submission pending; the submission itself is already committed.
type AnalysisNotifier struct {
	queue  AnalysisQueue
	logger *zap.Logger
}

// NewAnalysisNotifier creates the notifier.
func NewAnalysisNotifier(q AnalysisQueue, logger *zap.Logger) *AnalysisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisNotifier{queue: q, logger: logger}
}

// SubmissionCreated implements Notifier.
func (n *AnalysisNotifier) SubmissionCreated(ctx context.Context, form models.Form, sub *models.Submission, _ int) {
	err := n.queue.EnqueueAnalysis(ctx, queue.AnalysisPayload{SubmissionID: sub.ID, FormID: form.ID})
	if err != nil {
		n.logger.Warn("enqueue analysis failed", zap.String("submission_id", sub.ID.String()), zap.Error(err))
	}
}
