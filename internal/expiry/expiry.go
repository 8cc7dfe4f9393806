// Package expiry closes published forms once their deadline passes. The API schedules one
// delayed task per form; the worker also sweeps periodically in case a task was lost.
package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/models"
)

const (
	TypeCloseForm    = "form:close"
	TypeSweepExpired = "forms:sweep_expired"

	// SweepSpec is the cron spec of the periodic sweep.
	SweepSpec = "@every 1m"

	queueName = "default"
)

// CloseFormPayload names the form to close.
type CloseFormPayload struct {
	FormID uuid.UUID `json:"form_id"`
}

// NewCloseFormTask builds the delayed close task for one form.
func NewCloseFormTask(formID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(CloseFormPayload{FormID: formID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCloseForm, payload), nil
}

// NewSweepTask builds the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweepExpired, nil)
}

// TaskID is the stable id of a form's close task, so rescheduling replaces it.
func TaskID(formID uuid.UUID) string {
	return "close-form-" + formID.String()
}

// Scheduler enqueues and cancels close tasks.
type Scheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    *zap.Logger
	now       func() time.Time
}

// NewScheduler creates a scheduler on the given Redis connection.
func NewScheduler(opt asynq.RedisClientOpt, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		logger:    logger,
		now:       time.Now,
	}
}

// Close releases the Redis connections.
func (s *Scheduler) Close() error {
	return errors.Join(s.client.Close(), s.inspector.Close())
}

// Cancel removes a pending close task, if any.
func (s *Scheduler) Cancel(_ context.Context, formID uuid.UUID) error {
	err := s.inspector.DeleteTask(queueName, TaskID(formID))
	if err == nil || errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return err
}

// Schedule replaces the form's close task. Only published forms with a future deadline get one.
func (s *Scheduler) Schedule(ctx context.Context, form models.Form) error {
	if err := s.Cancel(ctx, form.ID); err != nil {
		return fmt.Errorf("cancel close task: %w", err)
	}
	if form.Status != models.FormStatusPublished || form.ExpiresAt == nil || !form.ExpiresAt.After(s.now()) {
		return nil
	}
	task, err := NewCloseFormTask(form.ID)
	if err != nil {
		return err
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.ProcessAt(*form.ExpiresAt),
		asynq.TaskID(TaskID(form.ID)),
		asynq.Queue(queueName),
		asynq.MaxRetry(5),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		s.logger.Warn("close task already queued", zap.String("form_id", form.ID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue close task: %w", err)
	}
	s.logger.Info("close task scheduled", zap.String("form_id", form.ID.String()), zap.Time("run_at", *form.ExpiresAt))
	return nil
}

// Closer is the form storage the handlers act on.
type Closer interface {
	CloseIfExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	CloseExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// Handlers process close and sweep tasks in the worker.
type Handlers struct {
	forms   Closer
	onClose func(ctx context.Context, formID uuid.UUID)
	logger  *zap.Logger
	now     func() time.Time
}

// NewHandlers creates task handlers. onClose, if set, runs for every form closed.
func NewHandlers(forms Closer, onClose func(ctx context.Context, formID uuid.UUID), logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{forms: forms, onClose: onClose, logger: logger, now: time.Now}
}

// Register adds the handlers to mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeCloseForm, h.HandleCloseForm)
	mux.HandleFunc(TypeSweepExpired, h.HandleSweep)
}

// HandleCloseForm closes the form named in the payload if it is still due.
func (h *Handlers) HandleCloseForm(ctx context.Context, t *asynq.Task) error {
	var payload CloseFormPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	closed, err := h.forms.CloseIfExpired(ctx, payload.FormID, h.now())
	if err != nil {
		return err
	}
	if closed {
		h.closed(ctx, payload.FormID)
	} else {
		h.logger.Debug("close task skipped", zap.String("form_id", payload.FormID.String()))
	}
	return nil
}

// HandleSweep closes every published form whose deadline has passed.
func (h *Handlers) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	ids, err := h.forms.CloseExpired(ctx, h.now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		h.closed(ctx, id)
	}
	return nil
}

func (h *Handlers) closed(ctx context.Context, id uuid.UUID) {
	h.logger.Info("form closed at deadline", zap.String("form_id", id.String()))
	if h.onClose != nil {
		h.onClose(ctx, id)
	}
}
