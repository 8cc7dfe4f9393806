package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/multiforms/backend/pkg/queue"
)

// Processor executes one kind of job.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// Failer is implemented by processors that record a terminal failure once a job is dead-lettered.
type Failer interface {
	Fail(ctx context.Context, job *queue.Job, cause error)
}

// JobQueue is the part of queue.Queue the runner uses.
type JobQueue interface {
	Dequeue(ctx context.Context, keys ...string) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) (bool, error)
}

// Runner pulls jobs and dispatches them to processors by type.
type Runner struct {
	queue      JobQueue
	processors map[queue.JobType]Processor
	backoff    time.Duration
	logger     *zap.Logger
}

// NewRunner creates a runner.
func NewRunner(q JobQueue, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		queue:      q,
		processors: make(map[queue.JobType]Processor),
		backoff:    queue.RetryBackoff,
		logger:     logger,
	}
}

// Handle registers p for jobs of type t.
func (r *Runner) Handle(t queue.JobType, p Processor) *Runner {
	r.processors[t] = p
	return r
}

// Process dispatches one job.
func (r *Runner) Process(ctx context.Context, job *queue.Job) error {
	p, ok := r.processors[job.Type]
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	return p.Process(ctx, job)
}

// Run starts the worker loop: dequeue, process, retry on error. It returns when ctx is done.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("worker stopping")
			return
		default:
		}

		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Warn("dequeue error", zap.Error(err))
			r.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		r.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		err = r.Process(ctx, job)
		if err == nil {
			continue
		}
		r.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
		dead, reErr := r.queue.Retry(ctx, job)
		if reErr != nil {
			r.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(reErr))
		}
		if dead {
			if f, ok := r.processors[job.Type].(Failer); ok {
				f.Fail(ctx, job, err)
			}
		}
		r.sleep(ctx)
	}
}

func (r *Runner) sleep(ctx context.Context) {
	t := time.NewTimer(r.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
