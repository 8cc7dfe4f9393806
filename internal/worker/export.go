package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/multiforms/backend/internal/export"
	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/pkg/queue"
	"github.com/multiforms/backend/pkg/storage"
)

// SchemaLoader loads a form with its questions.
type SchemaLoader interface {
	LoadSchema(ctx context.Context, id uuid.UUID) (*forms.Schema, error)
}

// Uploader is the object storage the export job writes to. *storage.S3 implements it.
type Uploader interface {
	UploadExport(ctx context.Context, key, contentType, filename string, body io.Reader) error
	PresignDownload(ctx context.Context, key string) (string, error)
	DeleteExport(ctx context.Context, key string) error
	PresignExpire() time.Duration
}

// JobStatus persists export job records. *export.StatusStore implements it.
type JobStatus interface {
	Save(ctx context.Context, j *export.Job) error
	Get(ctx context.Context, id string) (*export.Job, error)
}

// ExportProcessor renders a form's submissions into object storage.
type ExportProcessor struct {
	forms    SchemaLoader
	source   export.Source
	uploader Uploader
	status   JobStatus
	logger   *zap.Logger
	now      func() time.Time
}

// NewExportProcessor creates an export processor.
func NewExportProcessor(formsRepo SchemaLoader, source export.Source, uploader Uploader, status JobStatus, logger *zap.Logger) *ExportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportProcessor{forms: formsRepo, source: source, uploader: uploader, status: status, logger: logger, now: time.Now}
}

func (p *ExportProcessor) record(ctx context.Context, payload queue.ExportPayload) *export.Job {
	j, err := p.status.Get(ctx, payload.JobID)
	if err != nil {
		j = &export.Job{
			ID:          payload.JobID,
			FormID:      payload.FormID,
			Format:      payload.Format,
			RequestedBy: payload.RequestedBy,
			CreatedAt:   p.now(),
		}
	}
	return j
}

// Process executes one export job.
func (p *ExportProcessor) Process(ctx context.Context, job *queue.Job) error {
	var payload queue.ExportPayload
	if err := job.Decode(&payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	rec := p.record(ctx, payload)
	if rec.State == export.JobCompleted {
		return nil
	}

	schema, err := p.forms.LoadSchema(ctx, payload.FormID)
	if errors.Is(err, forms.ErrNotFound) {
		rec.State, rec.Error = export.JobFailed, "form not found"
		return p.status.Save(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("load form: %w", err)
	}
	format, err := export.ParseFormat(payload.Format)
	if err != nil {
		rec.State, rec.Error = export.JobFailed, err.Error()
		return p.status.Save(ctx, rec)
	}

	rec.State, rec.Error = export.JobProcessing, ""
	if err := p.status.Save(ctx, rec); err != nil {
		return fmt.Errorf("save status: %w", err)
	}

	key := storage.ExportKey(payload.FormID.String(), payload.JobID, format)
	filename := export.Filename(schema.Form, format, p.now())
	rows, err := p.stream(ctx, schema, format, key, filename)
	if err != nil {
		return err
	}

	url, err := p.uploader.PresignDownload(ctx, key)
	if err != nil {
		return fmt.Errorf("presign: %w", err)
	}
	expires := p.now().Add(p.uploader.PresignExpire())
	rec.State, rec.Rows, rec.Key, rec.URL, rec.URLExpires = export.JobCompleted, rows, key, url, &expires
	if err := p.status.Save(ctx, rec); err != nil {
		if delErr := p.uploader.DeleteExport(ctx, key); delErr != nil {
			p.logger.Warn("orphaned export object", zap.String("key", key), zap.Error(delErr))
		}
		return fmt.Errorf("save status: %w", err)
	}
	p.logger.Info("export completed", zap.String("job_id", payload.JobID), zap.String("form_id", payload.FormID.String()), zap.Int("rows", rows))
	return nil
}

// stream pipes the rendered export straight into the upload.
func (p *ExportProcessor) stream(ctx context.Context, schema *forms.Schema, format, key, filename string) (int, error) {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	rows := 0
	g.Go(func() error {
		n, err := export.Write(gctx, p.source, schema.Form.ID, schema.Questions, pw, format)
		rows = n
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := p.uploader.UploadExport(gctx, key, storage.ContentTypeForFormat(format), filename, pr)
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	return rows, nil
}

// Fail implements Failer.
func (p *ExportProcessor) Fail(ctx context.Context, job *queue.Job, cause error) {
	var payload queue.ExportPayload
	if err := job.Decode(&payload); err != nil {
		return
	}
	rec := p.record(ctx, payload)
	rec.State, rec.Error = export.JobFailed, cause.Error()
	if err := p.status.Save(ctx, rec); err != nil {
		p.logger.Error("mark export failed", zap.String("job_id", payload.JobID), zap.Error(err))
	}
}
