package submissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/forms"
	"github.com/multiforms/backend/internal/models"
	"github.com/multiforms/backend/internal/questions"
	"github.com/multiforms/backend/pkg/utils"
)

// ErrPersistence wraps storage failures. No partial state is committed, so the attempt may be retried.
var ErrPersistence = errors.New("submission could not be persisted")

// RejectReason is a stable code for a refused submission.
type RejectReason string

const (
	ReasonFormNotAccepting     RejectReason = "FormNotAcceptingSubmissions"
	ReasonFormExpired          RejectReason = "FormExpired"
	ReasonResponseLimitReached RejectReason = "ResponseLimitReached"
	ReasonAccessDenied         RejectReason = "AccessDenied"
	ReasonPerUserLimitReached  RejectReason = "PerUserLimitReached"
	ReasonValidationFailed     RejectReason = "ValidationFailed"
)

// Rejection explains why a submission was not accepted. For ReasonValidationFailed,
// QuestionID and Validation name the offending answer.
type Rejection struct {
	Reason     RejectReason     `json:"reason"`
	QuestionID string           `json:"question_id,omitempty"`
	Validation questions.Reason `json:"validation,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

// Outcome is the result of a submission attempt: either a persisted submission or a rejection.
type Outcome struct {
	Submission    *models.Submission
	ResponseCount int
	Rejection     *Rejection
}

// Admitted reports whether the submission was persisted.
func (o Outcome) Admitted() bool { return o.Rejection == nil && o.Submission != nil }

// Request is one submission attempt from a respondent.
type Request struct {
	ShortID         string
	SessionID       string
	UserID          *uuid.UUID
	Email           string
	Password        string
	Answers         models.Answers
	DurationSeconds *int
	IP              string
	UserAgent       string
}

// Submitter identifies who a per-user quota is counted against: the user when signed in,
// otherwise the anonymous session.
type Submitter struct {
	SessionID string
	UserID    *uuid.UUID
}

// Store is the persistence the engine needs.
type Store interface {
	LoadSchemaByShortID(ctx context.Context, shortID string) (*forms.Schema, error)
	CountBySubmitter(ctx context.Context, formID uuid.UUID, who Submitter) (int, error)
	// Commit locks the form, calls recheck with the locked row and the submitter's prior
	// count, and when it returns nil inserts sub and increments response_count in the same
	// transaction. It returns the new response count.
	Commit(ctx context.Context, sub *models.Submission, recheck func(form models.Form, prior int) *Rejection) (*Rejection, int, error)
}

// Notifier is told about every persisted submission. Implementations must not block.
type Notifier interface {
	SubmissionCreated(ctx context.Context, form models.Form, sub *models.Submission, responseCount int)
}

// Notifiers fans out to several notifiers.
type Notifiers []Notifier

// SubmissionCreated implements Notifier.
func (ns Notifiers) SubmissionCreated(ctx context.Context, form models.Form, sub *models.Submission, n int) {
	for _, x := range ns {
		x.SubmissionCreated(ctx, form, sub, n)
	}
}

// Engine admits, validates and persists submissions.
type Engine struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a submission engine. notifier may be nil.
func NewEngine(store Store, notifier Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = Notifiers(nil)
	}
	return &Engine{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// attempt is the state threaded through the admission gates.
type attempt struct {
	req  Request
	form models.Form
	now  time.Time
	who  Submitter
}

type gate func(ctx context.Context, e *Engine, a *attempt) (*Rejection, error)

// admissionGates run in order; the first rejection wins.
var admissionGates = []gate{
	statusGate,
	expiryGate,
	quotaGate,
	accessGate,
	perUserGate,
}

func statusGate(_ context.Context, _ *Engine, a *attempt) (*Rejection, error) {
	return checkStatus(a.form, a.now), nil
}

func expiryGate(_ context.Context, _ *Engine, a *attempt) (*Rejection, error) {
	return checkExpiry(a.form, a.now), nil
}

func quotaGate(_ context.Context, _ *Engine, a *attempt) (*Rejection, error) {
	return checkQuota(a.form), nil
}

func accessGate(_ context.Context, _ *Engine, a *attempt) (*Rejection, error) {
	switch a.form.AccessType {
	case models.AccessPassword:
		if a.req.Password == "" || !utils.CheckPassword(a.req.Password, a.form.AccessPassword) {
			return &Rejection{Reason: ReasonAccessDenied, Detail: "incorrect password"}, nil
		}
	case models.AccessAllowlist:
		if !EmailAllowed(a.form.AllowedEmails, a.req.Email) {
			return &Rejection{Reason: ReasonAccessDenied, Detail: "not on the invitation list"}, nil
		}
	}
	return nil, nil
}

func perUserGate(ctx context.Context, e *Engine, a *attempt) (*Rejection, error) {
	if a.form.MaxPerUser == nil {
		return nil, nil
	}
	prior, err := e.store.CountBySubmitter(ctx, a.form.ID, a.who)
	if err != nil {
		return nil, err
	}
	return checkPerUser(a.form, prior), nil
}

// checkStatus admits published forms only. A form the deadline sweep closed still reports
// FormExpired so respondents see why it stopped accepting.
func checkStatus(f models.Form, now time.Time) *Rejection {
	if f.Status == models.FormStatusPublished {
		return nil
	}
	if f.Status == models.FormStatusClosed && checkExpiry(f, now) != nil {
		return &Rejection{Reason: ReasonFormExpired}
	}
	return &Rejection{Reason: ReasonFormNotAccepting}
}

func checkExpiry(f models.Form, now time.Time) *Rejection {
	if f.ExpiresAt != nil && !now.Before(*f.ExpiresAt) {
		return &Rejection{Reason: ReasonFormExpired}
	}
	return nil
}

func checkQuota(f models.Form) *Rejection {
	if f.MaxResponses != nil && f.ResponseCount >= *f.MaxResponses {
		return &Rejection{Reason: ReasonResponseLimitReached}
	}
	return nil
}

func checkPerUser(f models.Form, prior int) *Rejection {
	if f.MaxPerUser != nil && prior >= *f.MaxPerUser {
		return &Rejection{Reason: ReasonPerUserLimitReached}
	}
	return nil
}

// EmailAllowed reports whether email is on the allowlist, ignoring case.
func EmailAllowed(list []string, email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	for _, e := range list {
		if strings.EqualFold(strings.TrimSpace(e), email) {
			return true
		}
	}
	return false
}

// Submit runs one attempt through admission, validation and persistence. Rejections are
// returned in the Outcome; the error is reserved for broken schemas and ErrPersistence.
func (e *Engine) Submit(ctx context.Context, req Request) (Outcome, error) {
	schema, err := e.store.LoadSchemaByShortID(ctx, req.ShortID)
	if errors.Is(err, forms.ErrNotFound) {
		return e.reject(req, uuid.Nil, &Rejection{Reason: ReasonFormNotAccepting, Detail: "form not found"}), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: load form: %v", ErrPersistence, err)
	}

	a := &attempt{
		req:  req,
		form: schema.Form,
		now:  e.now(),
		who:  Submitter{SessionID: req.SessionID, UserID: req.UserID},
	}
	for _, g := range admissionGates {
		rej, err := g(ctx, e, a)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if rej != nil {
			return e.reject(req, a.form.ID, rej), nil
		}
	}

	if err := schema.Check(); err != nil {
		return Outcome{}, fmt.Errorf("form %s: %w", a.form.ID, err)
	}
	answers := make(models.Answers, len(schema.Questions))
	for _, q := range schema.Questions {
		value := req.Answers[q.ID]
		inv, err := questions.Validate(q, value)
		if err != nil {
			return Outcome{}, err
		}
		if inv != nil {
			return e.reject(req, a.form.ID, &Rejection{
				Reason:     ReasonValidationFailed,
				QuestionID: q.ID,
				Validation: inv.Reason,
				Detail:     inv.Detail,
			}), nil
		}
		if !questions.IsEmpty(value) {
			answers[q.ID] = value
		}
	}

	sub := &models.Submission{
		ID:              uuid.New(),
		FormID:          a.form.ID,
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		Answers:         answers,
		DurationSeconds: req.DurationSeconds,
		SubmitterIP:     req.IP,
		UserAgent:       req.UserAgent,
		AnalysisStatus:  models.AnalysisPending,
		CreatedAt:       a.now,
	}
	rej, count, err := e.store.Commit(ctx, sub, func(locked models.Form, prior int) *Rejection {
		for _, r := range []*Rejection{
			checkStatus(locked, e.now()),
			checkExpiry(locked, e.now()),
			checkQuota(locked),
			checkPerUser(locked, prior),
		} {
			if r != nil {
				return r
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("submission commit failed", zap.String("form_id", a.form.ID.String()), zap.Error(err))
		return Outcome{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if rej != nil {
		return e.reject(req, a.form.ID, rej), nil
	}

	e.logger.Info("submission accepted",
		zap.String("form_id", a.form.ID.String()),
		zap.String("submission_id", sub.ID.String()),
		zap.Int("response_count", count),
	)
	e.notifier.SubmissionCreated(ctx, a.form, sub, count)
	return Outcome{Submission: sub, ResponseCount: count}, nil
}

func (e *Engine) reject(req Request, formID uuid.UUID, r *Rejection) Outcome {
	e.logger.Info("submission rejected",
		zap.String("short_id", req.ShortID),
		zap.String("form_id", formID.String()),
		zap.String("reason", string(r.Reason)),
		zap.String("question_id", r.QuestionID),
	)
	return Outcome{Rejection: r}
}

// VerifyPassword checks a password against a password-gated form without side effects.
// Forms that are not password-gated always pass.
func VerifyPassword(form models.Form, password string) bool {
	if form.AccessType != models.AccessPassword {
		return true
	}
	return password != "" && utils.CheckPassword(password, form.AccessPassword)
}
