package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/models"
)

// Source loads a consistent snapshot of a form for a date range.
type Source interface {
	Load(ctx context.Context, formID uuid.UUID, r DateRange, marks Marks) (*Snapshot, error)
}

// StatsCache is the cache the service reads through. *Cache implements it.
type StatsCache interface {
	Get(ctx context.Context, formID uuid.UUID, r DateRange, g Granularity) (*Stats, int64, error)
	Set(ctx context.Context, st *Stats, version int64) error
}

// Service answers getStats.
type Service struct {
	source Source
	cache  StatsCache
	loc    *time.Location
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a stats service. cache may be nil.
func NewService(source Source, cache StatsCache, loc *time.Location, logger *zap.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{source: source, cache: cache, loc: loc, logger: logger, now: time.Now}
}

// WithClock replaces the service's time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Location is the timezone trends are bucketed in.
func (s *Service) Location() *time.Location { return s.loc }

// Stats computes stats for form over q. Cache failures are logged and fall through to Postgres.
func (s *Service) Stats(ctx context.Context, form models.Form, q RangeQuery, g Granularity) (*Stats, error) {
	now := s.now()
	r, err := q.Resolve(now, form.CreatedAt, s.loc)
	if err != nil {
		return nil, err
	}
	cacheable := false
	var version int64
	if s.cache != nil {
		st, v, err := s.cache.Get(ctx, form.ID, r, g)
		if err != nil {
			s.logger.Warn("stats cache read failed", zap.String("form_id", form.ID.String()), zap.Error(err))
		}
		if st != nil {
			return st, nil
		}
		cacheable, version = err == nil, v
	}
	snap, err := s.source.Load(ctx, form.ID, r, MarksAt(now, s.loc))
	if err != nil {
		return nil, err
	}
	st := Compute(snap, r, g, s.loc, now)
	if cacheable {
		if err := s.cache.Set(ctx, st, version); err != nil {
			s.logger.Warn("stats cache write failed", zap.String("form_id", form.ID.String()), zap.Error(err))
		}
	}
	return st, nil
}

// Results returns all-time per-question stats for a form's public results page.
func (s *Service) Results(ctx context.Context, form models.Form) ([]QuestionStats, error) {
	st, err := s.Stats(ctx, form, RangeQuery{Range: "all"}, Month)
	if err != nil {
		return nil, err
	}
	return st.Questions, nil
}
