package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/models"
)

// Cache stores computed stats in Redis. Every form has a version counter that is part of
// each entry's key; bumping it orphans all cached entries for the form, which then expire.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache creates a stats cache. A zero ttl disables caching.
func NewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func versionKey(formID uuid.UUID) string {
	return fmt.Sprintf("stats:form:%s:version", formID)
}

func entryKey(formID uuid.UUID, version int64, r DateRange, g Granularity) string {
	return fmt.Sprintf("stats:form:%s:v%d:%d:%d:%s", formID, version, r.From.Unix(), r.To.Unix(), g)
}

func (c *Cache) enabled() bool { return c != nil && c.client != nil && c.ttl > 0 }

func (c *Cache) version(ctx context.Context, formID uuid.UUID) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(formID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// Get returns cached stats, or nil on a miss, together with the version it looked under.
// Pass that version to Set so stats loaded after an invalidation land under the old key.
func (c *Cache) Get(ctx context.Context, formID uuid.UUID, r DateRange, g Granularity) (*Stats, int64, error) {
	if !c.enabled() {
		return nil, 0, nil
	}
	v, err := c.version(ctx, formID)
	if err != nil {
		return nil, 0, err
	}
	data, err := c.client.Get(ctx, entryKey(formID, v, r, g)).Bytes()
	if err == redis.Nil {
		return nil, v, nil
	}
	if err != nil {
		return nil, v, err
	}
	var st Stats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, v, err
	}
	return &st, v, nil
}

// Set stores stats under version v, as returned by Get before the stats were loaded.
func (c *Cache) Set(ctx context.Context, st *Stats, v int64) error {
	if !c.enabled() {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, entryKey(st.FormID, v, st.Range, st.Granularity), data, c.ttl).Err()
}

// Invalidate bumps the form's version.
func (c *Cache) Invalidate(ctx context.Context, formID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, versionKey(formID)).Err()
}

// SubmissionCreated implements submissions.Notifier.
func (c *Cache) SubmissionCreated(ctx context.Context, form models.Form, _ *models.Submission, _ int) {
	if err := c.Invalidate(ctx, form.ID); err != nil {
		c.logger.Warn("stats cache invalidate failed", zap.String("form_id", form.ID.String()), zap.Error(err))
	}
}
