package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobState is the lifecycle of an asynchronous export.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// StatusTTL is how long export job records are kept.
const StatusTTL = 24 * time.Hour

// ErrJobNotFound is returned for unknown or expired export jobs.
var ErrJobNotFound = errors.New("export job not found")

// Job is the status record of an asynchronous export.
type Job struct {
	ID          string     `json:"job_id"`
	FormID      uuid.UUID  `json:"form_id"`
	Format      string     `json:"format"`
	State       JobState   `json:"status"`
	RequestedBy uuid.UUID  `json:"requested_by"`
	Rows        int        `json:"rows"`
	Key         string     `json:"-"`
	URL         string     `json:"download_url,omitempty"`
	URLExpires  *time.Time `json:"download_expires_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StatusStore keeps export job records in Redis.
type StatusStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusStore creates a status store.
func NewStatusStore(client *redis.Client) *StatusStore {
	return &StatusStore{client: client, ttl: StatusTTL}
}

func statusKey(id string) string {
	return fmt.Sprintf("export:job:%s", id)
}

// Save writes the record, refreshing its TTL.
func (s *StatusStore) Save(ctx context.Context, j *Job) error {
	j.UpdatedAt = time.Now()
	data, err := json.Marshal(storedJob{Job: j, StoredKey: j.Key})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, statusKey(j.ID), data, s.ttl).Err()
}

// Get loads a record.
func (s *StatusStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var sj storedJob
	sj.Job = &Job{}
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, err
	}
	sj.Job.Key = sj.StoredKey
	return sj.Job, nil
}

// storedJob persists the object key, which is hidden from API responses.
type storedJob struct {
	*Job
	StoredKey string `json:"object_key,omitempty"`
}
