package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	due    map[uuid.UUID]bool
	swept  []uuid.UUID
	err    error
	calls  int
	lastAt time.Time
}

func (f *fakeCloser) CloseIfExpired(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	f.calls++
	f.lastAt = now
	if f.err != nil {
		return false, f.err
	}
	return f.due[id], nil
}

func (f *fakeCloser) CloseExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	f.lastAt = now
	return f.swept, f.err
}

func TestHandleCloseForm(t *testing.T) {
	id := uuid.New()
	store := &fakeCloser{due: map[uuid.UUID]bool{id: true}}
	var closed []uuid.UUID
	h := NewHandlers(store, func(_ context.Context, formID uuid.UUID) { closed = append(closed, formID) }, nil)
	fixed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	task, err := NewCloseFormTask(id)
	require.NoError(t, err)
	require.NoError(t, h.HandleCloseForm(context.Background(), task))
	assert.Equal(t, []uuid.UUID{id}, closed)
	assert.Equal(t, fixed, store.lastAt)

	other, err := NewCloseFormTask(uuid.New())
	require.NoError(t, err)
	require.NoError(t, h.HandleCloseForm(context.Background(), other))
	assert.Len(t, closed, 1)
}

func TestHandleCloseFormBadPayloadSkipsRetry(t *testing.T) {
	h := NewHandlers(&fakeCloser{}, nil, nil)
	err := h.HandleCloseForm(context.Background(), asynq.NewTask(TypeCloseForm, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleCloseFormStoreError(t *testing.T) {
	boom := errors.New("db down")
	h := NewHandlers(&fakeCloser{err: boom}, nil, nil)
	task, err := NewCloseFormTask(uuid.New())
	require.NoError(t, err)
	assert.ErrorIs(t, h.HandleCloseForm(context.Background(), task), boom)
}

func TestHandleSweep(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	var closed []uuid.UUID
	h := NewHandlers(&fakeCloser{swept: ids}, func(_ context.Context, id uuid.UUID) { closed = append(closed, id) }, nil)
	require.NoError(t, h.HandleSweep(context.Background(), NewSweepTask()))
	assert.Equal(t, ids, closed)
}

func TestCloseFormTaskPayload(t *testing.T) {
	id := uuid.New()
	task, err := NewCloseFormTask(id)
	require.NoError(t, err)
	assert.Equal(t, TypeCloseForm, task.Type())

	var p CloseFormPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, id, p.FormID)
	assert.Equal(t, "close-form-"+id.String(), TaskID(id))
}
