package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multiforms/backend/internal/models"
)

func newClient(h *Hub, formID uuid.UUID) *Client {
	return &Client{ID: uuid.New().String(), FormID: formID, hub: h, send: make(chan WSMessage, 16)}
}

func drain(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func events(msgs []WSMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Event
	}
	return out
}

// loopback delivers published events to subscribers in-process, like a single Redis server.
type loopback struct {
	mu       sync.Mutex
	handlers map[uuid.UUID]func(string, []byte)
	cancels  int
	fail     error
}

func newLoopback() *loopback {
	return &loopback{handlers: make(map[uuid.UUID]func(string, []byte))}
}

func (l *loopback) PublishFormEvent(formID uuid.UUID, event string, payload []byte) error {
	if l.fail != nil {
		return l.fail
	}
	l.mu.Lock()
	h := l.handlers[formID]
	l.mu.Unlock()
	if h != nil {
		h(event, payload)
	}
	return nil
}

func (l *loopback) SubscribeForm(formID uuid.UUID, handler func(string, []byte)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[formID] = handler
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers, formID)
		l.cancels++
	}, nil
}

func TestHubBroadcastIsScopedToForm(t *testing.T) {
	h := NewHub(nil, nil, nil)
	formA, formB := uuid.New(), uuid.New()
	a1, a2, b := newClient(h, formA), newClient(h, formA), newClient(h, formB)
	h.Register(a1)
	h.Register(a2)
	h.Register(b)
	drain(a1)
	drain(a2)
	drain(b)

	h.Broadcast(formA, EventSubmissionCreated, map[string]int{"response_count": 3})

	assert.Equal(t, []string{EventSubmissionCreated}, events(drain(a1)))
	assert.Equal(t, []string{EventSubmissionCreated}, events(drain(a2)))
	assert.Empty(t, drain(b))
	assert.Equal(t, 2, h.Watchers(formA))
}

func TestHubViewerCounts(t *testing.T) {
	h := NewHub(nil, nil, nil)
	formID := uuid.New()
	first, second := newClient(h, formID), newClient(h, formID)

	h.Register(first)
	h.Register(second)
	msgs := drain(first)
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"count":2}`, string(msgs[1].Data))

	h.Unregister(second)
	msgs = drain(first)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventViewers, msgs[0].Event)
	assert.JSONEq(t, `{"count":1}`, string(msgs[0].Data))

	h.Unregister(first)
	assert.Equal(t, 0, h.Watchers(formID))
}

func TestHubSubmissionCreatedThroughPubSub(t *testing.T) {
	bus := newLoopback()
	h := NewHub(nil, bus, bus)
	form := models.Form{ID: uuid.New()}
	c := newClient(h, form.ID)
	h.Register(c)
	drain(c)

	sub := &models.Submission{ID: uuid.New(), FormID: form.ID}
	h.SubmissionCreated(context.Background(), form, sub, 7)

	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, EventSubmissionCreated, msgs[0].Event)
	var got SubmissionCreatedData
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, SubmissionCreatedData{FormID: form.ID, SubmissionID: sub.ID, ResponseCount: 7}, got)

	h.Unregister(c)
	assert.Equal(t, 1, bus.cancels)
}

func TestHubPublishFallsBackToLocal(t *testing.T) {
	bus := newLoopback()
	h := NewHub(nil, bus, bus)
	formID := uuid.New()
	c := newClient(h, formID)
	h.Register(c)
	drain(c)

	bus.fail = errors.New("redis down")
	h.Publish(formID, EventFormClosed, map[string]string{"form_id": formID.String()})

	assert.Equal(t, []string{EventFormClosed}, events(drain(c)))
}

func TestHubWithoutRedis(t *testing.T) {
	h := NewHub(nil, nil, nil)
	form := models.Form{ID: uuid.New()}
	c := newClient(h, form.ID)
	h.Register(c)
	drain(c)

	h.SubmissionCreated(context.Background(), form, &models.Submission{ID: uuid.New()}, 1)
	assert.Equal(t, []string{EventSubmissionCreated}, events(drain(c)))
}
