package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/multiforms/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Events pushed to form owners.
const (
	EventSubmissionCreated = "submission_created"
	EventFormClosed        = "form_closed"
	EventViewers           = "viewers"
)

// SubmissionCreatedData is the payload of EventSubmissionCreated.
type SubmissionCreatedData struct {
	FormID        uuid.UUID `json:"form_id"`
	SubmissionID  uuid.UUID `json:"submission_id"`
	ResponseCount int       `json:"response_count"`
}

// Publisher publishes form events to every instance.
type Publisher interface {
	PublishFormEvent(formID uuid.UUID, event string, payload []byte) error
}

// Subscriber subscribes to a form's channel and invokes handler for incoming events.
type Subscriber interface {
	SubscribeForm(formID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains form_id -> set of connections and broadcasts messages.
// With Redis configured, events are published and every instance (this one included)
// delivers them from its subscription.
type Hub struct {
	forms     map[uuid.UUID]map[string]*Client
	subs      map[uuid.UUID]func()
	mu        sync.RWMutex
	logger    *zap.Logger
	publisher Publisher
	sub       Subscriber
}

// NewHub creates a new WebSocket hub. pub and sub may be nil for a single instance.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		forms:     make(map[uuid.UUID]map[string]*Client),
		subs:      make(map[uuid.UUID]func()),
		logger:    logger,
		publisher: pub,
		sub:       sub,
	}
}

// Register adds a client to a form's room. Starts the Redis subscription for the form on its first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.forms[c.FormID] == nil {
		h.forms[c.FormID] = make(map[string]*Client)
		if h.sub != nil {
			formID := c.FormID
			cancel, err := h.sub.SubscribeForm(formID, func(event string, payload []byte) {
				h.Broadcast(formID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("form subscription failed", zap.String("form_id", formID.String()), zap.Error(err))
			} else {
				h.subs[formID] = cancel
			}
		}
	}
	h.forms[c.FormID][c.ID] = c
	count := len(h.forms[c.FormID])
	h.mu.Unlock()

	h.Broadcast(c.FormID, EventViewers, map[string]int{"count": count})
	h.logger.Debug("client joined form feed", zap.String("client_id", c.ID), zap.String("form_id", c.FormID.String()))
}

// Unregister removes a client. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	count := 0
	if m, ok := h.forms[c.FormID]; ok {
		delete(m, c.ID)
		count = len(m)
		if count == 0 {
			delete(h.forms, c.FormID)
			if cancel, ok := h.subs[c.FormID]; ok {
				cancel()
				delete(h.subs, c.FormID)
			}
		}
	}
	h.mu.Unlock()

	if count > 0 {
		h.Broadcast(c.FormID, EventViewers, map[string]int{"count": count})
	}
	h.logger.Debug("client left form feed", zap.String("client_id", c.ID), zap.String("form_id", c.FormID.String()))
}

// Broadcast sends a message to all local clients watching a form.
func (h *Hub) Broadcast(formID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.forms[formID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to every instance. Without Redis it broadcasts locally.
func (h *Hub) Publish(formID uuid.UUID, event string, payload interface{}) {
	if h.publisher == nil {
		h.Broadcast(formID, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.publisher.PublishFormEvent(formID, event, data); err != nil {
		h.logger.Warn("publish form event failed", zap.String("form_id", formID.String()), zap.String("event", event), zap.Error(err))
		h.Broadcast(formID, event, json.RawMessage(data))
	}
}

// Watchers returns the number of local clients watching a form.
func (h *Hub) Watchers(formID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.forms[formID])
}

// SubmissionCreated implements submissions.Notifier.
func (h *Hub) SubmissionCreated(_ context.Context, form models.Form, sub *models.Submission, count int) {
	h.Publish(form.ID, EventSubmissionCreated, SubmissionCreatedData{
		FormID:        form.ID,
		SubmissionID:  sub.ID,
		ResponseCount: count,
	})
}
