package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventReservationCreated     = "reservation_created"
	EventReservationRescheduled = "reservation_rescheduled"
	EventReservationCancelled   = "reservation_cancelled"
)

// ReservationEventPayload is the reservation snapshot handed to subscribers,
// together with what happened to its calendar sync.
type ReservationEventPayload struct {
	ReservationID  string    `json:"reservation_id"`
	ServiceID      string    `json:"service_id"`
	ProfessionalID string    `json:"professional_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Status         string    `json:"status"`
	SyncOutcome    string    `json:"sync_outcome"`
	SyncJobID      int64     `json:"sync_job_id,omitempty"`
}

type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload.
func (e *Event) Decode(dst any) error {
	return json.Unmarshal(e.Payload, dst)
}

type EventHandler func(event *Event) error

// EventBus is an in-process pub/sub. Handler errors are returned joined to
// the caller of Publish, never stop other handlers.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type and returns the first handler error.
func (b *EventBus) Publish(event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var first error
	for _, handler := range handlers {
		// Обработчики синхронные; конкурентность решает вызывающий
		if err := handler(event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
}
