package engine

import (
	"context"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
)

// MutationEventType labels one point in a mutation's lifecycle.
type MutationEventType string

// Emitted event types.
const (
	eventCreateStart   MutationEventType = "record:create:start"
	eventCreateSuccess MutationEventType = "record:create:success"
	eventCreateFailed  MutationEventType = "record:create:failed"
	eventUpdateStart   MutationEventType = "record:update:start"
	eventUpdateSuccess MutationEventType = "record:update:success"
	eventUpdateFailed  MutationEventType = "record:update:failed"
	eventDeleteStart   MutationEventType = "record:delete:start"
	eventDeleteSuccess MutationEventType = "record:delete:success"
	eventDeleteFailed  MutationEventType = "record:delete:failed"
)

// Exported aliases for subscription call sites.
const (
	EventCreateStart   = eventCreateStart
	EventCreateSuccess = eventCreateSuccess
	EventCreateFailed  = eventCreateFailed
	EventUpdateStart   = eventUpdateStart
	EventUpdateSuccess = eventUpdateSuccess
	EventUpdateFailed  = eventUpdateFailed
	EventDeleteStart   = eventDeleteStart
	EventDeleteSuccess = eventDeleteSuccess
	EventDeleteFailed  = eventDeleteFailed
)

// MutationEvent describes one mutation lifecycle point on a collection.
type MutationEvent struct {
	Type      MutationEventType `json:"type"`
	Operation string            `json:"operation"`
	Table     string            `json:"table"`
	Input     any               `json:"input,omitempty"`
	Result    any               `json:"result,omitempty"`
	Error     *string           `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
}

// MutationCallback handles one delivered event.
type MutationCallback func(ctx context.Context, event MutationEvent) error

type mutationBus = events.TypedEventBus[MutationEvent]

func newMutationBus() (*mutationBus, error) {
	return events.NewTypedEventBus[MutationEvent](events.DefaultConfig())
}

// emit publishes one lifecycle event on the collection's bus.
func (c *Collection) emit(eventType MutationEventType, operation string, input, result any, opErr error, started time.Time) {
	if c.bus == nil {
		return
	}
	event := MutationEvent{
		Type:      eventType,
		Operation: operation,
		Table:     c.model.Table,
		Input:     input,
		Result:    result,
		Timestamp: started,
		Duration:  time.Since(started),
	}
	if opErr != nil {
		msg := opErr.Error()
		event.Error = &msg
	}
	c.bus.Emit(string(eventType), event)
}

// Subscribe registers a callback for one event type and returns the
// registration id used to unsubscribe.
func (c *Collection) Subscribe(eventType MutationEventType, callback MutationCallback) string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	unsubscribe := c.bus.Subscribe(string(eventType), callback)
	id := uuid.New().String()
	c.subscriptions[id] = unsubscribe
	return id
}

// Unsubscribe removes a registration by id. Unknown ids are ignored.
func (c *Collection) Unsubscribe(id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if unsubscribe, ok := c.subscriptions[id]; ok {
		unsubscribe()
		delete(c.subscriptions, id)
	}
}
