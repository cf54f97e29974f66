package billing

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RoomFox/internal/pkg/entitlements"
)

type EventType string

const (
	EventUpdated     EventType = "updated"
	EventCancelled   EventType = "cancelled"
	EventReactivated EventType = "reactivated"
	EventError       EventType = "error"
)

// Event is the structured payload pushed to subscription observers. It
// replaces ad hoc broadcast notifications with a typed shape UI bindings can
// consume directly.
type Event struct {
	Type           EventType          `json:"type"`
	UserID         uint               `json:"user_id"`
	Plan           entitlements.Plan  `json:"plan"`
	RoomLimit      int                `json:"room_limit"`
	GracePeriodEnd *time.Time         `json:"grace_period_end,omitempty"`
	OwnedRooms     int                `json:"owned_rooms"`
	Message        string             `json:"message,omitempty"`
}

// Events is a minimal synchronous observer registry. Dispatch happens on the
// caller's goroutine right after the in-memory transition, so observers see
// billing truth before the durable write completes.
type Events struct {
	mu        sync.RWMutex
	observers []func(Event)
}

func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers an observer callback. Callbacks must be fast; slow
// consumers should hand off to their own goroutine.
func (ev *Events) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	ev.mu.Lock()
	ev.observers = append(ev.observers, fn)
	ev.mu.Unlock()
}

// Publish delivers the event to all observers in subscription order.
func (ev *Events) Publish(e Event) {
	ev.mu.RLock()
	observers := make([]func(Event), len(ev.observers))
	copy(observers, ev.observers)
	ev.mu.RUnlock()

	log.Debugf("[Billing Events] %s user=%d plan=%s", e.Type, e.UserID, e.Plan)
	for _, fn := range observers {
		fn(e)
	}
}
