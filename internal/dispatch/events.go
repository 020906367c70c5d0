package dispatch

import "github.com/stratoline/devicelink/internal/message"

// EventKind discriminates dispatch notifications.
type EventKind string

const (
	// EventDelivered reports a batch the server acknowledged.
	EventDelivered EventKind = "delivered"

	// EventDeliveryFailed reports a batch the engine gave up on. The
	// messages are gone from the in-memory queue; copies in the
	// persistence mirror stay for replay on the next start.
	EventDeliveryFailed EventKind = "delivery_failed"
)

// Event is one dispatch notification. Events are delivered in order and at
// most once per engine: when no one drains the stream, the oldest event is
// dropped, never reordered or duplicated.
type Event struct {
	Kind     EventKind
	Messages []message.Message
	Err      error
}

// emit publishes without ever blocking the sender loop.
func (e *Engine) emit(ev Event) {
	for {
		select {
		case e.events <- ev:
			return
		default:
		}
		select {
		case <-e.events:
		default:
		}
	}
}
