package simulator

import (
	"context"
	"sync"
	"time"
)

// inbox records delivered message batches in arrival order and indexes
// RESPONSE messages by their request correlation id.
type inbox struct {
	mu        sync.RWMutex
	batches   [][]ReceivedMessage
	responses map[string]ReceivedMessage
}

func newInbox() *inbox {
	return &inbox{responses: make(map[string]ReceivedMessage)}
}

func (in *inbox) Record(batch []ReceivedMessage) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.batches = append(in.batches, batch)
	for _, msg := range batch {
		if msg.Type == "RESPONSE" && msg.Payload.RequestID != "" {
			in.responses[msg.Payload.RequestID] = msg
		}
	}
}

func (in *inbox) Batches() [][]ReceivedMessage {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([][]ReceivedMessage(nil), in.batches...)
}

func (in *inbox) Messages() []ReceivedMessage {
	in.mu.RLock()
	defer in.mu.RUnlock()

	var all []ReceivedMessage
	for _, batch := range in.batches {
		all = append(all, batch...)
	}
	return all
}

func (in *inbox) Response(requestID string) (ReceivedMessage, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	msg, ok := in.responses[requestID]
	return msg, ok
}

// requestQueue holds server-initiated requests until a device long-polls
// them away.
type requestQueue struct {
	mu      sync.Mutex
	pending []DeviceRequest
	notify  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{notify: make(chan struct{}, 1)}
}

func (q *requestQueue) Push(req DeviceRequest) {
	q.mu.Lock()
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Poll returns the endpoint's pending requests, waiting up to timeout for
// at least one to arrive. Expiry returns nil.
func (q *requestQueue) Poll(ctx context.Context, endpointID string, timeout time.Duration) []DeviceRequest {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if out := q.take(endpointID); len(out) > 0 {
			return out
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-q.notify:
		}
	}
}

// take removes and returns the requests addressed to the endpoint. Requests
// without a destination go to whichever endpoint polls first.
func (q *requestQueue) take(endpointID string) []DeviceRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out, rest []DeviceRequest
	for _, req := range q.pending {
		if req.Destination == "" || req.Destination == endpointID {
			out = append(out, req)
		} else {
			rest = append(rest, req)
		}
	}
	q.pending = rest
	return out
}
