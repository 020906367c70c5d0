// Package dispatch queues outbound messages and delivers them to the cloud
// in batches over a secure channel. A single background sender preserves
// first-in first-out order, an optional sqlite mirror makes queued messages
// survive restarts, and an optional receive loop long-polls for server
// requests and feeds them through a router.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratoline/devicelink/internal/message"
	"github.com/stratoline/devicelink/internal/persist"
	"github.com/stratoline/devicelink/internal/routing"
)

const (
	messagesPath = "/iot/api/v2/messages"

	defaultBatchSize   = 10
	defaultPollTimeout = 20 * time.Second

	sendTimeout     = 30 * time.Second
	drainTimeout    = 5 * time.Second
	receiveBackoff  = time.Second
	eventBufferSize = 64
)

// ErrClosed is returned when messages are handed to an engine after Close.
var ErrClosed = errors.New("dispatch engine is closed")

// Transport is the slice of the secure channel the engine drives. It is
// satisfied by channel.Channel.
type Transport interface {
	Post(ctx context.Context, path string, payload []byte) ([]byte, error)
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Policy inspects a message before it is queued and decides what actually
// goes out: the message unchanged, a transformed copy, several derived
// messages, or nothing at all.
type Policy interface {
	Apply(msg message.Message) []message.Message
}

// Config carries the collaborators and tuning knobs of an engine. Only
// EndpointID is mandatory.
type Config struct {
	// EndpointID keys the persistence mirror and sources routed responses.
	EndpointID string

	// BatchSize caps how many messages a single POST carries.
	BatchSize int

	// Policy, when set, filters messages handed to Offer.
	Policy Policy

	// Store, when set, mirrors queued messages to disk until the server
	// acknowledges them.
	Store *persist.Store

	// Router, when set, starts a long-poll loop that feeds incoming
	// server requests through it and queues the responses.
	Router *routing.Router

	// PollTimeout is the server-side long-poll window of the receive loop.
	PollTimeout time.Duration
}

// Engine is the message dispatcher. Create one with NewEngine after the
// device is activated and close it before shutting down.
type Engine struct {
	transport  Transport
	endpointID string
	policy     Policy
	store      *persist.Store
	router     *routing.Router

	batchSize   int
	pollTimeout time.Duration

	mu     sync.Mutex
	queue  []message.Message
	closed bool

	notify chan struct{}
	events chan Event
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an engine, replays any messages left in the persistence
// mirror by a previous run, and starts the background loops.
func NewEngine(transport Transport, cfg Config) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.EndpointID == "" {
		return nil, errors.New("endpoint id is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		transport:   transport,
		endpointID:  cfg.EndpointID,
		policy:      cfg.Policy,
		store:       cfg.Store,
		router:      cfg.Router,
		batchSize:   cfg.BatchSize,
		pollTimeout: cfg.PollTimeout,
		notify:      make(chan struct{}, 1),
		events:      make(chan Event, eventBufferSize),
		stop:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	if e.store != nil {
		replayed, err := e.store.Load(ctx, e.endpointID)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("replaying mirrored messages: %w", err)
		}
		if len(replayed) > 0 {
			slog.Info("Replaying mirrored messages", "count", len(replayed))
			e.queue = replayed
			e.wake()
		}
	}

	e.wg.Add(1)
	go e.senderLoop()
	if e.router != nil {
		e.wg.Add(1)
		go e.receiveLoop()
	}
	return e, nil
}

// Queue accepts messages for delivery. It mirrors them to disk when a store
// is configured, appends them to the in-memory queue, and returns without
// waiting for the network.
func (e *Engine) Queue(msgs ...message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.store != nil {
		if err := e.store.Save(e.ctx, e.endpointID, msgs...); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("mirroring messages: %w", err)
		}
	}
	e.queue = append(e.queue, msgs...)
	e.mu.Unlock()
	e.wake()
	return nil
}

// Offer routes each message through the configured policy before queueing
// whatever the policy produces. Without a policy it behaves like Queue.
func (e *Engine) Offer(msgs ...message.Message) error {
	if e.policy == nil {
		return e.Queue(msgs...)
	}
	var accepted []message.Message
	for _, msg := range msgs {
		accepted = append(accepted, e.policy.Apply(msg)...)
	}
	return e.Queue(accepted...)
}

// Events returns the notification stream. The channel is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Pending reports how many messages wait in the in-memory queue.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close stops the loops, makes one best-effort attempt to deliver messages
// that are mirrored on disk, and discards the rest. It is safe to call
// more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	close(e.stop)
	e.wg.Wait()

	e.mu.Lock()
	remaining := e.queue
	e.queue = nil
	e.mu.Unlock()

	if e.store == nil {
		if len(remaining) > 0 {
			slog.Warn("Discarding unsent messages on close", "count", len(remaining))
		}
	} else {
		e.drainMirror()
	}
	close(e.events)
	return nil
}

// drainMirror makes one pass at flushing mirrored messages before shutdown.
// The mirror, not the in-memory queue, is the source of truth here: a batch
// that failed in flight is gone from memory but still mirrored. Anything
// that does not make it out stays mirrored for the next start.
func (e *Engine) drainMirror() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	msgs, err := e.store.Load(ctx, e.endpointID)
	if err != nil {
		slog.Warn("Failed to load mirror on close", "error", err)
		return
	}
	for len(msgs) > 0 {
		n := e.batchSize
		if n > len(msgs) {
			n = len(msgs)
		}
		if !e.sendBatch(ctx, msgs[:n]) {
			slog.Warn("Messages left in mirror on close", "count", len(msgs))
			return
		}
		msgs = msgs[n:]
	}
}

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) senderLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-e.notify:
		}
		for {
			select {
			case <-e.stop:
				return
			default:
			}
			batch := e.takeBatch()
			if len(batch) == 0 {
				break
			}
			ctx, cancel := context.WithTimeout(e.ctx, sendTimeout)
			e.sendBatch(ctx, batch)
			cancel()
		}
	}
}

// takeBatch pops up to batchSize messages off the queue. Popped messages do
// not return to the queue on failure; their mirrored copies do the carrying
// over.
func (e *Engine) takeBatch() []message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.batchSize
	if n > len(e.queue) {
		n = len(e.queue)
	}
	if n == 0 {
		return nil
	}
	batch := make([]message.Message, n)
	copy(batch, e.queue[:n])
	e.queue = e.queue[n:]
	return batch
}

// sendBatch posts one batch and reports the outcome on the event stream.
// It returns true when the server acknowledged the batch.
func (e *Engine) sendBatch(ctx context.Context, batch []message.Message) bool {
	payload, err := json.Marshal(batch)
	if err != nil {
		e.emit(Event{Kind: EventDeliveryFailed, Messages: batch, Err: err})
		return false
	}
	if _, err := e.transport.Post(ctx, messagesPath, payload); err != nil {
		slog.Error("Message batch delivery failed", "count", len(batch), "error", err)
		e.emit(Event{Kind: EventDeliveryFailed, Messages: batch, Err: err})
		return false
	}
	if e.store != nil {
		ids := make([]string, len(batch))
		for i, msg := range batch {
			ids[i] = msg.ID
		}
		if err := e.store.Delete(ctx, ids...); err != nil {
			slog.Warn("Failed to clear delivered messages from mirror", "error", err)
		}
	}
	slog.Debug("Message batch delivered", "count", len(batch))
	e.emit(Event{Kind: EventDelivered, Messages: batch})
	return true
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		body, err := e.transport.Receive(e.ctx, e.pollTimeout)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			slog.Warn("Request poll failed", "error", err)
			select {
			case <-e.stop:
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}
		if len(body) == 0 {
			continue
		}
		e.handleRequests(body)
	}
}

// handleRequests decodes a poll result, runs each request through the
// router, and queues the responses for delivery.
func (e *Engine) handleRequests(body []byte) {
	var reqs []routing.Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		var single routing.Request
		if err := json.Unmarshal(body, &single); err != nil {
			slog.Warn("Discarding undecodable server request", "error", err)
			return
		}
		reqs = []routing.Request{single}
	}
	for _, req := range reqs {
		resp := e.router.Dispatch(req)
		msg := message.NewResponse(e.endpointID, req.ID, resp.StatusCode).
			Destination(req.Source)
		for k, v := range resp.Headers {
			msg.Header(k, v)
		}
		if resp.Body != "" {
			msg.Body(resp.Body)
		}
		if err := e.Queue(msg.Build()); err != nil {
			slog.Warn("Failed to queue response to server request", "request", req.ID, "error", err)
		}
	}
}
