package commander

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/partsdial/commander/overseer"
)

// ConsumerName is the durable consumer draining overseer events.
const ConsumerName = "commander"

// laneBuffer is the per-request queue depth before the fetch loop blocks.
const laneBuffer = 64

// eventHandler processes one event to completion.
type eventHandler interface {
	HandleEvent(ctx context.Context, ev overseer.Event) error
}

// job pairs a decoded event with its queue message for acking.
type job struct {
	msg jetstream.Msg
	ev  overseer.Event
}

// Dispatcher drains the overseer event stream and routes each event to a
// per-request lane. The single fetch loop preserves stream order; each lane
// is one goroutine, so events for one quote request are processed strictly
// sequentially while different requests proceed in parallel.
type Dispatcher struct {
	js      jetstream.JetStream
	handler eventHandler
	logger  *slog.Logger

	consumer jetstream.Consumer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	lanes   map[string]chan job
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the overseer event stream.
func NewDispatcher(js jetstream.JetStream, handler eventHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		js:      js,
		handler: handler,
		logger:  logger,
		lanes:   make(map[string]chan job),
	}
}

// Start creates the durable consumer and begins dispatching.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	stream, err := d.js.Stream(runCtx, overseer.StreamName)
	if err != nil {
		d.rollbackStart(cancel)
		return fmt.Errorf("get stream %s: %w", overseer.StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(runCtx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: overseer.SubjectWildcard,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * time.Minute,
		MaxDeliver:    3,
	})
	if err != nil {
		d.rollbackStart(cancel)
		return fmt.Errorf("create consumer: %w", err)
	}
	d.consumer = consumer

	d.wg.Add(1)
	go d.consumeLoop(runCtx)

	d.logger.Info("Commander dispatcher started",
		"stream", overseer.StreamName,
		"consumer", ConsumerName)

	return nil
}

func (d *Dispatcher) rollbackStart(cancel context.CancelFunc) {
	d.mu.Lock()
	d.running = false
	d.cancel = nil
	d.mu.Unlock()
	cancel()
}

// Stop cancels dispatching and waits for in-flight events to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// consumeLoop continuously fetches messages and routes them to lanes.
func (d *Dispatcher) consumeLoop(ctx context.Context) {
	defer d.wg.Done()
	defer d.closeLanes()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := d.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			d.route(ctx, msg)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			d.logger.Warn("Message fetch error", "error", msgs.Error())
		}
	}
}

// route decodes the event and hands it to its request's lane, creating the
// lane on first use. The blocking send keeps per-request enqueue order.
func (d *Dispatcher) route(ctx context.Context, msg jetstream.Msg) {
	var ev overseer.Event
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		d.logger.Warn("Dropping undecodable event", "subject", msg.Subject(), "error", err)
		d.ack(msg)
		return
	}
	if ev.QuoteRequestID == "" {
		d.logger.Warn("Dropping event without quote request id", "subject", msg.Subject())
		d.ack(msg)
		return
	}

	lane := d.laneFor(ctx, ev.QuoteRequestID)

	select {
	case <-ctx.Done():
		// Shutting down: leave the message unacked for redelivery.
	case lane <- job{msg: msg, ev: ev}:
	}
}

// laneFor returns the serialized lane for a quote request.
func (d *Dispatcher) laneFor(ctx context.Context, quoteRequestID string) chan job {
	d.mu.Lock()
	defer d.mu.Unlock()

	if lane, ok := d.lanes[quoteRequestID]; ok {
		return lane
	}

	lane := make(chan job, laneBuffer)
	d.lanes[quoteRequestID] = lane

	d.wg.Add(1)
	go d.runLane(ctx, quoteRequestID, lane)

	return lane
}

// runLane processes one request's events strictly in order.
func (d *Dispatcher) runLane(ctx context.Context, quoteRequestID string, lane chan job) {
	defer d.wg.Done()

	logger := d.logger.With("quote_request_id", quoteRequestID)
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-lane:
			if !ok {
				return
			}
			d.handle(ctx, j, logger)
		}
	}
}

// handle runs the worker for one event and settles the message. Handler
// errors hand the message back to the queue's retry policy; replays are safe
// because the worker's updates are idempotent.
func (d *Dispatcher) handle(ctx context.Context, j job, logger *slog.Logger) {
	if err := d.handler.HandleEvent(ctx, j.ev); err != nil {
		logger.Error("Event handling failed, leaving for redelivery",
			"call_id", j.ev.CallID,
			"event_type", j.ev.EventType,
			"error", err)
		if nakErr := j.msg.Nak(); nakErr != nil {
			logger.Warn("Nak failed", "error", nakErr)
		}
		return
	}
	d.ack(j.msg)
}

func (d *Dispatcher) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		d.logger.Warn("Ack failed", "subject", msg.Subject(), "error", err)
	}
}

func (d *Dispatcher) closeLanes() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, lane := range d.lanes {
		close(lane)
		delete(d.lanes, id)
	}
}
