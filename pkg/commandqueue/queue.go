package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/actorkit/internal/observability"
	"github.com/harun/actorkit/internal/tracing"
	"github.com/harun/actorkit/pkg/concurrency"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrQueueClosed is returned for operations submitted after Close.
var ErrQueueClosed = errors.New("commandqueue: queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// cycle is one pending slot of a lane. All enqueuers of the same cycle share it.
type cycle struct {
	id       string
	task     Task
	ctx      context.Context
	waiters  int
	replaced int
	done     chan struct{}
	value    interface{}
	err      error
}

type laneState struct {
	pending  *cycle
	draining bool
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type    string                 // "enqueued", "coalesced" or "completed"
	Lane    string                 // Lane name
	CycleID string                 // Cycle ID
	Data    map[string]interface{} // Additional event data
}

// Pending is a handle on a submitted cycle.
type Pending struct {
	c *cycle
}

// Wait blocks until the cycle completes or ctx is done.
func (p *Pending) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-p.c.done:
		return p.c.value, p.c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the cycle completes.
func (p *Pending) Done() <-chan struct{} {
	return p.c.done
}

// CoalescingQueue runs at most one pending operation per lane, replacing
// superseded operations instead of queueing them.
type CoalescingQueue struct {
	lanes    map[string]*laneState
	cycleSeq int
	closed   bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a new CoalescingQueue
func New() *CoalescingQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CoalescingQueue{
		lanes:         make(map[string]*laneState),
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
}

// Enqueue submits task to lane and waits for the cycle it joined.
func (q *CoalescingQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pending, err := q.Submit(ctx, lane, task)
	if err != nil {
		return nil, err
	}
	return pending.Wait(ctx)
}

// Submit hands task to lane without waiting. If the lane already has a
// pending cycle that has not started, task replaces that cycle's task.
func (q *CoalescingQueue) Submit(ctx context.Context, lane string, task Task) (*Pending, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}

	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{}
		q.lanes[lane] = ls
	}

	coalesced := ls.pending != nil
	if coalesced {
		ls.pending.task = task
		ls.pending.ctx = ctx
		ls.pending.waiters++
		ls.pending.replaced++
	} else {
		q.cycleSeq++
		ls.pending = &cycle{
			id:      fmt.Sprintf("%s-%d", lane, q.cycleSeq),
			task:    task,
			ctx:     ctx,
			waiters: 1,
			done:    make(chan struct{}),
		}
	}
	c := ls.pending

	startDrain := !ls.draining
	if startDrain {
		ls.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("cycleId", c.id).
		Bool("coalesced", coalesced).
		Msg("Operation enqueued")

	observability.RecordQueueEnqueue(lane, coalesced)

	eventType := "enqueued"
	if coalesced {
		eventType = "coalesced"
	}
	q.emit(Event{
		Type:    eventType,
		Lane:    lane,
		CycleID: c.id,
	})

	if startDrain {
		go q.drain(lane)
	}

	return &Pending{c: c}, nil
}

// drain runs pending cycles for lane until none is left.
func (q *CoalescingQueue) drain(lane string) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		ls := q.lanes[lane]
		c := ls.pending
		if c == nil {
			ls.draining = false
			delete(q.lanes, lane)
			q.mu.Unlock()
			observability.SetQueueIdle(lane)
			return
		}
		ls.pending = nil
		q.mu.Unlock()

		q.run(lane, c)
	}
}

func (q *CoalescingQueue) run(lane string, c *cycle) {
	runCtx, cancel := concurrency.Join(context.WithoutCancel(c.ctx), q.ctx)
	defer cancel()

	runCtx, span := tracing.StartSpan(
		runCtx,
		"actorkit.commandqueue",
		"commandqueue.run",
		attribute.String("lane", lane),
		attribute.String("cycle_id", c.id),
		attribute.Int("replaced", c.replaced),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(runCtx, log.Logger)
	start := time.Now()

	if runCtx.Err() != nil {
		c.err = ErrQueueClosed
	} else {
		c.value, c.err = c.task(runCtx)
	}
	duration := time.Since(start)
	defer close(c.done)

	if c.err != nil {
		span.RecordError(c.err)
		span.SetStatus(codes.Error, c.err.Error())
		logger.Error().
			Str("lane", lane).
			Str("cycleId", c.id).
			Int("waiters", c.waiters).
			Dur("duration", duration).
			Err(c.err).
			Msg("Operation failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("cycleId", c.id).
			Int("waiters", c.waiters).
			Dur("duration", duration).
			Msg("Operation completed")
	}

	observability.RecordQueueRun(lane, duration, c.err == nil)

	q.emit(Event{
		Type:    "completed",
		Lane:    lane,
		CycleID: c.id,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  c.err == nil,
			"waiters":  c.waiters,
			"replaced": c.replaced,
		},
	})
}

// IsIdle reports whether lane has neither a pending nor a running cycle.
func (q *CoalescingQueue) IsIdle(lane string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.lanes[lane]
	return !busy
}

// On registers an event handler for the given event type ("*" for all).
func (q *CoalescingQueue) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()
	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

func (q *CoalescingQueue) emit(event Event) {
	q.eventMu.RLock()
	handlers := append([]EventHandler{}, q.eventHandlers[event.Type]...)
	handlers = append(handlers, q.eventHandlers["*"]...)
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// Close cancels running operations, fails pending ones and waits for every
// drain goroutine to exit.
func (q *CoalescingQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}
