package events

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// DefaultDeadline is how long the queue waits for a missing index before
// abandoning it.
const DefaultDeadline = 250 * time.Millisecond

// Handler receives events in index order. Handlers may block on backend
// I/O; a slow backend naturally backpressures input delivery.
type Handler func(Event) error

// QueueConfig tunes a Queue.
type QueueConfig struct {
	// Deadline bounds how long the queue stalls waiting for a missing
	// index, measured from the arrival of the oldest buffered event.
	// Zero means DefaultDeadline.
	Deadline time.Duration

	// OnSkip, if non-nil, is called whenever the autoflush deadline
	// forces the watermark from index `from` to index `to`, permanently
	// abandoning everything in between.
	OnSkip func(from, to int)

	// Logger receives debug entries for stale-event discards. Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Queue reorders input events into strict index order before dispatch.
//
// Events whose index is below the watermark are silently discarded:
// duplicates and retransmissions are expected, not errors. If the true
// next index does not arrive before the deadline, the watermark jumps
// forward to the lowest index actually present and the gap is
// permanently skipped. One event index is delivered at most once; a
// handler failure does not cause re-delivery.
type Queue struct {
	handler  Handler
	deadline time.Duration
	onSkip   func(from, to int)
	logger   *slog.Logger

	mu        sync.Mutex
	pending   eventHeap
	nextIndex int
	timer     *time.Timer
	closed    bool

	// asyncErr records a handler failure during an autoflush drain; it
	// surfaces on the next Add, mirroring how a synchronous drain
	// surfaces failures to its caller.
	asyncErr error
}

// NewQueue creates a queue dispatching to handler.
func NewQueue(handler Handler, cfg QueueConfig) *Queue {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		handler:  handler,
		deadline: cfg.Deadline,
		onSkip:   cfg.OnSkip,
		logger:   cfg.Logger,
	}
}

// Add inserts event and dispatches any contiguous run now available,
// invoking the handler synchronously, in index order. Stale events are
// dropped without error. Handler failures propagate to the caller; the
// failed event is not re-delivered.
func (q *Queue) Add(event Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.asyncErr != nil {
		return q.asyncErr
	}

	if event.Index() < q.nextIndex {
		q.logger.Debug("stale event discarded",
			"index", event.Index(), "watermark", q.nextIndex)
		return nil
	}

	heap.Push(&q.pending, event)
	err := q.drainLocked()
	q.rearmLocked()
	return err
}

// Waiting reports how many events are buffered behind a missing index.
// It is zero when the queue is empty or the next expected event is
// present.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 || q.pending[0].Index() == q.nextIndex {
		return 0
	}
	return len(q.pending)
}

// Close disarms the autoflush timer and rejects further adds. Buffered
// events are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
	}
}

// drainLocked dispatches the contiguous run starting at the watermark.
// Each dispatched event advances the watermark before the handler runs,
// so a handler failure never causes re-delivery of the same index.
func (q *Queue) drainLocked() error {
	for len(q.pending) > 0 && q.pending[0].Index() == q.nextIndex {
		event := heap.Pop(&q.pending).(Event)
		q.nextIndex++
		if err := q.handler(event); err != nil {
			return err
		}
	}
	return nil
}

// rearmLocked schedules the autoflush deadline for the oldest buffered
// event, or disarms the timer when nothing is buffered.
func (q *Queue) rearmLocked() {
	if len(q.pending) == 0 {
		if q.timer != nil {
			q.timer.Stop()
		}
		return
	}

	d := q.deadline - time.Since(q.pending[0].Time())
	if d < 0 {
		d = 0
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(d, q.autoflush)
		return
	}
	q.timer.Stop()
	q.timer.Reset(d)
}

// autoflush runs when the deadline elapses: the true next event is
// presumed lost, so the watermark jumps to the lowest index actually
// present and the run starting there is dispatched.
func (q *Queue) autoflush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		return
	}

	from := q.nextIndex
	q.nextIndex = q.pending[0].Index()
	if q.onSkip != nil && q.nextIndex > from {
		q.onSkip(from, q.nextIndex)
	}

	if err := q.drainLocked(); err != nil && q.asyncErr == nil {
		q.asyncErr = err
	}
	q.rearmLocked()
}

// eventHeap is a min-heap ordered by event index.
type eventHeap []Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].Index() < h[j].Index() }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(Event)) }

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
