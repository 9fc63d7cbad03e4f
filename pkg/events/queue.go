package events

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Bounded in-memory queue between the push read loop and the ingest path.
// Payloads are copied into pooled buffers; consumers must call Item.Done()
// exactly once after processing.

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("event queue full")

// Event is one raw inbound envelope plus routing metadata.
type Event struct {
	// Thread routes the event before the payload is decoded.
	Thread string
	// Payload holds the raw envelope bytes (may be nil).
	Payload []byte
	// EnqSeq is a monotonic enqueue sequence for deterministic ordering.
	EnqSeq uint64
}

// Item wraps an Event and owns a pooled ByteBuffer if one was used.
type Item struct {
	Event *Event

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done releases internal pooled resources back to the pool.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) > int(atomic.LoadInt64(&maxPooledBuffer)) {
				// drop the buffer so GC can reclaim the underlying array
				it.buf = nil
			} else {
				bytebufferpool.Put(it.buf)
				it.buf = nil
			}
		}
		if it.Event != nil {
			it.Event.Payload = nil
			eventPool.Put(it.Event)
			it.Event = nil
		}
	})
}

var eventPool = sync.Pool{New: func() any { return &Event{} }}

// maxPooledBuffer controls the largest buffer size that will be returned to
// the pool. Larger buffers are dropped to avoid unbounded resident memory.
var maxPooledBuffer int64 = 256 * 1024 // 256 KiB

// SetMaxPooledBuffer overrides the pooled buffer cap (bytes).
func SetMaxPooledBuffer(n int64) {
	if n > 0 {
		atomic.StoreInt64(&maxPooledBuffer, n)
	}
}

// Queue is a bounded queue safe for concurrent producers.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
	enqSeq   uint64
}

// NewQueue creates a bounded Queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns a read-only channel consumers can range over. Do not close it
// from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

// TryEnqueue copies payload into a pooled buffer and enqueues it. If the
// queue is full the event is dropped and ErrQueueFull returned; a dropped
// push event is recovered by the next poll tick, so callers never block.
func (q *Queue) TryEnqueue(thread string, payload []byte) error {
	ev := eventPool.Get().(*Event)
	ev.Thread = thread
	ev.EnqSeq = atomic.AddUint64(&q.enqSeq, 1)

	var bb *bytebufferpool.ByteBuffer
	if len(payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], payload...)
		ev.Payload = bb.B[:len(payload)]
	} else {
		ev.Payload = nil
	}

	it := &Item{Event: ev, buf: bb}

	select {
	case q.ch <- it:
		return nil
	default:
		if bb != nil {
			bytebufferpool.Put(bb)
		}
		ev.Payload = nil
		eventPool.Put(ev)
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// RunWorker invokes handler for each dequeued event until stop closes or
// the queue closes. Item.Done() is guaranteed even if handler panics out.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Event)) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				handler(it.Event)
			}(it)
		case <-stop:
			return
		}
	}
}

// CloseAndDrain closes the queue channel and drains remaining items,
// ensuring their resources are released.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// Len returns the current number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns the number of events dropped due to a full queue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
