package channel

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"msgsync/pkg/backend"
	"msgsync/pkg/events"
	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
	"msgsync/pkg/models"
)

// Sink receives everything the channels produce. The store/registry facade
// implements it.
type Sink interface {
	IngestMessages(threadID, source string, msgs ...models.Message)
	ThreadUpdated(th models.Thread)
	// LastConfirmed is the poll cursor: the newest confirmed timestamp
	// already held for the thread.
	LastConfirmed(threadID string) int64
}

// Fetcher is the request-response side of the backend.
type Fetcher interface {
	ListMessages(ctx context.Context, threadID string, sinceTS int64, limit int) ([]models.Message, error)
}

// PushChannel is the event side. Subscribe/Unsubscribe are best-effort; the
// poll loop runs regardless of connection state.
type PushChannel interface {
	Subscribe(threadID string) error
	Unsubscribe(threadID string) error
	Connected() bool
}

// Options configures the Coordinator.
type Options struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
	PageLimit    int
}

// Coordinator keeps both delivery channels alive per viewed thread. Each
// activation is reference counted so overlapping views of the same thread
// share one subscription, and polling always runs alongside push because
// push delivery is not guaranteed.
type Coordinator struct {
	sink  Sink
	fetch Fetcher
	push  PushChannel
	opts  Options
	queue *events.Queue

	mu        sync.Mutex
	subs      map[string]*subscription
	nextEpoch uint64

	stop      chan struct{}
	workerWg  sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type subscription struct {
	refs   int
	epoch  uint64
	cancel context.CancelFunc
	// inFlight guards against overlapping fetches; a tick that would
	// overlap is skipped, not queued.
	inFlight int32
}

func New(sink Sink, fetch Fetcher, push PushChannel, queue *events.Queue, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 4 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Coordinator{
		sink:  sink,
		fetch: fetch,
		push:  push,
		opts:  opts,
		queue: queue,
		subs:  make(map[string]*subscription),
		stop:  make(chan struct{}),
	}
}

// Start launches the event worker that drains the push queue.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.workerWg.Add(1)
		go func() {
			defer c.workerWg.Done()
			c.queue.RunWorker(c.stop, c.handleEvent)
		}()
	})
}

// Stop deactivates every thread and stops the worker.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		for id, sub := range c.subs {
			sub.cancel()
			delete(c.subs, id)
			metrics.ActiveSubscriptions.Dec()
		}
		c.mu.Unlock()
		close(c.stop)
		c.workerWg.Wait()
	})
}

// Activate registers interest in a thread. The first activation opens both
// channels: a push subscription and a poll loop with an immediate first
// fetch. Further activations only bump the reference count.
func (c *Coordinator) Activate(threadID string) {
	c.mu.Lock()
	if sub, ok := c.subs[threadID]; ok {
		sub.refs++
		c.mu.Unlock()
		return
	}
	c.nextEpoch++
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{refs: 1, epoch: c.nextEpoch, cancel: cancel}
	c.subs[threadID] = sub
	epoch := sub.epoch
	c.mu.Unlock()

	metrics.ActiveSubscriptions.Inc()
	if c.push != nil {
		if err := c.push.Subscribe(threadID); err != nil {
			logger.Debug("push_subscribe_deferred", "thread", threadID, "error", err)
		}
	}
	go c.pollLoop(ctx, threadID, sub, epoch)
}

// Deactivate drops one reference. When the count reaches zero the poll loop
// is cancelled and the push subscription released. Extra calls for a thread
// that is not active are ignored.
func (c *Coordinator) Deactivate(threadID string) {
	c.mu.Lock()
	sub, ok := c.subs[threadID]
	if !ok {
		c.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.subs, threadID)
	c.mu.Unlock()

	sub.cancel()
	metrics.ActiveSubscriptions.Dec()
	if c.push != nil {
		if err := c.push.Unsubscribe(threadID); err != nil {
			logger.Debug("push_unsubscribe_deferred", "thread", threadID, "error", err)
		}
	}
}

// Active reports whether the thread currently holds any references.
func (c *Coordinator) Active(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[threadID]
	return ok
}

// Refs returns the thread's current reference count.
func (c *Coordinator) Refs(threadID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[threadID]; ok {
		return sub.refs
	}
	return 0
}

func (c *Coordinator) pollLoop(ctx context.Context, threadID string, sub *subscription, epoch uint64) {
	c.tick(ctx, threadID, sub, epoch)
	t := time.NewTicker(c.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.tick(ctx, threadID, sub, epoch)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) tick(ctx context.Context, threadID string, sub *subscription, epoch uint64) {
	metrics.PollTicks.Inc()
	if !atomic.CompareAndSwapInt32(&sub.inFlight, 0, 1) {
		metrics.PollSkipped.Inc()
		return
	}
	go func() {
		defer atomic.StoreInt32(&sub.inFlight, 0)
		fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
		since := c.sink.LastConfirmed(threadID)
		msgs, err := c.fetch.ListMessages(fctx, threadID, since, c.opts.PageLimit)
		if err != nil {
			// a poll failure is invisible to the user: the next tick retries
			if !backend.IsPermissionDenied(err) {
				metrics.PollErrors.Inc()
			}
			logger.Debug("poll_fetch_failed", "thread", threadID, "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}
		// deliver only if this activation is still the current one, so a
		// fetch that straddles deactivate/reactivate cannot resurrect stale
		// state under a new subscription
		c.mu.Lock()
		cur, ok := c.subs[threadID]
		live := ok && cur.epoch == epoch
		c.mu.Unlock()
		if !live {
			return
		}
		c.sink.IngestMessages(threadID, "poll", msgs...)
	}()
}

// HandlePushEvent is the push client's inbound callback. The raw envelope is
// copied onto the bounded queue; a full queue drops the event, which the
// next poll tick recovers.
func (c *Coordinator) HandlePushEvent(thread string, raw []byte) {
	if err := c.queue.TryEnqueue(thread, raw); err != nil {
		metrics.PushDropped.Inc()
		logger.Warn("push_event_dropped", "thread", thread, "error", err)
	}
}

func (c *Coordinator) handleEvent(ev *events.Event) {
	if !c.Active(ev.Thread) {
		metrics.PushDropped.Inc()
		return
	}
	var env models.Envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		logger.Warn("push_envelope_decode_failed", "thread", ev.Thread, "error", err)
		return
	}
	switch env.Type {
	case models.EventMessageReceived:
		if env.Message != nil {
			c.sink.IngestMessages(ev.Thread, "push", *env.Message)
		}
	case models.EventThreadUpdated:
		if env.Summary != nil {
			c.sink.ThreadUpdated(*env.Summary)
		}
	default:
		logger.Debug("push_event_ignored", "thread", ev.Thread, "type", env.Type)
	}
}
