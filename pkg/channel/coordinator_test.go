package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"msgsync/pkg/events"
	"msgsync/pkg/models"
)

type ingestCall struct {
	thread string
	source string
	msgs   []models.Message
}

type fakeSink struct {
	mu      sync.Mutex
	ingests []ingestCall
	threads []models.Thread
	cursor  int64
}

func (s *fakeSink) IngestMessages(threadID, source string, msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingests = append(s.ingests, ingestCall{thread: threadID, source: source, msgs: msgs})
}

func (s *fakeSink) ThreadUpdated(th models.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append(s.threads, th)
}

func (s *fakeSink) LastConfirmed(string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *fakeSink) ingestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ingests)
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	since   []int64
	release chan struct{}
	msgs    []models.Message
	err     error
}

func (f *fakeFetcher) ListMessages(ctx context.Context, threadID string, sinceTS int64, limit int) ([]models.Message, error) {
	f.mu.Lock()
	f.calls++
	f.since = append(f.since, sinceTS)
	release := f.release
	msgs, err := f.msgs, f.err
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePush struct {
	mu     sync.Mutex
	subs   []string
	unsubs []string
}

func (p *fakePush) Subscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, id)
	return nil
}

func (p *fakePush) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubs = append(p.unsubs, id)
	return nil
}

func (p *fakePush) Connected() bool { return true }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func newTestCoordinator(sink Sink, fetch Fetcher, push PushChannel, interval time.Duration) *Coordinator {
	return New(sink, fetch, push, events.NewQueue(16), Options{
		PollInterval: interval,
		FetchTimeout: time.Second,
	})
}

func TestActivateIsReferenceCounted(t *testing.T) {
	sink := &fakeSink{}
	fetch := &fakeFetcher{}
	ps := &fakePush{}
	c := newTestCoordinator(sink, fetch, ps, time.Hour)
	defer c.Stop()

	c.Activate("t1")
	c.Activate("t1")
	if got := c.Refs("t1"); got != 2 {
		t.Fatalf("want 2 refs, got %d", got)
	}
	ps.mu.Lock()
	subCount := len(ps.subs)
	ps.mu.Unlock()
	if subCount != 1 {
		t.Fatalf("second activation opened a second subscription")
	}

	c.Deactivate("t1")
	if !c.Active("t1") {
		t.Fatalf("thread torn down while a reference remained")
	}
	c.Deactivate("t1")
	if c.Active("t1") {
		t.Fatalf("thread still active after last reference released")
	}
	ps.mu.Lock()
	unsubCount := len(ps.unsubs)
	ps.mu.Unlock()
	if unsubCount != 1 {
		t.Fatalf("expected a single unsubscribe, got %d", unsubCount)
	}
}

func TestDeactivateUnknownThreadIsNoop(t *testing.T) {
	c := newTestCoordinator(&fakeSink{}, &fakeFetcher{}, &fakePush{}, time.Hour)
	defer c.Stop()
	c.Deactivate("never-activated")
	c.Activate("t1")
	c.Deactivate("t1")
	c.Deactivate("t1")
	if c.Active("t1") {
		t.Fatalf("extra deactivate resurrected the thread")
	}
}

func TestActivationFetchesImmediately(t *testing.T) {
	sink := &fakeSink{cursor: 4200}
	fetch := &fakeFetcher{msgs: []models.Message{{ID: "m1", TS: 5000, Delivery: models.DeliverySent}}}
	c := newTestCoordinator(sink, fetch, nil, time.Hour)
	defer c.Stop()

	c.Activate("t1")
	waitFor(t, func() bool { return sink.ingestCount() == 1 })

	fetch.mu.Lock()
	since := fetch.since[0]
	fetch.mu.Unlock()
	if since != 4200 {
		t.Fatalf("fetch did not use the confirmed cursor, got %d", since)
	}
	sink.mu.Lock()
	src := sink.ingests[0].source
	sink.mu.Unlock()
	if src != "poll" {
		t.Fatalf("poll arrivals must be labelled poll, got %q", src)
	}
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	sink := &fakeSink{}
	fetch := &fakeFetcher{release: make(chan struct{})}
	c := newTestCoordinator(sink, fetch, nil, 10*time.Millisecond)
	defer c.Stop()

	c.Activate("t1")
	waitFor(t, func() bool { return fetch.callCount() == 1 })
	// many intervals pass while the first fetch is still in flight
	time.Sleep(100 * time.Millisecond)
	if got := fetch.callCount(); got != 1 {
		t.Fatalf("overlapping ticks were not skipped, %d fetches", got)
	}
	close(fetch.release)
	c.Deactivate("t1")
}

func TestFetchSpanningDeactivationIsDiscarded(t *testing.T) {
	sink := &fakeSink{}
	fetch := &fakeFetcher{
		release: make(chan struct{}),
		msgs:    []models.Message{{ID: "m1", TS: 100, Delivery: models.DeliverySent}},
	}
	c := newTestCoordinator(sink, fetch, nil, time.Hour)
	defer c.Stop()

	c.Activate("t1")
	waitFor(t, func() bool { return fetch.callCount() == 1 })
	c.Deactivate("t1")
	close(fetch.release)

	time.Sleep(50 * time.Millisecond)
	if got := sink.ingestCount(); got != 0 {
		t.Fatalf("stale fetch result delivered after deactivation: %d ingests", got)
	}
}

func TestFetchErrorsAreSwallowed(t *testing.T) {
	sink := &fakeSink{}
	fetch := &fakeFetcher{err: context.DeadlineExceeded}
	c := newTestCoordinator(sink, fetch, nil, 10*time.Millisecond)
	defer c.Stop()

	c.Activate("t1")
	waitFor(t, func() bool { return fetch.callCount() >= 3 })
	if got := sink.ingestCount(); got != 0 {
		t.Fatalf("errors produced ingests: %d", got)
	}
	if !c.Active("t1") {
		t.Fatalf("fetch errors tore down the subscription")
	}
	c.Deactivate("t1")
}

func TestPushEventRoutedToActiveThread(t *testing.T) {
	sink := &fakeSink{}
	fetch := &fakeFetcher{}
	c := newTestCoordinator(sink, fetch, nil, time.Hour)
	c.Start()
	defer c.Stop()

	c.Activate("t1")
	raw, _ := json.Marshal(models.Envelope{
		Type:    models.EventMessageReceived,
		Thread:  "t1",
		Message: &models.Message{ID: "m1", TS: 100, Delivery: models.DeliverySent},
	})
	c.HandlePushEvent("t1", raw)

	waitFor(t, func() bool { return sink.ingestCount() == 1 })
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.ingests[0].source != "push" || sink.ingests[0].msgs[0].ID != "m1" {
		t.Fatalf("unexpected ingest: %+v", sink.ingests[0])
	}
}

func TestPushEventForInactiveThreadDropped(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCoordinator(sink, &fakeFetcher{}, nil, time.Hour)
	c.Start()
	defer c.Stop()

	raw, _ := json.Marshal(models.Envelope{
		Type:    models.EventMessageReceived,
		Thread:  "t-inactive",
		Message: &models.Message{ID: "m1", TS: 100},
	})
	c.HandlePushEvent("t-inactive", raw)

	time.Sleep(50 * time.Millisecond)
	if got := sink.ingestCount(); got != 0 {
		t.Fatalf("inactive thread event was delivered")
	}
}

func TestThreadUpdatedEventRouted(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCoordinator(sink, &fakeFetcher{}, nil, time.Hour)
	c.Start()
	defer c.Stop()

	c.Activate("t1")
	raw, _ := json.Marshal(models.Envelope{
		Type:    models.EventThreadUpdated,
		Thread:  "t1",
		Summary: &models.Thread{ID: "t1", Title: "renamed"},
	})
	c.HandlePushEvent("t1", raw)

	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.threads) == 1
	})
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.threads[0].Title != "renamed" {
		t.Fatalf("summary not routed: %+v", sink.threads[0])
	}
}
