package send

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"msgsync/pkg/backend"
	"msgsync/pkg/moderation"
	"msgsync/pkg/models"
	"msgsync/pkg/msgstore"
	"msgsync/pkg/registry"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      []string // client refs seen
	sendErr   error
	existing  *models.Thread
	checkErr  error
	created   int
	createErr error
}

func (f *fakeTransport) SendMessage(_ context.Context, threadID, content, clientRef string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, clientRef)
	if f.sendErr != nil {
		return models.Message{}, f.sendErr
	}
	return models.Message{
		ID:        "srv-1",
		Thread:    threadID,
		SenderID:  "u1",
		Content:   content,
		TS:        time.Now().UnixNano(),
		Delivery:  models.DeliverySent,
		Approval:  models.ApprovalPending,
		ClientRef: clientRef,
	}, nil
}

func (f *fakeTransport) EditMessage(_ context.Context, messageID, content string) (models.Message, error) {
	return models.Message{ID: messageID, Content: content, Delivery: models.DeliverySent}, nil
}

func (f *fakeTransport) CreateThread(_ context.Context, participants []models.Participant, threadType models.ThreadType, title, content string) (backend.ThreadWithMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.createErr != nil {
		return backend.ThreadWithMessage{}, f.createErr
	}
	return backend.ThreadWithMessage{
		Thread: models.Thread{ID: "t-new", Type: threadType, Title: title, Participants: participants},
		Message: models.Message{
			ID: "srv-first", Thread: "t-new", SenderID: "u1", Content: content,
			TS: time.Now().UnixNano(), Delivery: models.DeliverySent, Approval: models.ApprovalPending,
		},
	}, nil
}

func (f *fakeTransport) CheckExisting(_ context.Context, _ []models.Participant, _ models.ThreadType) (bool, *models.Thread, error) {
	if f.checkErr != nil {
		return false, nil, f.checkErr
	}
	return f.existing != nil, f.existing, nil
}

type fakePushSender struct {
	connected bool
	err       error
	sent      int
}

func (f *fakePushSender) Connected() bool { return f.connected }

func (f *fakePushSender) Send(context.Context, string, string, string) error {
	f.sent++
	return f.err
}

func newPipeline(tr Transport, ps PushSender) (*Pipeline, *msgstore.Store, *registry.Registry) {
	store := msgstore.New(0, false)
	reg := registry.New()
	self := models.Sender{ID: "u1", Role: "parent"}
	p := New(store, reg, tr, ps, self, moderation.NewRoleSet([]string{"teacher"}))
	return p, store, reg
}

func TestSendPushFirst(t *testing.T) {
	tr := &fakeTransport{}
	ps := &fakePushSender{connected: true}
	p, store, _ := newPipeline(tr, ps)

	id, err := p.Send(context.Background(), "t1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !models.IsTempID(id) {
		t.Fatalf("expected a temp id, got %q", id)
	}
	if ps.sent != 1 {
		t.Fatalf("push channel not used while connected")
	}
	tr.mu.Lock()
	httpSends := len(tr.sent)
	tr.mu.Unlock()
	if httpSends != 0 {
		t.Fatalf("fallback used while push succeeded")
	}
	m, ok := store.Get("t1", id)
	if !ok || m.Delivery != models.DeliverySent {
		t.Fatalf("optimistic entry not marked sent: %+v", m)
	}
}

func TestSendFallsBackToHTTP(t *testing.T) {
	tr := &fakeTransport{}
	p, store, reg := newPipeline(tr, &fakePushSender{connected: false})

	id, err := p.Send(context.Background(), "t1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	tr.mu.Lock()
	ref := tr.sent[0]
	tr.mu.Unlock()
	if ref != id {
		t.Fatalf("temp id not passed as client ref: %q vs %q", ref, id)
	}
	// the response already replaced the optimistic entry
	msgs := store.Snapshot("t1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("confirmation did not replace optimistic entry: %+v", msgs)
	}
	th := reg.Get("t1")
	if th == nil || th.LastMessage == nil {
		t.Fatalf("thread preview not advanced")
	}
}

func TestSendPushErrorFallsBack(t *testing.T) {
	tr := &fakeTransport{}
	ps := &fakePushSender{connected: true, err: errors.New("broken pipe")}
	p, store, _ := newPipeline(tr, ps)

	if _, err := p.Send(context.Background(), "t1", "hello"); err != nil {
		t.Fatalf("send should succeed via fallback: %v", err)
	}
	tr.mu.Lock()
	httpSends := len(tr.sent)
	tr.mu.Unlock()
	if httpSends != 1 {
		t.Fatalf("fallback not used after push write error")
	}
	if msgs := store.Snapshot("t1"); len(msgs) != 1 {
		t.Fatalf("expected single entry, got %d", len(msgs))
	}
}

func TestSendFailureKeepsEntryForRetry(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("backend down")}
	p, store, _ := newPipeline(tr, nil)

	id, err := p.Send(context.Background(), "t1", "hello")
	if err == nil {
		t.Fatalf("expected transmit error")
	}
	m, ok := store.Get("t1", id)
	if !ok {
		t.Fatalf("failed entry discarded")
	}
	if m.Delivery != models.DeliveryFailed || m.Content != "hello" {
		t.Fatalf("failed entry lost state: %+v", m)
	}
}

func TestRetryReusesTempIDAndContent(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("backend down")}
	p, store, _ := newPipeline(tr, nil)

	id, _ := p.Send(context.Background(), "t1", "hello")
	tr.mu.Lock()
	tr.sendErr = nil
	tr.mu.Unlock()

	if err := p.Retry(context.Background(), "t1", id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	tr.mu.Lock()
	refs := append([]string(nil), tr.sent...)
	tr.mu.Unlock()
	if len(refs) != 2 || refs[1] != id {
		t.Fatalf("retry did not reuse the temp id: %v", refs)
	}
	msgs := store.Snapshot("t1")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("retry confirmation not settled: %+v", msgs)
	}
}

func TestRetryRefusedOnceSettled(t *testing.T) {
	tr := &fakeTransport{}
	p, _, _ := newPipeline(tr, nil)

	id, err := p.Send(context.Background(), "t1", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// the confirmation already replaced the entry; a retry would duplicate
	if err := p.Retry(context.Background(), "t1", id); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("want ErrNotRetryable, got %v", err)
	}
}

func TestRetryRefusedWhileInFlight(t *testing.T) {
	p, store, _ := newPipeline(&fakeTransport{}, nil)
	store.InsertOptimistic("t1", models.Message{ID: "tmp-9-9", SenderID: "u1", Content: "x", TS: 1})
	if err := p.Retry(context.Background(), "t1", "tmp-9-9"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("want ErrNotRetryable for in-flight entry, got %v", err)
	}
}

func TestSendAppliesInitialApproval(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("keep it local")}
	store := msgstore.New(0, false)
	reg := registry.New()
	teacher := models.Sender{ID: "u2", Role: "teacher"}
	p := New(store, reg, tr, nil, teacher, moderation.NewRoleSet([]string{"teacher"}))

	id, _ := p.Send(context.Background(), "t1", "hi")
	m, _ := store.Get("t1", id)
	if m.Approval != models.ApprovalApproved {
		t.Fatalf("auto-approve role should start approved, got %q", m.Approval)
	}
}

func TestStartThreadReusesExisting(t *testing.T) {
	tr := &fakeTransport{existing: &models.Thread{ID: "t-exist", Type: models.ThreadDirect}}
	p, store, reg := newPipeline(tr, nil)

	id, err := p.StartThread(context.Background(), []models.Participant{{UserID: "u2"}}, models.ThreadDirect, "", "hi")
	if err != nil {
		t.Fatalf("start thread: %v", err)
	}
	if id != "t-exist" {
		t.Fatalf("existing thread not reused, got %q", id)
	}
	tr.mu.Lock()
	created := tr.created
	tr.mu.Unlock()
	if created != 0 {
		t.Fatalf("thread created despite existing one")
	}
	if len(store.Snapshot("t-exist")) != 1 {
		t.Fatalf("message not sent into existing thread")
	}
	if reg.Get("t-exist") == nil {
		t.Fatalf("existing thread not registered")
	}
}

func TestStartThreadCreatesWhenMissing(t *testing.T) {
	tr := &fakeTransport{}
	p, store, reg := newPipeline(tr, nil)

	id, err := p.StartThread(context.Background(), []models.Participant{{UserID: "u2"}}, models.ThreadGroup, "Trip", "hi all")
	if err != nil {
		t.Fatalf("start thread: %v", err)
	}
	if id != "t-new" {
		t.Fatalf("unexpected thread id %q", id)
	}
	msgs := store.Snapshot("t-new")
	if len(msgs) != 1 || msgs[0].ID != "srv-first" {
		t.Fatalf("first message not ingested as confirmed: %+v", msgs)
	}
	if th := reg.Get("t-new"); th == nil || th.Title != "Trip" {
		t.Fatalf("created thread not registered: %+v", th)
	}
}

func TestStartThreadCheckFailure(t *testing.T) {
	tr := &fakeTransport{checkErr: errors.New("backend down")}
	p, _, _ := newPipeline(tr, nil)
	if _, err := p.StartThread(context.Background(), []models.Participant{{UserID: "u2"}}, models.ThreadDirect, "", "hi"); err == nil {
		t.Fatalf("check failure should propagate")
	}
}
