package engine

import (
	"context"
	"errors"
	"time"

	"msgsync/pkg/cache"
	"msgsync/pkg/channel"
	"msgsync/pkg/events"
	"msgsync/pkg/logger"
	"msgsync/pkg/moderation"
	"msgsync/pkg/models"
	"msgsync/pkg/msgstore"
	"msgsync/pkg/registry"
	"msgsync/pkg/send"
)

var (
	// ErrNotModerator is returned when the local actor's role cannot moderate.
	ErrNotModerator = errors.New("actor role is not a moderator")
	// ErrNotActionable is returned when the moderation window has closed or
	// the message cannot be moderated by this actor.
	ErrNotActionable = errors.New("message is not actionable")
	// ErrReasonRequired is returned by Reject when no reason is given.
	ErrReasonRequired = errors.New("rejection requires a reason")
	// ErrUnknownMessage is returned when the message id is not in the thread.
	ErrUnknownMessage = errors.New("unknown message")
)

// Backend is the full request-response surface the engine needs.
type Backend interface {
	channel.Fetcher
	send.Transport
	ListThreads(ctx context.Context) ([]models.Thread, error)
	Approve(ctx context.Context, messageID string) (models.Message, error)
	Reject(ctx context.Context, messageID, reason string) (models.Message, error)
}

// Push is the event-channel surface. A nil Push runs poll-only.
type Push interface {
	channel.PushChannel
	send.PushSender
}

// Options configures an Engine.
type Options struct {
	Self             models.Sender
	ModeratorRoles   []string
	AutoApproveRoles []string
	Channel          channel.Options
	DedupWindow      time.Duration
	QueueCapacity    int
}

// Engine is the facade the view API talks to. It owns the message store and
// thread registry, runs the delivery coordinator and send pipeline, and
// computes moderation projections for the local actor.
type Engine struct {
	store    *msgstore.Store
	reg      *registry.Registry
	backend  Backend
	coord    *channel.Coordinator
	pipeline *send.Pipeline

	self        models.Sender
	moderators  moderation.RoleSet
	autoApprove moderation.RoleSet

	updates chan string
}

func New(backend Backend, push Push, opts Options) *Engine {
	e := &Engine{
		store:       msgstore.New(opts.DedupWindow, true),
		reg:         registry.New(),
		backend:     backend,
		self:        opts.Self,
		moderators:  moderation.NewRoleSet(opts.ModeratorRoles),
		autoApprove: moderation.NewRoleSet(opts.AutoApproveRoles),
		updates:     make(chan string, 64),
	}
	queue := events.NewQueue(opts.QueueCapacity)
	var pushChan channel.PushChannel
	var pushSend send.PushSender
	if push != nil {
		pushChan = push
		pushSend = push
	}
	e.coord = channel.New(e, backend, pushChan, queue, opts.Channel)
	e.pipeline = send.New(e.store, e.reg, backend, pushSend, opts.Self, e.autoApprove)
	return e
}

// HandlePushEvent is wired as the push client's inbound callback.
func (e *Engine) HandlePushEvent(thread string, raw []byte) {
	e.coord.HandlePushEvent(thread, raw)
}

// Start warm-starts from the local cache, fetches the thread list, and
// launches the event worker. Backend unavailability is not fatal: cached
// state is served and the poll loops recover once threads are activated.
func (e *Engine) Start(ctx context.Context) {
	if cache.Ready() {
		e.warmStart()
	}
	ths, err := e.backend.ListThreads(ctx)
	if err != nil {
		logger.Warn("initial_thread_list_failed", "error", err)
	} else {
		e.reg.UpsertThreads(ths)
		for i := range ths {
			e.persistThread(ths[i])
		}
		logger.Info("thread_list_loaded", "threads", len(ths))
	}
	e.coord.Start()
}

// Stop deactivates all threads and stops the event worker.
func (e *Engine) Stop() {
	e.coord.Stop()
}

func (e *Engine) warmStart() {
	ths, err := cache.ListThreads()
	if err != nil {
		logger.Warn("warm_start_threads_failed", "error", err)
		return
	}
	e.reg.UpsertThreads(ths)
	loaded := 0
	for i := range ths {
		msgs, err := cache.ListMessages(ths[i].ID)
		if err != nil {
			logger.Warn("warm_start_messages_failed", "thread", ths[i].ID, "error", err)
			continue
		}
		e.store.Preload(ths[i].ID, msgs)
		loaded += len(msgs)
	}
	logger.Info("warm_start_done", "threads", len(ths), "messages", loaded)
}

func (e *Engine) persistThread(th models.Thread) {
	if !cache.Ready() {
		return
	}
	if err := cache.SaveThread(th); err != nil {
		logger.Warn("cache_save_thread_failed", "thread", th.ID, "error", err)
	}
}

// IngestMessages merges channel arrivals into the store and advances the
// thread preview. Part of the coordinator sink.
func (e *Engine) IngestMessages(threadID, source string, msgs ...models.Message) {
	if !e.store.Ingest(threadID, source, msgs...) {
		return
	}
	for i := range msgs {
		e.reg.Touch(threadID, &msgs[i])
	}
	if th := e.reg.Get(threadID); th != nil {
		e.persistThread(*th)
	}
	e.notify(threadID)
}

// ThreadUpdated merges a pushed thread summary. Part of the coordinator sink.
func (e *Engine) ThreadUpdated(th models.Thread) {
	e.reg.UpsertThreads([]models.Thread{th})
	if cur := e.reg.Get(th.ID); cur != nil {
		e.persistThread(*cur)
	}
	e.notify(th.ID)
}

// LastConfirmed is the poll cursor. Part of the coordinator sink.
func (e *Engine) LastConfirmed(threadID string) int64 {
	return e.store.LastConfirmed(threadID)
}

// Activate opens the delivery channels for a viewed thread.
func (e *Engine) Activate(threadID string) {
	e.reg.Select(threadID)
	e.coord.Activate(threadID)
}

// Deactivate releases one view of the thread.
func (e *Engine) Deactivate(threadID string) {
	e.coord.Deactivate(threadID)
}

// Send composes a message into the thread. The returned id is the optimistic
// temp id; the confirmed id arrives later through ingest.
func (e *Engine) Send(ctx context.Context, threadID, content string) (string, error) {
	id, err := e.pipeline.Send(ctx, threadID, content)
	e.notify(threadID)
	return id, err
}

// Retry re-attempts a failed send.
func (e *Engine) Retry(ctx context.Context, threadID, tempID string) error {
	err := e.pipeline.Retry(ctx, threadID, tempID)
	e.notify(threadID)
	return err
}

// StartThread runs check-then-create and returns the thread id to open.
func (e *Engine) StartThread(ctx context.Context, participants []models.Participant, threadType models.ThreadType, title, content string) (string, error) {
	id, err := e.pipeline.StartThread(ctx, participants, threadType, title, content)
	if err == nil {
		e.notify(id)
	}
	return id, err
}

// actionable looks the message up and checks the moderation gate for the
// local actor.
func (e *Engine) actionable(threadID, messageID string) (models.Message, error) {
	if !e.moderators.Contains(e.self.Role) {
		return models.Message{}, ErrNotModerator
	}
	m, ok := e.store.Get(threadID, messageID)
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	if m.AuthorID() == e.self.ID {
		return models.Message{}, ErrNotActionable
	}
	if !moderation.Actionable(e.store.Snapshot(threadID), m) {
		return models.Message{}, ErrNotActionable
	}
	return m, nil
}

// Approve resolves a pending message. The gate is re-checked at call time so
// a message that went stale between render and click is refused.
func (e *Engine) Approve(ctx context.Context, threadID, messageID string) (models.Message, error) {
	if _, err := e.actionable(threadID, messageID); err != nil {
		return models.Message{}, err
	}
	res, err := e.backend.Approve(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	e.IngestMessages(threadID, "http", res)
	return res, nil
}

// Reject resolves a pending message with a reason.
func (e *Engine) Reject(ctx context.Context, threadID, messageID, reason string) (models.Message, error) {
	if reason == "" {
		return models.Message{}, ErrReasonRequired
	}
	if _, err := e.actionable(threadID, messageID); err != nil {
		return models.Message{}, err
	}
	res, err := e.backend.Reject(ctx, messageID, reason)
	if err != nil {
		return models.Message{}, err
	}
	e.IngestMessages(threadID, "http", res)
	return res, nil
}

// Edit submits an edit-and-resend for a still-pending confirmed message. The
// same actionability gate applies as for approve/reject.
func (e *Engine) Edit(ctx context.Context, threadID, messageID, content string) (models.Message, error) {
	if _, err := e.actionable(threadID, messageID); err != nil {
		return models.Message{}, err
	}
	res, err := e.pipeline.Edit(ctx, threadID, messageID, content)
	if err != nil {
		return models.Message{}, err
	}
	e.notify(threadID)
	return res, nil
}

// Threads returns the known threads, most recent first.
func (e *Engine) Threads() []models.Thread {
	return e.reg.MostRecent()
}

// Thread returns the registry entry for id, or nil.
func (e *Engine) Thread(id string) *models.Thread {
	return e.reg.Get(id)
}

// Messages returns the thread's messages in visible order, annotated with
// the local actor's moderation affordances.
func (e *Engine) Messages(threadID string) []moderation.Annotated {
	return moderation.Project(e.store.Snapshot(threadID), e.self.ID, e.self.Role, e.moderators)
}

// Updates exposes coalesced change notifications: each value is a thread id
// whose visible state changed. Slow consumers miss intermediate signals, not
// state; the next read of the thread returns the latest snapshot.
func (e *Engine) Updates() <-chan string {
	return e.updates
}

func (e *Engine) notify(threadID string) {
	select {
	case e.updates <- threadID:
	default:
	}
}
