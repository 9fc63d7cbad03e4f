package send

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"msgsync/pkg/backend"
	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
	"msgsync/pkg/moderation"
	"msgsync/pkg/models"
	"msgsync/pkg/msgstore"
	"msgsync/pkg/registry"
)

// ErrNotRetryable is returned by Retry when the message is not in a failed
// state, including the case where a late confirmation already settled it.
var ErrNotRetryable = errors.New("message is not in a retryable state")

// Transport is the request-response side of the backend used for sending.
type Transport interface {
	SendMessage(ctx context.Context, threadID, content, clientRef string) (models.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (models.Message, error)
	CreateThread(ctx context.Context, participants []models.Participant, threadType models.ThreadType, title, messageContent string) (backend.ThreadWithMessage, error)
	CheckExisting(ctx context.Context, participants []models.Participant, threadType models.ThreadType) (bool, *models.Thread, error)
}

// PushSender is the event-channel send surface. Nil disables push sends.
type PushSender interface {
	Connected() bool
	Send(ctx context.Context, threadID, content, msgType string) error
}

// Pipeline implements the optimistic send path: insert locally first so the
// UI renders immediately, then transmit push-first with HTTP fallback. The
// server confirmation arrives back through the normal ingest channels and
// replaces the optimistic entry.
type Pipeline struct {
	store       *msgstore.Store
	reg         *registry.Registry
	transport   Transport
	push        PushSender
	self        models.Sender
	autoApprove moderation.RoleSet

	seq uint64
}

func New(store *msgstore.Store, reg *registry.Registry, transport Transport, push PushSender, self models.Sender, autoApprove moderation.RoleSet) *Pipeline {
	return &Pipeline{
		store:       store,
		reg:         reg,
		transport:   transport,
		push:        push,
		self:        self,
		autoApprove: autoApprove,
	}
}

// tempID issues a locally unique client id. The wall-clock component keeps
// ids unique across restarts, the counter within a process.
func (p *Pipeline) tempID() string {
	return fmt.Sprintf("%s%d-%d", models.TempIDPrefix, time.Now().UnixNano(), atomic.AddUint64(&p.seq, 1))
}

// Send inserts the message optimistically and transmits it. The temp id is
// returned even on transmit failure: the entry stays in the thread as failed
// and can be retried.
func (p *Pipeline) Send(ctx context.Context, threadID, content string) (string, error) {
	id := p.tempID()
	m := models.Message{
		ID:       id,
		Thread:   threadID,
		SenderID: p.self.ID,
		Sender:   p.self,
		Content:  content,
		TS:       time.Now().UnixNano(),
		Approval: moderation.InitialApproval(p.self.Role, p.autoApprove),
	}
	p.store.InsertOptimistic(threadID, m)
	p.reg.Touch(threadID, &m)
	return id, p.transmit(ctx, threadID, content, id)
}

// Retry re-attempts a failed optimistic entry with the same temp id and
// content. If the entry was settled in the meantime the retry is refused.
func (p *Pipeline) Retry(ctx context.Context, threadID, tempID string) error {
	m, ok := p.store.Get(threadID, tempID)
	if !ok || m.Delivery != models.DeliveryFailed {
		return ErrNotRetryable
	}
	metrics.SendRetries.Inc()
	p.store.MarkSending(threadID, tempID)
	return p.transmit(ctx, threadID, m.Content, tempID)
}

func (p *Pipeline) transmit(ctx context.Context, threadID, content, tempID string) error {
	if p.push != nil && p.push.Connected() {
		if err := p.push.Send(ctx, threadID, content, "text"); err == nil {
			p.store.MarkSent(threadID, tempID)
			return nil
		} else {
			logger.Debug("push_send_failed_falling_back", "thread", threadID, "error", err)
		}
	}
	msg, err := p.transport.SendMessage(ctx, threadID, content, tempID)
	if err != nil {
		p.store.MarkFailed(threadID, tempID)
		metrics.SendFailures.Inc()
		logger.Warn("send_failed", "thread", threadID, "temp_id", tempID, "error", err)
		return err
	}
	msg.ClientRef = tempID
	p.store.Ingest(threadID, "http", msg)
	p.reg.Touch(threadID, &msg)
	return nil
}

// Edit submits a content change for an already-confirmed message and applies
// the accepted edit locally.
func (p *Pipeline) Edit(ctx context.Context, threadID, messageID, content string) (models.Message, error) {
	msg, err := p.transport.EditMessage(ctx, messageID, content)
	if err != nil {
		return models.Message{}, err
	}
	p.store.ApplyEdit(threadID, msg)
	return msg, nil
}

// StartThread runs the check-then-create sequence: if a thread for the
// participant set already exists the message is sent into it, otherwise the
// thread is created with the message as its confirmed first entry.
func (p *Pipeline) StartThread(ctx context.Context, participants []models.Participant, threadType models.ThreadType, title, content string) (string, error) {
	exists, th, err := p.transport.CheckExisting(ctx, participants, threadType)
	if err != nil {
		return "", err
	}
	if exists && th != nil {
		p.reg.UpsertThreads([]models.Thread{*th})
		_, err := p.Send(ctx, th.ID, content)
		return th.ID, err
	}
	res, err := p.transport.CreateThread(ctx, participants, threadType, title, content)
	if err != nil {
		return "", err
	}
	p.reg.UpsertThreads([]models.Thread{res.Thread})
	if res.Message.ID != "" {
		p.store.Ingest(res.Thread.ID, "http", res.Message)
		p.reg.Touch(res.Thread.ID, &res.Message)
	}
	return res.Thread.ID, nil
}
