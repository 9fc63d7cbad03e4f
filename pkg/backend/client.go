package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"msgsync/pkg/models"
)

// Client talks to the school backend's REST API. All calls respect the
// caller's context deadline and are paced by a shared rate limiter so poll
// loops across many threads cannot hammer the backend.
type Client struct {
	base    string
	apiKey  string
	hc      *fasthttp.Client
	limiter *rate.Limiter
	timeout time.Duration
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS/Burst bound outbound request rate; zero values disable pacing.
	RPS   float64
	Burst int
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var lim *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = int(opts.RPS)
			if burst < 1 {
				burst = 1
			}
		}
		lim = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return &Client{
		base:   trimSlash(opts.BaseURL),
		apiKey: opts.APIKey,
		hc: &fasthttp.Client{
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		limiter: lim,
		timeout: timeout,
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// StatusError is returned for non-2xx backend responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Code, e.Body)
}

// IsPermissionDenied reports whether err is a backend 401/403. The poll
// loop uses this to keep moderator views quiet on threads the actor is not
// a participant of.
func IsPermissionDenied(err error) bool {
	se, ok := err.(*StatusError)
	return ok && (se.Code == fasthttp.StatusUnauthorized || se.Code == fasthttp.StatusForbidden)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(c.base + path)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sc := resp.StatusCode(); sc < 200 || sc > 299 {
		b := resp.Body()
		if len(b) > 256 {
			b = b[:256]
		}
		return &StatusError{Code: sc, Body: string(b)}
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("invalid response json: %w", err)
		}
	}
	return nil
}

// ListThreads returns the actor's thread summaries.
func (c *Client) ListThreads(ctx context.Context) ([]models.Thread, error) {
	var out struct {
		Threads []models.Thread `json:"threads"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, "/threads", nil, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

// ListMessages fetches the ordered batch of messages newer than sinceTS.
func (c *Client) ListMessages(ctx context.Context, threadID string, sinceTS int64, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/threads/%s/messages?since=%d", threadID, sinceTS)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage posts a message over the request-response fallback. The
// clientRef is the optimistic temp id, round-tripped so the store can match
// the confirmation without the content heuristic.
func (c *Client) SendMessage(ctx context.Context, threadID, content, clientRef string) (models.Message, error) {
	body := map[string]string{
		"thread_id":  threadID,
		"content":    content,
		"type":       "text",
		"client_ref": clientRef,
	}
	var out models.Message
	if err := c.do(ctx, fasthttp.MethodPost, "/messages", body, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// EditMessage patches a message's content (edit-and-resend).
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, fasthttp.MethodPatch, "/messages/"+messageID, map[string]string{"content": content}, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// Approve marks a pending message approved; the updated message is returned.
func (c *Client) Approve(ctx context.Context, messageID string) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, fasthttp.MethodPost, "/messages/"+messageID+"/approve", nil, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// Reject marks a pending message rejected with a reason.
func (c *Client) Reject(ctx context.Context, messageID, reason string) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, fasthttp.MethodPost, "/messages/"+messageID+"/reject", map[string]string{"reason": reason}, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// ThreadWithMessage is the creation result: the new thread and its first,
// already-confirmed message.
type ThreadWithMessage struct {
	Thread  models.Thread  `json:"thread"`
	Message models.Message `json:"message"`
}

// CreateThread creates a thread with its first message.
func (c *Client) CreateThread(ctx context.Context, participants []models.Participant, threadType models.ThreadType, title, messageContent string) (ThreadWithMessage, error) {
	body := map[string]any{
		"participants":    participants,
		"thread_type":     threadType,
		"title":           title,
		"message_content": messageContent,
	}
	var out ThreadWithMessage
	if err := c.do(ctx, fasthttp.MethodPost, "/threads", body, &out); err != nil {
		return ThreadWithMessage{}, err
	}
	return out, nil
}

// CheckExisting asks whether a thread already exists for the participant
// set, the first half of the check-then-create sequence.
func (c *Client) CheckExisting(ctx context.Context, participants []models.Participant, threadType models.ThreadType) (bool, *models.Thread, error) {
	body := map[string]any{
		"participants": participants,
		"thread_type":  threadType,
	}
	var out struct {
		Exists bool           `json:"exists"`
		Thread *models.Thread `json:"thread,omitempty"`
	}
	if err := c.do(ctx, fasthttp.MethodPost, "/threads/check-existing", body, &out); err != nil {
		return false, nil, err
	}
	return out.Exists, out.Thread, nil
}
