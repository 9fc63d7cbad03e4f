package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"msgsync/pkg/logger"
	"msgsync/pkg/metrics"
)

// ErrNotConnected is returned by Send while the socket is down; callers
// fall back to the request-response path.
var ErrNotConnected = errors.New("push channel not connected")

// Handler receives raw inbound envelope bytes, pre-routed by thread id.
type Handler func(thread string, raw []byte)

// Options configures the push client.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// Client owns the single persistent connection shared by all thread
// subscriptions. It is created lazily by Start and transparently recreated
// on disconnect; every subscribed thread is re-announced after a reconnect.
type Client struct {
	opts    Options
	handler Handler

	mu        sync.Mutex
	wmu       sync.Mutex
	conn      *websocket.Conn
	subs      map[string]struct{}
	everConn  bool
	stop      context.CancelFunc
	stoppedCh chan struct{}
}

type frame struct {
	Action  string `json:"action"`
	Thread  string `json:"thread_id,omitempty"`
	Content string `json:"content,omitempty"`
	Type    string `json:"type,omitempty"`
}

func New(opts Options, handler Handler) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Client{
		opts:    opts,
		handler: handler,
		subs:    make(map[string]struct{}),
	}
}

// Start launches the connect/reconnect loop. It returns immediately; the
// channel is best-effort and the poll fallback covers any gap.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.stop = cancel
	c.stoppedCh = make(chan struct{})
	c.mu.Unlock()
	go c.run(ctx)
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.stop
	conn := c.conn
	stopped := c.stoppedCh
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if stopped != nil {
		<-stopped
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.stoppedCh)
	backoff := c.opts.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
		if err != nil {
			logger.Debug("push_dial_failed", "url", c.opts.URL, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			continue
		}
		backoff = c.opts.ReconnectMin

		c.mu.Lock()
		c.conn = conn
		if c.everConn {
			metrics.PushReconnects.Inc()
		}
		c.everConn = true
		resub := make([]string, 0, len(c.subs))
		for id := range c.subs {
			resub = append(resub, id)
		}
		c.mu.Unlock()

		logger.Info("push_connected", "url", c.opts.URL, "resubscribing", len(resub))
		for _, id := range resub {
			if err := c.writeFrame(frame{Action: "subscribe", Thread: id}); err != nil {
				logger.Warn("push_resubscribe_failed", "thread", id, "error", err)
				break
			}
		}

		pingDone := make(chan struct{})
		go c.pingLoop(conn, pingDone)
		c.readLoop(conn)
		close(pingDone)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Debug("push_read_closed", "error", err)
			return
		}
		// route on the envelope's thread id without decoding the payload
		var env struct {
			Thread string `json:"thread_id"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Warn("push_invalid_envelope", "error", err)
			continue
		}
		if c.handler != nil {
			c.handler(env.Thread, raw)
		}
	}
}

// writeFrame serializes writes; gorilla connections allow one writer.
func (c *Client) writeFrame(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Subscribe records interest in a thread and announces it when connected.
// Failure to announce is non-fatal: the subscription is replayed on the
// next (re)connect, and poll covers the gap.
func (c *Client) Subscribe(threadID string) error {
	c.mu.Lock()
	c.subs[threadID] = struct{}{}
	c.mu.Unlock()
	return c.writeFrame(frame{Action: "subscribe", Thread: threadID})
}

// Unsubscribe drops interest in a thread.
func (c *Client) Unsubscribe(threadID string) error {
	c.mu.Lock()
	delete(c.subs, threadID)
	c.mu.Unlock()
	return c.writeFrame(frame{Action: "unsubscribe", Thread: threadID})
}

// Send transmits a message over the socket. A nil return means the frame
// was handed to the transport; delivery confirmation still arrives through
// the inbound event stream.
func (c *Client) Send(ctx context.Context, threadID, content, msgType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeFrame(frame{Action: "send", Thread: threadID, Content: content, Type: msgType})
}
