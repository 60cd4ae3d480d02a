// Package cdp is a minimal Chrome DevTools Protocol client: one browser-level
// websocket carrying flattened per-target sessions. Commands are correlated to
// responses through a pending map; asynchronous protocol events are routed to
// handlers registered per session.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned for calls issued on (or interrupted by) a closed
// connection.
var ErrClosed = errors.New("cdp: connection closed")

// Error is a protocol-level command failure reported by the browser.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp: %s (code %d)", e.Message, e.Code)
}

// EventHandler receives the raw params of one protocol event.
type EventHandler func(params json.RawMessage)

type request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// envelope covers both command responses (ID set) and events (Method set).
type envelope struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *Error          `json:"error"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client is a CDP connection. Safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan callResult

	handlerMu sync.Mutex
	handlers  map[string]map[string]map[int64]EventHandler // session → event → sub → handler
	nextSub   int64

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to a browser websocket debugger URL and starts the read loop.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:   slog.Default(),
		pending:  make(map[int64]chan callResult),
		handlers: make(map[string]map[string]map[int64]EventHandler),
		closed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}
	// Full-page snapshots of heavy pages run to hundreds of megabytes.
	conn.SetReadLimit(512 << 20)
	c.conn = conn

	go c.readLoop()
	return c, nil
}

// Call issues one protocol command and decodes its result into result (which
// may be nil to discard it). Session id "" targets the browser session.
func (c *Client) Call(ctx context.Context, sessionID, method string, params, result any) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan callResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := request{ID: id, Method: method, Params: params, SessionID: sessionID}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return fmt.Errorf("cdp: write %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		c.removePending(id)
		return ErrClosed
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("cdp: %s: %w", method, res.err)
		}
		if result != nil && len(res.result) > 0 {
			if err := json.Unmarshal(res.result, result); err != nil {
				return fmt.Errorf("cdp: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Attach opens a flattened protocol session to the target. Commands for that
// page must carry the returned session id.
func (c *Client) Attach(ctx context.Context, targetID string) (string, error) {
	var res struct {
		SessionID string `json:"sessionId"`
	}
	err := c.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.SessionID, nil
}

// Detach closes a protocol session and drops its event handlers.
func (c *Client) Detach(ctx context.Context, sessionID string) error {
	err := c.Call(ctx, "", "Target.detachFromTarget", map[string]any{
		"sessionId": sessionID,
	}, nil)
	if err != nil {
		return err
	}
	c.dropSession(sessionID)
	return nil
}

// On registers a handler for a protocol event on one session. Session id ""
// subscribes at browser level. The returned func removes the handler.
func (c *Client) On(sessionID, event string, h EventHandler) func() {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	byEvent := c.handlers[sessionID]
	if byEvent == nil {
		byEvent = make(map[string]map[int64]EventHandler)
		c.handlers[sessionID] = byEvent
	}
	subs := byEvent[event]
	if subs == nil {
		subs = make(map[int64]EventHandler)
		byEvent[event] = subs
	}
	c.nextSub++
	id := c.nextSub
	subs[id] = h

	return func() {
		c.handlerMu.Lock()
		defer c.handlerMu.Unlock()
		if byEvent := c.handlers[sessionID]; byEvent != nil {
			delete(byEvent[event], id)
		}
	}
}

// Close shuts the connection down and fails all pending calls.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed once the connection has shut down (locally or by the peer).
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("cdp: malformed frame", "error", err)
			continue
		}

		if env.Method != "" {
			c.dispatchEvent(&env)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingMu.Unlock()
		if !ok {
			continue
		}
		if env.Error != nil {
			ch <- callResult{err: env.Error}
		} else {
			ch <- callResult{result: env.Result}
		}
	}
}

func (c *Client) dispatchEvent(env *envelope) {
	c.handlerMu.Lock()
	var hs []EventHandler
	if byEvent := c.handlers[env.SessionID]; byEvent != nil {
		for _, h := range byEvent[env.Method] {
			hs = append(hs, h)
		}
	}
	c.handlerMu.Unlock()

	// Handlers run outside the lock; they may register, remove, or call.
	for _, h := range hs {
		h(env.Params)
	}

	// The browser ended a session (devtools opened, tab closed, navigation
	// to a restricted scheme). Per-session handler state must not outlive
	// the session, so drop it after subscribers have been notified.
	if env.Method == "Target.detachedFromTarget" {
		var p struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(env.Params, &p); err == nil && p.SessionID != "" {
			c.dropSession(p.SessionID)
		}
	}
}

func (c *Client) dropSession(sessionID string) {
	c.handlerMu.Lock()
	delete(c.handlers, sessionID)
	c.handlerMu.Unlock()
}

func (c *Client) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			ch <- callResult{err: ErrClosed}
		}
		c.pendingMu.Unlock()

		if cause != nil {
			c.logger.Debug("cdp: connection closed", "error", cause)
		}
	})
}
