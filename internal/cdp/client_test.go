package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// fakeBrowser is a websocket peer speaking just enough of the protocol for
// the tests: it answers commands through reply and can emit events.
type fakeBrowser struct {
	t     *testing.T
	url   string
	reply func(method string, req map[string]any) (any, *Error)

	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{}
}

func newFakeBrowser(t *testing.T, reply func(method string, req map[string]any) (any, *Error)) *fakeBrowser {
	t.Helper()
	f := &fakeBrowser{t: t, reply: reply, ready: make(chan struct{})}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		close(f.ready)

		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			method, _ := req["method"].(string)
			if f.reply == nil {
				continue
			}
			res, cerr := f.reply(method, req)
			if res == nil && cerr == nil {
				continue // command swallowed, no response
			}
			resp := map[string]any{"id": req["id"]}
			if cerr != nil {
				resp["error"] = cerr
			} else {
				resp["result"] = res
			}
			f.send(resp)
		}
	}))
	t.Cleanup(srv.Close)

	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f *fakeBrowser) send(msg any) {
	<-f.ready
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.WriteJSON(msg); err != nil {
		f.t.Errorf("fake browser write: %v", err)
	}
}

func (f *fakeBrowser) emit(sessionID, method string, params any) {
	msg := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	f.send(msg)
}

func (f *fakeBrowser) closeConn() {
	<-f.ready
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.Close()
}

func dialFake(t *testing.T, f *fakeBrowser) *Client {
	t.Helper()
	c, err := Dial(context.Background(), f.url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestCall_RoundTrip(t *testing.T) {
	f := newFakeBrowser(t, func(method string, _ map[string]any) (any, *Error) {
		if method != "Browser.getVersion" {
			return nil, &Error{Code: -32601, Message: "unknown method"}
		}
		return map[string]any{"product": "Chrome/140.0"}, nil
	})
	c := dialFake(t, f)

	var res struct {
		Product string `json:"product"`
	}
	if err := c.Call(context.Background(), "", "Browser.getVersion", nil, &res); err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.Product != "Chrome/140.0" {
		t.Fatalf("product: got %q, want %q", res.Product, "Chrome/140.0")
	}
}

func TestCall_ProtocolError(t *testing.T) {
	f := newFakeBrowser(t, func(string, map[string]any) (any, *Error) {
		return nil, &Error{Code: -32000, Message: "No target with given id found"}
	})
	c := dialFake(t, f)

	err := c.Call(context.Background(), "", "Target.attachToTarget", map[string]any{"targetId": "nope"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type: got %T (%v)", err, err)
	}
	if perr.Code != -32000 {
		t.Fatalf("code: got %d, want -32000", perr.Code)
	}
}

func TestCall_ContextCanceled(t *testing.T) {
	f := newFakeBrowser(t, func(string, map[string]any) (any, *Error) {
		return nil, nil // never answer
	})
	c := dialFake(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Call(ctx, "", "Page.enable", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error: got %v, want deadline exceeded", err)
	}
}

func TestCall_SessionRoutedRequest(t *testing.T) {
	gotSession := make(chan string, 1)
	f := newFakeBrowser(t, func(_ string, req map[string]any) (any, *Error) {
		sid, _ := req["sessionId"].(string)
		gotSession <- sid
		return map[string]any{}, nil
	})
	c := dialFake(t, f)

	if err := c.Call(context.Background(), "sess_9", "DOM.getDocument", nil, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if sid := <-gotSession; sid != "sess_9" {
		t.Fatalf("request sessionId: got %q, want %q", sid, "sess_9")
	}
}

func TestOn_EventRoutedBySession(t *testing.T) {
	f := newFakeBrowser(t, nil)
	c := dialFake(t, f)

	s1 := make(chan struct{}, 4)
	s2 := make(chan struct{}, 4)
	c.On("s1", "Page.loadEventFired", func(json.RawMessage) { s1 <- struct{}{} })
	c.On("s2", "Page.loadEventFired", func(json.RawMessage) { s2 <- struct{}{} })

	f.emit("s1", "Page.loadEventFired", map[string]any{"timestamp": 1.0})
	waitSignal(t, s1, "s1 event")

	select {
	case <-s2:
		t.Fatal("s2 handler fired for s1 event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOn_RemoveUnsubscribes(t *testing.T) {
	f := newFakeBrowser(t, nil)
	c := dialFake(t, f)

	fired := make(chan struct{}, 4)
	remove := c.On("s1", "DOM.documentUpdated", func(json.RawMessage) { fired <- struct{}{} })

	f.emit("s1", "DOM.documentUpdated", nil)
	waitSignal(t, fired, "first event")

	remove()
	f.emit("s1", "DOM.documentUpdated", nil)
	select {
	case <-fired:
		t.Fatal("handler fired after remove")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatch_ExternalDetachDropsSessionHandlers(t *testing.T) {
	f := newFakeBrowser(t, nil)
	c := dialFake(t, f)

	detached := make(chan struct{}, 1)
	events := make(chan struct{}, 4)
	c.On("", "Target.detachedFromTarget", func(json.RawMessage) { detached <- struct{}{} })
	c.On("s1", "Page.loadEventFired", func(json.RawMessage) { events <- struct{}{} })

	f.emit("s1", "Page.loadEventFired", nil)
	waitSignal(t, events, "pre-detach event")

	f.emit("", "Target.detachedFromTarget", map[string]any{"sessionId": "s1", "targetId": "t1"})
	waitSignal(t, detached, "detach notification")

	// Frames are processed in order on one connection, so by the time this
	// event arrives the s1 handler state must already be gone.
	f.emit("s1", "Page.loadEventFired", nil)
	select {
	case <-events:
		t.Fatal("handler fired after external detach")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAttach_ReturnsSessionID(t *testing.T) {
	f := newFakeBrowser(t, func(method string, req map[string]any) (any, *Error) {
		switch method {
		case "Target.attachToTarget":
			params, _ := req["params"].(map[string]any)
			if flat, _ := params["flatten"].(bool); !flat {
				return nil, &Error{Code: -32602, Message: "flatten required"}
			}
			return map[string]any{"sessionId": "sess_42"}, nil
		case "Target.detachFromTarget":
			return map[string]any{}, nil
		}
		return nil, &Error{Code: -32601, Message: "unknown method"}
	})
	c := dialFake(t, f)

	sid, err := c.Attach(context.Background(), "target_1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if sid != "sess_42" {
		t.Fatalf("session id: got %q, want %q", sid, "sess_42")
	}
	if err := c.Detach(context.Background(), sid); err != nil {
		t.Fatalf("detach: %v", err)
	}
}

func TestCall_FailsAllPendingOnDisconnect(t *testing.T) {
	received := make(chan struct{}, 1)
	f := newFakeBrowser(t, func(string, map[string]any) (any, *Error) {
		received <- struct{}{}
		return nil, nil // hang the call
	})
	c := dialFake(t, f)

	errc := make(chan error, 1)
	go func() {
		errc <- c.Call(context.Background(), "", "DOM.getDocument", nil, nil)
	}()
	waitSignal(t, received, "request receipt")

	f.closeConn()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("pending call error: got %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail after disconnect")
	}

	// Later calls fail fast.
	<-c.Done()
	if err := c.Call(context.Background(), "", "Page.enable", nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("post-close call error: got %v, want ErrClosed", err)
	}
}
