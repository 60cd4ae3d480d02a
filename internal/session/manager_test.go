package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// virtualClock drives a deterministic timeline for timer tests.
type virtualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

type virtualTimer struct {
	c       *virtualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &virtualTimer{c: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *virtualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock to now+d, firing due timers in order. Callbacks run
// without the clock lock held so they may arm new timers.
func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	deadline := c.now.Add(d)
	for {
		var next *virtualTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(deadline) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		fn := next.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = deadline
	c.mu.Unlock()
}

type fakeTransport struct {
	mu         sync.Mutex
	attachN    int
	detachN    int
	attachErr  error
	detached   []string
	attachGate chan struct{} // when set, Attach blocks until closed
}

func (f *fakeTransport) Attach(ctx context.Context, targetID string) (string, error) {
	f.mu.Lock()
	f.attachN++
	n := f.attachN
	err := f.attachErr
	gate := f.attachGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sess_%d", n), nil
}

func (f *fakeTransport) Detach(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachN++
	f.detached = append(f.detached, sessionID)
	return nil
}

func (f *fakeTransport) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachN, f.detachN
}

func TestEnsure_AttachesAndRefreshes(t *testing.T) {
	tr := &fakeTransport{}
	clk := newVirtualClock()
	m := New(tr, WithClock(clk))

	sid, err := m.Ensure(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if sid != "sess_1" {
		t.Fatalf("session id: got %q, want %q", sid, "sess_1")
	}
	if got := m.State("t1"); got != Attached {
		t.Fatalf("state: got %v, want Attached", got)
	}

	// Second ensure reuses the session.
	sid2, err := m.Ensure(context.Background(), "t1")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if sid2 != sid {
		t.Fatalf("second session id: got %q, want %q", sid2, sid)
	}
	if attaches, _ := tr.counts(); attaches != 1 {
		t.Fatalf("attach count: got %d, want 1", attaches)
	}
}

func TestEnsure_ConcurrentCallersAttachOnce(t *testing.T) {
	gate := make(chan struct{})
	tr := &fakeTransport{attachGate: gate}
	m := New(tr, WithClock(newVirtualClock()))

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			sid, err := m.Ensure(context.Background(), "t1")
			if err != nil {
				t.Errorf("ensure: %v", err)
			}
			results <- sid
		}()
	}

	// Let both goroutines reach the manager, then release the attach.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	a, b := <-results, <-results
	if a != b {
		t.Fatalf("session ids diverge: %q vs %q", a, b)
	}
	if attaches, _ := tr.counts(); attaches != 1 {
		t.Fatalf("attach count: got %d, want 1", attaches)
	}
}

func TestEnsure_AttachErrorResetsState(t *testing.T) {
	boom := errors.New("no such target")
	tr := &fakeTransport{attachErr: boom}
	m := New(tr, WithClock(newVirtualClock()))

	_, err := m.Ensure(context.Background(), "t1")
	if !errors.Is(err, boom) {
		t.Fatalf("error: got %v, want wrapped %v", err, boom)
	}
	if got := m.State("t1"); got != Detached {
		t.Fatalf("state after failed attach: got %v, want Detached", got)
	}

	// A later ensure retries.
	tr.mu.Lock()
	tr.attachErr = nil
	tr.mu.Unlock()
	if _, err := m.Ensure(context.Background(), "t1"); err != nil {
		t.Fatalf("retry ensure: %v", err)
	}
}

func TestAutoRelease_FiresAfterQuietWindow(t *testing.T) {
	tr := &fakeTransport{}
	clk := newVirtualClock()
	m := New(tr, WithClock(clk), WithWindow(30*time.Second))

	if _, err := m.Ensure(context.Background(), "t1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	clk.Advance(29 * time.Second)
	if got := m.State("t1"); got != Attached {
		t.Fatalf("state at 29s: got %v, want Attached", got)
	}

	clk.Advance(1 * time.Second)
	if got := m.State("t1"); got != Detached {
		t.Fatalf("state at 30s: got %v, want Detached", got)
	}
	if _, detaches := tr.counts(); detaches != 1 {
		t.Fatalf("detach count: got %d, want 1", detaches)
	}
}

func TestAutoRelease_TouchDefersRelease(t *testing.T) {
	tr := &fakeTransport{}
	clk := newVirtualClock()
	m := New(tr, WithClock(clk), WithWindow(30*time.Second))

	if _, err := m.Ensure(context.Background(), "t1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	clk.Advance(20 * time.Second)
	m.Touch("t1")

	// The original deadline passes; activity at 20s keeps the session.
	clk.Advance(29 * time.Second)
	if got := m.State("t1"); got != Attached {
		t.Fatalf("state at 49s: got %v, want Attached", got)
	}

	clk.Advance(1 * time.Second)
	if got := m.State("t1"); got != Detached {
		t.Fatalf("state at 50s: got %v, want Detached", got)
	}
}

func TestWith_FailedCallDoesNotRefresh(t *testing.T) {
	tr := &fakeTransport{}
	clk := newVirtualClock()
	m := New(tr, WithClock(clk), WithWindow(30*time.Second))

	if _, err := m.Ensure(context.Background(), "t1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	clk.Advance(29 * time.Second)
	callErr := errors.New("command failed")
	err := m.With(context.Background(), "t1", func(context.Context, string) error {
		return callErr
	})
	if !errors.Is(err, callErr) {
		t.Fatalf("with error: got %v, want %v", err, callErr)
	}

	// Ensure inside With refreshed at 29s, but the failing call must not
	// have refreshed again. Wait out the window from the ensure refresh.
	clk.Advance(30 * time.Second)
	if got := m.State("t1"); got != Detached {
		t.Fatalf("state after failed call window: got %v, want Detached", got)
	}
}

func TestWith_SuccessRefreshes(t *testing.T) {
	tr := &fakeTransport{}
	clk := newVirtualClock()
	m := New(tr, WithClock(clk), WithWindow(30*time.Second))

	if _, err := m.Ensure(context.Background(), "t1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	clk.Advance(20 * time.Second)
	err := m.With(context.Background(), "t1", func(context.Context, string) error {
		return nil
	})
	if err != nil {
		t.Fatalf("with: %v", err)
	}

	clk.Advance(29 * time.Second)
	if got := m.State("t1"); got != Attached {
		t.Fatalf("state 29s after use: got %v, want Attached", got)
	}
}

func TestRelease_Unattached(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, WithClock(newVirtualClock()))

	if err := m.Release(context.Background(), "never-seen"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, detaches := tr.counts(); detaches != 0 {
		t.Fatalf("detach count: got %d, want 0", detaches)
	}
}

func TestHandleDetached_NextEnsureReattaches(t *testing.T) {
	tr := &fakeTransport{}
	clk := newVirtualClock()
	var events []Event
	var evMu sync.Mutex
	m := New(tr, WithClock(clk), WithOnEvent(func(ev Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	}))

	sid, err := m.Ensure(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	m.HandleDetached(sid)
	if got := m.State("t1"); got != Detached {
		t.Fatalf("state after external detach: got %v, want Detached", got)
	}

	// No protocol detach was issued for an external detach.
	if _, detaches := tr.counts(); detaches != 0 {
		t.Fatalf("detach count: got %d, want 0", detaches)
	}

	sid2, err := m.Ensure(context.Background(), "t1")
	if err != nil {
		t.Fatalf("reattach ensure: %v", err)
	}
	if sid2 == sid {
		t.Fatalf("reattach returned stale session id %q", sid2)
	}

	evMu.Lock()
	defer evMu.Unlock()
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	want := []string{"attached", "external_detach", "attached"}
	if len(kinds) != len(want) {
		t.Fatalf("events: got %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event[%d]: got %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestAfterAttach_ErrorRollsBack(t *testing.T) {
	tr := &fakeTransport{}
	setupErr := errors.New("stealth script rejected")
	m := New(tr, WithClock(newVirtualClock()), WithAfterAttach(
		func(context.Context, string, string) error { return setupErr },
	))

	_, err := m.Ensure(context.Background(), "t1")
	if !errors.Is(err, setupErr) {
		t.Fatalf("error: got %v, want wrapped %v", err, setupErr)
	}
	if got := m.State("t1"); got != Detached {
		t.Fatalf("state: got %v, want Detached", got)
	}
	if _, detaches := tr.counts(); detaches != 1 {
		t.Fatalf("rollback detach count: got %d, want 1", detaches)
	}
}

func TestReleaseAll(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, WithClock(newVirtualClock()))

	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := m.Ensure(context.Background(), id); err != nil {
			t.Fatalf("ensure %s: %v", id, err)
		}
	}

	m.ReleaseAll(context.Background())
	for _, id := range []string{"t1", "t2", "t3"} {
		if got := m.State(id); got != Detached {
			t.Fatalf("state %s: got %v, want Detached", id, got)
		}
	}
	if _, detaches := tr.counts(); detaches != 3 {
		t.Fatalf("detach count: got %d, want 3", detaches)
	}
}
