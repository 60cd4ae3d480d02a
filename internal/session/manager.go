// Package session tracks debugger attachment per target: a small state
// machine with an inactivity-driven auto-release. Attaching shows the page a
// "is being debugged" banner, so sessions are held only while they are
// actually used and released after a quiet window.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the attachment state of one target.
type State int

const (
	Detached State = iota
	Attaching
	Attached
	Detaching
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detaching:
		return "detaching"
	}
	return "unknown"
}

// DefaultWindow is the inactivity window after which an attached session is
// released.
const DefaultWindow = 30 * time.Second

// Transport is the attach/detach slice of the protocol client.
type Transport interface {
	Attach(ctx context.Context, targetID string) (sessionID string, err error)
	Detach(ctx context.Context, sessionID string) error
}

// Event describes one lifecycle transition, for audit hooks.
type Event struct {
	TargetID  string
	SessionID string
	Kind      string // attached | released | auto_released | external_detach
}

// AfterAttachFunc runs protocol setup on a fresh session (enabling domains,
// injecting scripts) while the target lock is still held.
type AfterAttachFunc func(ctx context.Context, targetID, sessionID string) error

// keyLock is a context-aware mutex: the per-target in-flight guard that
// serializes attach/detach. A second caller waits for the first to finish
// rather than racing it.
type keyLock chan struct{}

func newKeyLock() keyLock { return make(keyLock, 1) }

func (l keyLock) Lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l keyLock) Unlock() { <-l }

type target struct {
	lock keyLock

	// The fields below are guarded by Manager.mu. Transitions through
	// Attaching/Detaching happen only while holding lock, so a caller
	// holding it observes only Detached or Attached.
	state        State
	sessionID    string
	lastActivity time.Time
	timer        Timer
}

// Manager owns attachment state for every inspected target.
type Manager struct {
	tr          Transport
	clock       Clock
	window      time.Duration
	logger      *slog.Logger
	afterAttach AfterAttachFunc
	onEvent     func(Event)

	mu      sync.Mutex
	targets map[string]*target
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the real clock (used by tests).
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithWindow sets the inactivity window. Default: DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithAfterAttach installs post-attach session setup.
func WithAfterAttach(fn AfterAttachFunc) Option {
	return func(m *Manager) { m.afterAttach = fn }
}

// WithOnEvent installs a lifecycle event hook.
func WithOnEvent(fn func(Event)) Option {
	return func(m *Manager) { m.onEvent = fn }
}

// New creates a Manager over the given transport.
func New(tr Transport, opts ...Option) *Manager {
	m := &Manager{
		tr:      tr,
		clock:   realClock{},
		window:  DefaultWindow,
		logger:  slog.Default(),
		targets: make(map[string]*target),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ensure returns an attached session id for the target, attaching if needed.
// Concurrent calls for one target are serialized: the second waits for the
// first attach instead of starting its own. An already-attached target just
// has its activity refreshed.
func (m *Manager) Ensure(ctx context.Context, targetID string) (string, error) {
	t := m.target(targetID)
	if err := t.lock.Lock(ctx); err != nil {
		return "", err
	}
	defer t.lock.Unlock()

	m.mu.Lock()
	state, sid := t.state, t.sessionID
	m.mu.Unlock()

	if state == Attached {
		m.Touch(targetID)
		return sid, nil
	}

	m.setState(t, Attaching)
	sid, err := m.tr.Attach(ctx, targetID)
	if err != nil {
		m.setState(t, Detached)
		return "", fmt.Errorf("session: attach %s: %w", targetID, err)
	}

	if m.afterAttach != nil {
		if err := m.afterAttach(ctx, targetID, sid); err != nil {
			// Roll back so the next Ensure starts clean.
			m.setState(t, Detaching)
			if derr := m.tr.Detach(ctx, sid); derr != nil {
				m.logger.Warn("session: rollback detach failed",
					"target", targetID, "error", derr)
			}
			m.setState(t, Detached)
			return "", fmt.Errorf("session: setup %s: %w", targetID, err)
		}
	}

	m.mu.Lock()
	t.state = Attached
	t.sessionID = sid
	t.lastActivity = m.clock.Now()
	m.armTimerLocked(t, targetID, m.window)
	m.mu.Unlock()

	m.emit(Event{TargetID: targetID, SessionID: sid, Kind: "attached"})
	m.logger.Debug("session: attached", "target", targetID, "session", sid)
	return sid, nil
}

// With runs fn with an ensured session. Activity is refreshed only when fn
// succeeds: a failing session is not "used".
func (m *Manager) With(ctx context.Context, targetID string, fn func(ctx context.Context, sessionID string) error) error {
	sid, err := m.Ensure(ctx, targetID)
	if err != nil {
		return err
	}
	if err := fn(ctx, sid); err != nil {
		return err
	}
	m.Touch(targetID)
	return nil
}

// Touch refreshes the target's activity timestamp and re-arms its
// auto-release timer for the full window.
func (m *Manager) Touch(targetID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.targets[targetID]
	if t == nil || t.state != Attached {
		return
	}
	t.lastActivity = m.clock.Now()
	m.armTimerLocked(t, targetID, m.window)
}

// Release detaches the target unconditionally and cancels its timer.
// Detach errors are logged, not propagated: the local state is reset either
// way, and "not attached" answers are expected after an external detach.
func (m *Manager) Release(ctx context.Context, targetID string) error {
	return m.release(ctx, targetID, "released")
}

// ReleaseAll releases every tracked target.
func (m *Manager) ReleaseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.targets))
	for id := range m.targets {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.release(ctx, id, "released"); err != nil {
			m.logger.Warn("session: release failed", "target", id, "error", err)
		}
	}
}

// HandleDetached records an externally-triggered detach (the host ended the
// session: devtools opened, tab closed, navigation to a restricted scheme).
// Pure state transition; the next Ensure reattaches transparently.
func (m *Manager) HandleDetached(sessionID string) {
	m.mu.Lock()
	var tid string
	var t *target
	for id, cand := range m.targets {
		if cand.sessionID == sessionID && cand.state == Attached {
			tid, t = id, cand
			break
		}
	}
	if t == nil {
		m.mu.Unlock()
		return
	}
	t.state = Detached
	t.sessionID = ""
	m.stopTimerLocked(t)
	m.mu.Unlock()

	m.emit(Event{TargetID: tid, SessionID: sessionID, Kind: "external_detach"})
	m.logger.Info("session: externally detached", "target", tid, "session", sessionID)
}

// State reports the target's current attachment state.
func (m *Manager) State(targetID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.targets[targetID]; t != nil {
		return t.state
	}
	return Detached
}

func (m *Manager) target(id string) *target {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.targets[id]
	if t == nil {
		t = &target{lock: newKeyLock()}
		m.targets[id] = t
	}
	return t
}

func (m *Manager) setState(t *target, s State) {
	m.mu.Lock()
	t.state = s
	m.mu.Unlock()
}

func (m *Manager) release(ctx context.Context, targetID, kind string) error {
	m.mu.Lock()
	t := m.targets[targetID]
	m.mu.Unlock()
	if t == nil {
		return nil
	}
	if err := t.lock.Lock(ctx); err != nil {
		return err
	}
	defer t.lock.Unlock()

	m.mu.Lock()
	if t.state != Attached {
		m.stopTimerLocked(t)
		m.mu.Unlock()
		return nil
	}
	sid := t.sessionID
	t.state = Detaching
	m.stopTimerLocked(t)
	m.mu.Unlock()

	err := m.tr.Detach(ctx, sid)

	m.mu.Lock()
	t.state = Detached
	t.sessionID = ""
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("session: detach answered with error",
			"target", targetID, "error", err)
	}
	m.emit(Event{TargetID: targetID, SessionID: sid, Kind: kind})
	m.logger.Debug("session: released", "target", targetID, "reason", kind)
	return nil
}

// autoRelease fires when the inactivity timer elapses. Activity after the
// timer was armed re-arms it for the remainder instead of releasing.
func (m *Manager) autoRelease(targetID string) {
	m.mu.Lock()
	t := m.targets[targetID]
	if t == nil || t.state != Attached {
		m.mu.Unlock()
		return
	}
	idle := m.clock.Now().Sub(t.lastActivity)
	if idle < m.window {
		m.armTimerLocked(t, targetID, m.window-idle)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.release(ctx, targetID, "auto_released"); err != nil {
		m.logger.Warn("session: auto-release failed", "target", targetID, "error", err)
	}
}

func (m *Manager) armTimerLocked(t *target, targetID string, d time.Duration) {
	m.stopTimerLocked(t)
	t.timer = m.clock.AfterFunc(d, func() { m.autoRelease(targetID) })
}

func (m *Manager) stopTimerLocked(t *target) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}
