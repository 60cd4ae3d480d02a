// Package axlens reads live Chrome pages over the DevTools protocol and
// renders them as compact element trees for agent consumption. Each tree
// merges three protocol views of the page: the structural DOM, the layout
// snapshot, and the per-frame accessibility trees. Every surfaced element
// carries a stable reference (ref_N) that later calls resolve back to the
// live node for fresh accessibility state or geometry.
//
// A Lens holds one browser connection and attaches to pages on demand.
// Attached sessions are released after an inactivity window so the "is
// being debugged" banner never lingers on a page nobody is inspecting.
package axlens

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/axlens/distill"
	"github.com/hazyhaar/axlens/internal/cdp"
	"github.com/hazyhaar/axlens/internal/config"
	"github.com/hazyhaar/axlens/internal/merge"
	"github.com/hazyhaar/axlens/internal/session"
	"github.com/hazyhaar/axlens/observability"
)

const stopTimeout = 5 * time.Second

// Lens is the top-level orchestrator. It owns the browser connection, the
// session manager, and one reference registry per inspected target. Create
// one per browser.
type Lens struct {
	cfg    *config.Config
	logger *slog.Logger

	client *cdp.Client
	mgr    *session.Manager
	lnch   *launcher.Launcher // non-nil when the browser was launched here
	dist   *distill.Distiller

	mu         sync.Mutex
	registries map[string]*merge.Registry // keyed by target id

	offDetached func()

	audit   *observability.AuditLogger
	events  *observability.EventLogger
	metrics *observability.MetricsManager
}

// Option configures optional Lens collaborators.
type Option func(*Lens)

// WithAudit records every operation in the given audit trail.
func WithAudit(a *observability.AuditLogger) Option {
	return func(l *Lens) { l.audit = a }
}

// WithEvents records session lifecycle transitions in the given store.
func WithEvents(e *observability.EventLogger) Option {
	return func(l *Lens) { l.events = e }
}

// WithMetrics records capture timings and tree sizes in the given store.
func WithMetrics(m *observability.MetricsManager) Option {
	return func(l *Lens) { l.metrics = m }
}

// New creates a Lens from configuration. Call Start before using it.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Lens {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Lens{
		cfg:        cfg,
		logger:     logger,
		dist:       distill.New(logger),
		registries: make(map[string]*merge.Registry),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start connects to the browser, launching a local one when no connect
// address is configured.
func (l *Lens) Start(ctx context.Context) error {
	wsURL, err := l.resolveWSURL(ctx)
	if err != nil {
		return err
	}

	client, err := cdp.Dial(ctx, wsURL, cdp.WithLogger(l.logger))
	if err != nil {
		return fmt.Errorf("axlens: connect browser: %w", err)
	}
	l.client = client

	l.mgr = session.New(client,
		session.WithWindow(l.cfg.Session.InactivityWindow),
		session.WithLogger(l.logger),
		session.WithAfterAttach(l.prepareSession),
		session.WithOnEvent(l.recordSessionEvent),
	)

	// External detaches (tab closed, DevTools opened by a human) arrive
	// as events on the browser connection.
	l.offDetached = client.On("", "Target.detachedFromTarget", func(p json.RawMessage) {
		var ev struct {
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(p, &ev) != nil || ev.SessionID == "" {
			return
		}
		l.mgr.HandleDetached(ev.SessionID)
	})

	l.logger.Info("axlens: connected", "window", l.cfg.Session.InactivityWindow)
	return nil
}

// Stop releases every session and closes the connection. A browser
// launched by Start is shut down with it.
func (l *Lens) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if l.mgr != nil {
		l.mgr.ReleaseAll(ctx)
	}
	if l.offDetached != nil {
		l.offDetached()
		l.offDetached = nil
	}
	if l.client != nil {
		l.client.Close()
		l.client = nil
	}
	if l.lnch != nil {
		l.lnch.Cleanup()
		l.lnch = nil
	}
	l.logger.Info("axlens: stopped")
}

// resolveWSURL picks the browser endpoint: a ws:// URL as-is, an http://
// debug address via discovery, or a locally launched Chrome when empty.
func (l *Lens) resolveWSURL(ctx context.Context) (string, error) {
	connect := l.cfg.Browser.Connect
	switch {
	case strings.HasPrefix(connect, "ws://"), strings.HasPrefix(connect, "wss://"):
		return connect, nil
	case connect != "":
		u, err := cdp.BrowserWSURL(ctx, connect)
		if err != nil {
			return "", fmt.Errorf("axlens: discover browser: %w", err)
		}
		return u, nil
	}

	lnch := launcher.New().Headless(l.cfg.Browser.Mode != "headful")
	if l.cfg.Browser.Bin != "" {
		lnch = lnch.Bin(l.cfg.Browser.Bin)
	}
	lnch = lnch.Set("disable-blink-features", "AutomationControlled")

	u, err := lnch.Launch()
	if err != nil {
		return "", fmt.Errorf("axlens: launch browser: %w", err)
	}
	l.lnch = lnch
	l.logger.Info("axlens: launched local chrome", "mode", l.cfg.Browser.Mode)
	return u, nil
}

// prepareSession runs once per attach, before the session is handed out:
// it enables the protocol domains every capture needs and, when stealth is
// on, registers the anti-detection script for documents created from now on.
func (l *Lens) prepareSession(ctx context.Context, targetID, sessionID string) error {
	for _, method := range []string{"Page.enable", "DOM.enable", "Accessibility.enable"} {
		if err := l.client.Call(ctx, sessionID, method, nil, nil); err != nil {
			return fmt.Errorf("axlens: %s: %w", method, err)
		}
	}
	if l.cfg.Browser.Stealth {
		params := map[string]any{"source": stealth.JS}
		if err := l.client.Call(ctx, sessionID, "Page.addScriptToEvaluateOnNewDocument", params, nil); err != nil {
			return fmt.Errorf("axlens: stealth script: %w", err)
		}
	}
	return nil
}

func (l *Lens) recordSessionEvent(ev session.Event) {
	if l.events == nil {
		return
	}
	l.events.LogSession(context.Background(), observability.SessionEvent{
		TargetID:  ev.TargetID,
		SessionID: ev.SessionID,
		Kind:      ev.Kind,
	})
}

// ready reports whether Start has run.
func (l *Lens) ready() error {
	if l.client == nil {
		return ErrNotStarted
	}
	return nil
}

// registryFor returns the target's reference registry, creating it on
// first use. References are scoped to one page identity: navigation clears
// the registry, detach does not.
func (l *Lens) registryFor(targetID string) *merge.Registry {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, ok := l.registries[targetID]
	if !ok {
		reg = merge.NewRegistry()
		l.registries[targetID] = reg
	}
	return reg
}

// sessionCaller routes protocol calls through one attached session. Every
// successful call counts as activity, pushing back the auto-release timer.
type sessionCaller struct {
	lens      *Lens
	targetID  string
	sessionID string
}

func (c *sessionCaller) Call(ctx context.Context, method string, params, result any) error {
	if t := c.lens.cfg.Session.CallTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := c.lens.client.Call(ctx, c.sessionID, method, params, result); err != nil {
		return err
	}
	c.lens.mgr.Touch(c.targetID)
	return nil
}
