package axlens

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/axlens/distill"
	"github.com/hazyhaar/axlens/eltree"
	"github.com/hazyhaar/axlens/internal/cdp"
	"github.com/hazyhaar/axlens/internal/fetch"
	"github.com/hazyhaar/axlens/internal/merge"
	"github.com/hazyhaar/axlens/observability"
)

// navigateTimeout bounds a page load when the caller context has no
// deadline of its own.
const navigateTimeout = 30 * time.Second

// Target describes one inspectable page.
type Target struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// SnapshotOptions tunes one capture. A nil Depth uses the configured
// default; an explicit 0 keeps only the body element. An empty Filter uses
// the configured default.
type SnapshotOptions struct {
	Depth          *int
	Filter         string
	ResetRefs      bool
	ExtendedStyles bool
}

// Targets lists the open page targets. Other target types (workers,
// extensions) are not inspectable and are filtered out.
func (l *Lens) Targets(ctx context.Context) ([]Target, error) {
	start := time.Now()
	targets, err := l.targets(ctx)
	l.record("targets", "", nil, map[string]int{"count": len(targets)}, err, start)
	return targets, err
}

func (l *Lens) targets(ctx context.Context) ([]Target, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	var res struct {
		TargetInfos []cdp.TargetInfo `json:"targetInfos"`
	}
	if err := l.client.Call(ctx, "", "Target.getTargets", nil, &res); err != nil {
		return nil, fmt.Errorf("axlens: list targets: %w", err)
	}
	out := make([]Target, 0, len(res.TargetInfos))
	for _, ti := range res.TargetInfos {
		if ti.Type != "page" {
			continue
		}
		out = append(out, Target{ID: ti.TargetID, Title: ti.Title, URL: ti.URL, Attached: ti.Attached})
	}
	return out, nil
}

// Open navigates a page to url and waits for its load event. With an empty
// targetID a new page is created first; the new or reused target id is
// returned. Navigation starts a fresh page identity, so every reference
// previously issued for the target is discarded.
func (l *Lens) Open(ctx context.Context, targetID, url string) (string, error) {
	start := time.Now()
	tid, err := l.open(ctx, targetID, url)
	l.record("open", tid, map[string]string{"url": url}, nil, err, start)
	return tid, err
}

func (l *Lens) open(ctx context.Context, targetID, url string) (string, error) {
	if err := l.ready(); err != nil {
		return targetID, err
	}
	if url == "" {
		return targetID, fmt.Errorf("axlens: open: empty url")
	}

	if targetID == "" {
		// Create on about:blank and navigate through the session, so the
		// stealth script is registered before the first real document.
		var res struct {
			TargetID string `json:"targetId"`
		}
		params := map[string]any{"url": "about:blank"}
		if err := l.client.Call(ctx, "", "Target.createTarget", params, &res); err != nil {
			return "", fmt.Errorf("axlens: create target: %w", err)
		}
		targetID = res.TargetID
	}

	if err := l.navigate(ctx, targetID, url); err != nil {
		return targetID, err
	}
	l.registryFor(targetID).Clear()
	return targetID, nil
}

func (l *Lens) navigate(ctx context.Context, targetID, url string) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, navigateTimeout)
		defer cancel()
	}

	return l.mgr.With(ctx, targetID, func(ctx context.Context, sid string) error {
		loaded := make(chan struct{}, 1)
		off := l.client.On(sid, "Page.loadEventFired", func(json.RawMessage) {
			select {
			case loaded <- struct{}{}:
			default:
			}
		})
		defer off()

		var res struct {
			ErrorText string `json:"errorText"`
		}
		if err := l.client.Call(ctx, sid, "Page.navigate", map[string]any{"url": url}, &res); err != nil {
			return fmt.Errorf("axlens: navigate: %w", err)
		}
		if res.ErrorText != "" {
			return fmt.Errorf("axlens: navigate %s: %s", url, res.ErrorText)
		}

		select {
		case <-loaded:
			l.mgr.Touch(targetID)
			return nil
		case <-ctx.Done():
			return fmt.Errorf("axlens: load %s: %w", url, ctx.Err())
		}
	})
}

// Snapshot captures the page and returns its merged element tree.
func (l *Lens) Snapshot(ctx context.Context, targetID string, opts SnapshotOptions) (*eltree.Element, error) {
	start := time.Now()
	root, err := l.snapshot(ctx, targetID, opts)
	l.record("snapshot", targetID, snapshotParams(opts), treeSummary(root), err, start)
	return root, err
}

// SnapshotText captures the page and serializes the tree to its text form.
// Output over the configured character budget is suppressed and replaced
// by a truncation notice; truncated reports when that happened.
func (l *Lens) SnapshotText(ctx context.Context, targetID string, opts SnapshotOptions) (text string, truncated bool, err error) {
	start := time.Now()
	root, err := l.snapshot(ctx, targetID, opts)
	if err != nil {
		l.record("snapshot_text", targetID, snapshotParams(opts), nil, err, start)
		return "", false, err
	}

	text = eltree.Text(root)
	if l.metrics != nil {
		l.metrics.RecordSimple(observability.MetricOutputChars, float64(len(text)), "chars")
	}
	if max := l.cfg.Output.MaxChars; max > 0 && len(text) > max {
		text = truncationNotice(len(text), max, eltree.Count(root))
		truncated = true
	}
	l.record("snapshot_text", targetID, snapshotParams(opts),
		map[string]any{"chars": len(text), "truncated": truncated}, nil, start)
	return text, truncated, nil
}

func (l *Lens) snapshot(ctx context.Context, targetID string, opts SnapshotOptions) (*eltree.Element, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	mo, fo, err := l.resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	var root *eltree.Element
	var fetchMS, mergeMS int64
	err = l.mgr.With(ctx, targetID, func(ctx context.Context, sid string) error {
		f := fetch.New(&sessionCaller{lens: l, targetID: targetID, sessionID: sid}, l.logger)

		t0 := time.Now()
		res, err := f.All(ctx, fo)
		if err != nil {
			return err
		}
		fetchMS = time.Since(t0).Milliseconds()

		t1 := time.Now()
		tree, err := merge.Merge(res, l.registryFor(targetID), mo)
		if err != nil {
			return err
		}
		mergeMS = time.Since(t1).Milliseconds()

		if len(res.FailedFrames) > 0 {
			l.logger.Warn("axlens: partial capture",
				"target", targetID, "failed_frames", len(res.FailedFrames))
		}
		root = tree
		return nil
	})
	if err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.RecordSimple(observability.MetricSnapshotDurationMs, float64(fetchMS), "ms")
		l.metrics.RecordSimple(observability.MetricMergeDurationMs, float64(mergeMS), "ms")
		l.metrics.RecordSimple(observability.MetricTreeElementCount, float64(eltree.Count(root)), "count")
		l.metrics.RecordSimple(observability.MetricTreeInteractiveNum, float64(eltree.CountInteractive(root)), "count")
	}
	return root, nil
}

// resolveOptions fills capture options from configuration defaults and
// validates the filter.
func (l *Lens) resolveOptions(opts SnapshotOptions) (merge.Options, fetch.Options, error) {
	depth := l.cfg.Fetch.MaxDepth
	if opts.Depth != nil {
		depth = *opts.Depth
	}
	if depth < 0 {
		return merge.Options{}, fetch.Options{}, fmt.Errorf("axlens: depth %d: must be >= 0", depth)
	}

	filter := opts.Filter
	if filter == "" {
		filter = l.cfg.Fetch.Filter
	}
	switch merge.Filter(filter) {
	case merge.FilterAll, merge.FilterInteractive:
	default:
		return merge.Options{}, fetch.Options{}, fmt.Errorf("axlens: filter %q: want all or interactive", filter)
	}

	mo := merge.Options{Depth: depth, Filter: merge.Filter(filter), ResetRefs: opts.ResetRefs}
	fo := fetch.Options{ExtendedStyles: opts.ExtendedStyles || l.cfg.Fetch.ExtendedStyles}
	return mo, fo, nil
}

func truncationNotice(chars, limit, elements int) string {
	return fmt.Sprintf("Page tree output is %d characters across %d elements, over the %d character limit. Retry with a smaller depth or filter \"interactive\" to reduce it.",
		chars, elements, limit)
}

// RefreshFacets refetches only the accessibility trees and returns updated
// facets keyed by reference, for every referenced element still present in
// them. Structure and layout are not refetched; use it when only
// accessibility state (checked, expanded, disabled) may have changed.
func (l *Lens) RefreshFacets(ctx context.Context, targetID string) (map[string]*eltree.AXFacet, error) {
	start := time.Now()
	facets, failed, err := l.refreshFacets(ctx, targetID)
	l.record("refresh_facets", targetID, nil,
		map[string]int{"refs": len(facets), "failed_frames": len(failed)}, err, start)
	return facets, err
}

func (l *Lens) refreshFacets(ctx context.Context, targetID string) (map[string]*eltree.AXFacet, []string, error) {
	if err := l.ready(); err != nil {
		return nil, nil, err
	}
	reg := l.registryFor(targetID)

	var out map[string]*eltree.AXFacet
	var failed []string
	err := l.mgr.With(ctx, targetID, func(ctx context.Context, sid string) error {
		f := fetch.New(&sessionCaller{lens: l, targetID: targetID, sessionID: sid}, l.logger)
		byFrame, failedFrames, err := f.AXOnly(ctx)
		if err != nil {
			return err
		}
		failed = failedFrames

		out = make(map[string]*eltree.AXFacet)
		for _, nodes := range byFrame {
			for _, n := range nodes {
				if n.Ignored || n.BackendDOMNodeID == 0 {
					continue
				}
				ref, ok := reg.RefFor(n.BackendDOMNodeID)
				if !ok {
					continue
				}
				out[ref] = merge.Facet(n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, failed, nil
}

// NodeAX returns the current accessibility facet of one referenced
// element. A nil facet means the element has no accessibility
// representation (for example a purely presentational node).
func (l *Lens) NodeAX(ctx context.Context, targetID, ref string) (*eltree.AXFacet, error) {
	start := time.Now()
	facet, err := l.nodeAX(ctx, targetID, ref)
	l.record("node_ax", targetID, map[string]string{"ref": ref}, facet, err, start)
	return facet, err
}

func (l *Lens) nodeAX(ctx context.Context, targetID, ref string) (*eltree.AXFacet, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	backendID, ok := l.registryFor(targetID).Lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}

	var facet *eltree.AXFacet
	err := l.mgr.With(ctx, targetID, func(ctx context.Context, sid string) error {
		f := fetch.New(&sessionCaller{lens: l, targetID: targetID, sessionID: sid}, l.logger)
		n, err := f.AXForNode(ctx, backendID)
		if err != nil {
			return err
		}
		facet = merge.Facet(n)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return facet, nil
}

// NodeBounds returns fresh page-coordinate geometry for one referenced
// element.
func (l *Lens) NodeBounds(ctx context.Context, targetID, ref string) (eltree.Rect, error) {
	start := time.Now()
	rect, err := l.nodeBounds(ctx, targetID, ref)
	l.record("node_bounds", targetID, map[string]string{"ref": ref}, rect, err, start)
	return rect, err
}

func (l *Lens) nodeBounds(ctx context.Context, targetID, ref string) (eltree.Rect, error) {
	if err := l.ready(); err != nil {
		return eltree.Rect{}, err
	}
	backendID, ok := l.registryFor(targetID).Lookup(ref)
	if !ok {
		return eltree.Rect{}, fmt.Errorf("%w: %s", ErrUnknownRef, ref)
	}

	var rect eltree.Rect
	err := l.mgr.With(ctx, targetID, func(ctx context.Context, sid string) error {
		f := fetch.New(&sessionCaller{lens: l, targetID: targetID, sessionID: sid}, l.logger)
		r, err := f.BoundsForNode(ctx, backendID)
		if err != nil {
			return err
		}
		rect = r
		return nil
	})
	if err != nil {
		return eltree.Rect{}, err
	}
	return rect, nil
}

// ClearRefs discards every reference issued for the target. The next
// capture starts numbering from ref_1 again.
func (l *Lens) ClearRefs(targetID string) {
	l.registryFor(targetID).Clear()
	l.record("clear_refs", targetID, nil, nil, nil, time.Now())
}

// Release detaches from the target now instead of waiting out the
// inactivity window. References survive; the next operation re-attaches.
func (l *Lens) Release(ctx context.Context, targetID string) error {
	if err := l.ready(); err != nil {
		return err
	}
	start := time.Now()
	err := l.mgr.Release(ctx, targetID)
	l.record("release", targetID, nil, nil, err, start)
	return err
}

// ReleaseAll detaches every attached session.
func (l *Lens) ReleaseAll(ctx context.Context) {
	if l.ready() != nil {
		return
	}
	l.mgr.ReleaseAll(ctx)
}

// SessionState reports the target's attachment state: detached, attaching,
// attached or detaching.
func (l *Lens) SessionState(targetID string) string {
	if l.mgr == nil {
		return "detached"
	}
	return l.mgr.State(targetID).String()
}

// Read captures the page's rendered HTML and distills it to markdown.
func (l *Lens) Read(ctx context.Context, targetID string) (*distill.Result, error) {
	start := time.Now()
	res, err := l.read(ctx, targetID)
	var summary any
	if res != nil {
		summary = map[string]any{"title": res.Title, "chars": len(res.Markdown)}
	}
	l.record("read", targetID, nil, summary, err, start)
	return res, err
}

func (l *Lens) read(ctx context.Context, targetID string) (*distill.Result, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}

	var html, pageURL string
	err := l.mgr.With(ctx, targetID, func(ctx context.Context, sid string) error {
		c := &sessionCaller{lens: l, targetID: targetID, sessionID: sid}

		var doc struct {
			Root *cdp.DOMNode `json:"root"`
		}
		if err := c.Call(ctx, "DOM.getDocument", map[string]any{"depth": 0}, &doc); err != nil {
			return fmt.Errorf("axlens: document root: %w", err)
		}
		pageURL = doc.Root.DocumentURL

		var outer struct {
			OuterHTML string `json:"outerHTML"`
		}
		params := map[string]any{"backendNodeId": doc.Root.BackendNodeID}
		if err := c.Call(ctx, "DOM.getOuterHTML", params, &outer); err != nil {
			return fmt.Errorf("axlens: outer html: %w", err)
		}
		html = outer.OuterHTML
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l.dist.Distill(html, pageURL)
}

// ExportPDF renders the page to PDF with backgrounds and validates the
// result, returning the document bytes and its page count.
func (l *Lens) ExportPDF(ctx context.Context, targetID string) ([]byte, int, error) {
	start := time.Now()
	data, pages, err := l.exportPDF(ctx, targetID)
	l.record("export_pdf", targetID, nil, map[string]int{"bytes": len(data), "pages": pages}, err, start)
	return data, pages, err
}

func (l *Lens) exportPDF(ctx context.Context, targetID string) ([]byte, int, error) {
	if err := l.ready(); err != nil {
		return nil, 0, err
	}

	var data []byte
	err := l.mgr.With(ctx, targetID, func(ctx context.Context, sid string) error {
		c := &sessionCaller{lens: l, targetID: targetID, sessionID: sid}
		var res struct {
			Data string `json:"data"`
		}
		params := map[string]any{"printBackground": true}
		if err := c.Call(ctx, "Page.printToPDF", params, &res); err != nil {
			return fmt.Errorf("axlens: print to pdf: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(res.Data)
		if err != nil {
			return fmt.Errorf("axlens: decode pdf: %w", err)
		}
		data = raw
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	pages, err := distill.ValidatePDF(data)
	if err != nil {
		return nil, 0, err
	}
	return data, pages, nil
}

// record writes one audit entry for a lens operation, when auditing is on.
func (l *Lens) record(op, targetID string, params, result any, err error, start time.Time) {
	if l.audit == nil {
		return
	}
	entry := l.audit.NewAuditEntry("lens", op, params, result, err, time.Since(start))
	entry.TargetID = targetID
	entry.ErrorCode = FailureClass(err)
	l.audit.LogAsync(entry)
}

func snapshotParams(opts SnapshotOptions) map[string]any {
	p := map[string]any{}
	if opts.Depth != nil {
		p["depth"] = *opts.Depth
	}
	if opts.Filter != "" {
		p["filter"] = opts.Filter
	}
	if opts.ResetRefs {
		p["reset_refs"] = true
	}
	if opts.ExtendedStyles {
		p["extended_styles"] = true
	}
	return p
}

func treeSummary(root *eltree.Element) any {
	if root == nil {
		return nil
	}
	return map[string]int{
		"elements":    eltree.Count(root),
		"interactive": eltree.CountInteractive(root),
	}
}
