// Package fetch retrieves the raw trees a merged element tree is built
// from: the structural DOM, the layout/paint snapshot, and one
// accessibility tree per frame. The three are independent protocol domains
// keyed by backendNodeId, so they are fetched in parallel and joined later.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/axlens/eltree"
	"github.com/hazyhaar/axlens/internal/cdp"
)

// Caller issues protocol commands on one page's session. Implementations
// route through the session manager so every call counts as activity.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// baseStyles are the computed styles every capture requests; they feed the
// visibility decisions.
var baseStyles = []string{"display", "visibility", "opacity", "cursor"}

// extendedStyles are additionally requested when extended capture is on.
var extendedStyles = []string{"pointer-events", "overflow-x", "overflow-y"}

// Options tunes one capture.
type Options struct {
	ExtendedStyles bool
}

// Result bundles the fetched trees plus the context needed to join them:
// the requested style key order (snapshot style rows are positional) and
// the visual viewport. FailedFrames lists frames whose accessibility tree
// could not be read; they still contribute structure and layout.
type Result struct {
	Root      *cdp.DOMNode
	Snapshot  *cdp.Snapshot
	StyleKeys []string
	Viewport  cdp.Viewport

	AXByFrame    map[string][]*cdp.AXNode
	Frames       []string
	FailedFrames []string
}

// Fetcher captures tree snapshots for one page.
type Fetcher struct {
	c      Caller
	logger *slog.Logger
}

// New returns a Fetcher issuing commands through c.
func New(c Caller, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{c: c, logger: logger}
}

// All fetches the frame hierarchy, then the structural tree, the layout
// snapshot, and one accessibility tree per frame in parallel. Structural or
// layout failure fails the capture; a single frame's accessibility failure
// is absorbed and recorded in FailedFrames.
func (f *Fetcher) All(ctx context.Context, opts Options) (*Result, error) {
	frames, err := f.frameIDs(ctx)
	if err != nil {
		return nil, err
	}

	styleKeys := append([]string(nil), baseStyles...)
	if opts.ExtendedStyles {
		styleKeys = append(styleKeys, extendedStyles...)
	}

	res := &Result{
		StyleKeys: styleKeys,
		Frames:    frames,
		AXByFrame: make(map[string][]*cdp.AXNode, len(frames)),
	}

	var axMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var doc struct {
			Root *cdp.DOMNode `json:"root"`
		}
		err := f.c.Call(gctx, "DOM.getDocument", map[string]any{
			"depth":  -1,
			"pierce": true,
		}, &doc)
		if err != nil {
			return fmt.Errorf("fetch: structural tree: %w", err)
		}
		res.Root = doc.Root
		return nil
	})

	g.Go(func() error {
		var snap cdp.Snapshot
		err := f.c.Call(gctx, "DOMSnapshot.captureSnapshot", map[string]any{
			"computedStyles":    styleKeys,
			"includeDOMRects":   true,
			"includePaintOrder": true,
		}, &snap)
		if err != nil {
			return fmt.Errorf("fetch: layout snapshot: %w", err)
		}
		res.Snapshot = &snap

		var metrics cdp.LayoutMetrics
		if err := f.c.Call(gctx, "Page.getLayoutMetrics", nil, &metrics); err != nil {
			return fmt.Errorf("fetch: layout metrics: %w", err)
		}
		res.Viewport = metrics.CSSVisualViewport
		return nil
	})

	for _, frameID := range frames {
		g.Go(func() error {
			nodes, err := f.axTree(gctx, frameID)
			axMu.Lock()
			defer axMu.Unlock()
			if err != nil {
				// Cross-origin and mid-navigation frames refuse
				// accessibility queries; the rest of the page is
				// still worth rendering.
				f.logger.Warn("frame accessibility tree failed",
					"frame", frameID, "error", err)
				res.FailedFrames = append(res.FailedFrames, frameID)
				return nil
			}
			res.AXByFrame[frameID] = nodes
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// AXOnly refetches just the per-frame accessibility trees, for callers that
// know structure and layout have not changed. Per-frame failures are
// absorbed exactly as in All.
func (f *Fetcher) AXOnly(ctx context.Context) (map[string][]*cdp.AXNode, []string, error) {
	frames, err := f.frameIDs(ctx)
	if err != nil {
		return nil, nil, err
	}

	out := make(map[string][]*cdp.AXNode, len(frames))
	var failed []string
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, frameID := range frames {
		g.Go(func() error {
			nodes, err := f.axTree(gctx, frameID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f.logger.Warn("frame accessibility tree failed",
					"frame", frameID, "error", err)
				failed = append(failed, frameID)
				return nil
			}
			out[frameID] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return out, failed, nil
}

// AXForNode fetches the accessibility node describing one structural node,
// without relatives. Returns nil when the node has no accessibility
// representation.
func (f *Fetcher) AXForNode(ctx context.Context, backendID int64) (*cdp.AXNode, error) {
	var res struct {
		Nodes []*cdp.AXNode `json:"nodes"`
	}
	err := f.c.Call(ctx, "Accessibility.getPartialAXTree", map[string]any{
		"backendNodeId":  backendID,
		"fetchRelatives": false,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("fetch: node accessibility: %w", err)
	}
	for _, n := range res.Nodes {
		if n.BackendDOMNodeID == backendID {
			return n, nil
		}
	}
	if len(res.Nodes) > 0 {
		return res.Nodes[0], nil
	}
	return nil, nil
}

// BoundsForNode fetches fresh page coordinates for one structural node.
func (f *Fetcher) BoundsForNode(ctx context.Context, backendID int64) (eltree.Rect, error) {
	var res struct {
		Model cdp.BoxModel `json:"model"`
	}
	err := f.c.Call(ctx, "DOM.getBoxModel", map[string]any{
		"backendNodeId": backendID,
	}, &res)
	if err != nil {
		return eltree.Rect{}, fmt.Errorf("fetch: node bounds: %w", err)
	}
	x, y, w, h := res.Model.Content.Rect()
	return eltree.Rect{X: x, Y: y, W: w, H: h}, nil
}

func (f *Fetcher) frameIDs(ctx context.Context) ([]string, error) {
	var res struct {
		FrameTree *cdp.FrameTree `json:"frameTree"`
	}
	if err := f.c.Call(ctx, "Page.getFrameTree", nil, &res); err != nil {
		return nil, fmt.Errorf("fetch: frame tree: %w", err)
	}
	return res.FrameTree.FrameIDs(), nil
}

func (f *Fetcher) axTree(ctx context.Context, frameID string) ([]*cdp.AXNode, error) {
	var res struct {
		Nodes []*cdp.AXNode `json:"nodes"`
	}
	err := f.c.Call(ctx, "Accessibility.getFullAXTree", map[string]any{
		"frameId": frameID,
	}, &res)
	if err != nil {
		return nil, err
	}
	return res.Nodes, nil
}
