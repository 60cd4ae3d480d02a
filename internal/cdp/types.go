package cdp

import "strconv"

// The protocol payload types below are defined locally and deliberately
// lenient: enum-like fields are plain strings and AX values are decoded into
// interface{} so that values newer Chrome versions emit (e.g. the
// "uninteresting" ignored reason) never fail unmarshalling. Only the fields
// axlens reads are declared; unknown fields are ignored by encoding/json.

// DOM node types (subset of the DOM standard numbering).
const (
	ElementNode  = 1
	TextNode     = 3
	DocumentNode = 9
)

// DOMNode is one node of the structural tree returned by DOM.getDocument.
// Attributes is a flat list of name/value pairs. ShadowRoots and
// ContentDocument carry pierced shadow trees and embedded frame documents.
type DOMNode struct {
	NodeID          int64      `json:"nodeId"`
	BackendNodeID   int64      `json:"backendNodeId"`
	NodeType        int        `json:"nodeType"`
	NodeName        string     `json:"nodeName"`
	LocalName       string     `json:"localName"`
	NodeValue       string     `json:"nodeValue"`
	Attributes      []string   `json:"attributes"`
	ChildNodeCount  int        `json:"childNodeCount"`
	Children        []*DOMNode `json:"children"`
	ShadowRoots     []*DOMNode `json:"shadowRoots"`
	ContentDocument *DOMNode   `json:"contentDocument"`
	ShadowRootType  string     `json:"shadowRootType"`
	FrameID         string     `json:"frameId"`
	DocumentURL     string     `json:"documentURL"`
}

// Attr returns the value of a named attribute and whether it is present.
func (n *DOMNode) Attr(name string) (string, bool) {
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		if n.Attributes[i] == name {
			return n.Attributes[i+1], true
		}
	}
	return "", false
}

// Frame identifies one browsing context.
type Frame struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
	URL      string `json:"url"`
}

// FrameTree is the frame hierarchy returned by Page.getFrameTree.
type FrameTree struct {
	Frame       Frame        `json:"frame"`
	ChildFrames []*FrameTree `json:"childFrames"`
}

// FrameIDs returns every frame id in the tree, depth-first, root included.
func (t *FrameTree) FrameIDs() []string {
	if t == nil {
		return nil
	}
	ids := []string{t.Frame.ID}
	for _, c := range t.ChildFrames {
		ids = append(ids, c.FrameIDs()...)
	}
	return ids
}

// AXValue is a loosely typed accessibility value. Value holds whatever JSON
// type Chrome sent (string, bool, or number).
type AXValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// Str returns the value as a string, converting numbers and booleans.
func (v *AXValue) Str() string {
	if v == nil {
		return ""
	}
	switch x := v.Value.(type) {
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

// Bool returns the value as a boolean. Non-boolean values are false.
func (v *AXValue) Bool() bool {
	if v == nil {
		return false
	}
	b, ok := v.Value.(bool)
	return ok && b
}

// AXProperty is one name/value state property of an accessibility node.
type AXProperty struct {
	Name  string   `json:"name"`
	Value *AXValue `json:"value"`
}

// AXNode is one node of a per-frame accessibility tree. BackendDOMNodeID is
// the back-reference joining it to the structural tree.
type AXNode struct {
	NodeID           string       `json:"nodeId"`
	Ignored          bool         `json:"ignored"`
	Role             *AXValue     `json:"role"`
	Name             *AXValue     `json:"name"`
	Description      *AXValue     `json:"description"`
	Value            *AXValue     `json:"value"`
	Properties       []AXProperty `json:"properties"`
	ChildIDs         []string     `json:"childIds"`
	ParentID         string       `json:"parentId"`
	BackendDOMNodeID int64        `json:"backendDOMNodeId"`
	FrameID          string       `json:"frameId"`
}

// Property returns the named state property, or nil.
func (n *AXNode) Property(name string) *AXValue {
	for i := range n.Properties {
		if n.Properties[i].Name == name {
			return n.Properties[i].Value
		}
	}
	return nil
}

// HasProperty reports whether the named state property is present,
// regardless of its value.
func (n *AXNode) HasProperty(name string) bool {
	for i := range n.Properties {
		if n.Properties[i].Name == name {
			return true
		}
	}
	return false
}

// Snapshot is the layout/paint capture returned by DOMSnapshot.captureSnapshot.
// All node and layout data is parallel arrays indexing into Strings.
type Snapshot struct {
	Documents []SnapshotDocument `json:"documents"`
	Strings   []string           `json:"strings"`
}

// SnapshotDocument is one captured document (main frame plus same-process
// subframes).
type SnapshotDocument struct {
	DocumentURL int            `json:"documentURL"`
	Nodes       SnapshotNodes  `json:"nodes"`
	Layout      SnapshotLayout `json:"layout"`
}

// SnapshotNodes holds per-node parallel arrays. Attributes rows are flat
// string-table index pairs (name index, value index, ...).
type SnapshotNodes struct {
	ParentIndex   []int   `json:"parentIndex"`
	NodeType      []int   `json:"nodeType"`
	NodeName      []int   `json:"nodeName"`
	BackendNodeID []int64 `json:"backendNodeId"`
	Attributes    [][]int `json:"attributes"`
}

// SnapshotLayout holds per-laid-out-node parallel arrays. NodeIndex joins a
// layout row to a row in SnapshotNodes; Styles rows are string-table indices
// positionally matching the computedStyles list sent in the capture request.
type SnapshotLayout struct {
	NodeIndex   []int       `json:"nodeIndex"`
	Styles      [][]int     `json:"styles"`
	Bounds      [][]float64 `json:"bounds"`
	PaintOrders []int       `json:"paintOrders"`
}

// String resolves a string-table index. Out-of-range indices (Chrome uses -1
// for "absent") resolve to "".
func (s *Snapshot) String(idx int) string {
	if idx < 0 || idx >= len(s.Strings) {
		return ""
	}
	return s.Strings[idx]
}

// Viewport is the css visual viewport from Page.getLayoutMetrics.
type Viewport struct {
	PageX        float64 `json:"pageX"`
	PageY        float64 `json:"pageY"`
	ClientWidth  float64 `json:"clientWidth"`
	ClientHeight float64 `json:"clientHeight"`
}

// LayoutMetrics is the subset of Page.getLayoutMetrics axlens reads.
type LayoutMetrics struct {
	CSSVisualViewport Viewport `json:"cssVisualViewport"`
}

// Quad is a protocol quad: four x,y pairs, clockwise from top-left.
type Quad []float64

// Rect reduces a quad to its axis-aligned bounding rectangle
// (x, y, width, height).
func (q Quad) Rect() (x, y, w, h float64) {
	if len(q) < 8 {
		return 0, 0, 0, 0
	}
	minX, minY := q[0], q[1]
	maxX, maxY := q[0], q[1]
	for i := 2; i+1 < len(q); i += 2 {
		if q[i] < minX {
			minX = q[i]
		}
		if q[i] > maxX {
			maxX = q[i]
		}
		if q[i+1] < minY {
			minY = q[i+1]
		}
		if q[i+1] > maxY {
			maxY = q[i+1]
		}
	}
	return minX, minY, maxX - minX, maxY - minY
}

// BoxModel is the subset of DOM.getBoxModel axlens reads.
type BoxModel struct {
	Content Quad `json:"content"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
}

// TargetInfo describes one attachable target (Target.getTargets).
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}
