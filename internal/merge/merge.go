// Package merge correlates the three fetched trees into one enriched
// element tree. The structural node id is the join key: accessibility nodes
// carry it as a back-reference and snapshot layout rows join to it through
// the node table, so both lookups are built as maps up front and the walk
// itself is linear in node count.
package merge

import (
	"errors"
	"strconv"
	"strings"

	"github.com/hazyhaar/axlens/eltree"
	"github.com/hazyhaar/axlens/internal/cdp"
	"github.com/hazyhaar/axlens/internal/fetch"
)

// ErrNoBody means the structural tree has no body element to walk from.
var ErrNoBody = errors.New("merge: document has no body")

// DefaultDepth is the default recursion limit below the body.
const DefaultDepth = 15

// Filter selects which elements surface in the merged tree.
type Filter string

const (
	// FilterAll surfaces every element.
	FilterAll Filter = "all"
	// FilterInteractive surfaces only interactive elements; non-interactive
	// wrappers are flattened away and their surfaced descendants splice
	// into the nearest surfaced ancestor.
	FilterInteractive Filter = "interactive"
)

// Options tunes one merge pass. Depth is taken literally: 0 emits only the
// body element. Callers wanting the default pass DefaultDepth explicitly.
type Options struct {
	Depth     int
	Filter    Filter
	ResetRefs bool
}

// skipTags are non-visual elements the walk never descends into.
var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
}

// interactiveRoles are accessibility roles that imply interactivity on
// their own. Matched case-insensitively because Chrome mixes casings
// across versions ("checkbox" vs "checkBox").
var interactiveRoles = map[string]bool{
	"button":             true,
	"link":               true,
	"checkbox":           true,
	"radio":              true,
	"combobox":           true,
	"textbox":            true,
	"searchbox":          true,
	"textfield":          true,
	"slider":             true,
	"spinbutton":         true,
	"switch":             true,
	"tab":                true,
	"menuitem":           true,
	"menuitemcheckbox":   true,
	"menuitemradio":      true,
	"option":             true,
	"listbox":            true,
	"popupbutton":        true,
	"togglebutton":       true,
	"disclosuretriangle": true,
}

// interactiveTags are tags that imply interactivity without accessibility
// data. Anchors are handled separately: one without an href is not a link.
var interactiveTags = map[string]bool{
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"details":  true,
	"summary":  true,
}

// Merge builds the enriched element tree for one fetched page state,
// assigning references through reg. The returned root is the body element;
// under FilterInteractive a non-interactive body becomes an unaddressed
// container so the tree keeps a single root.
func Merge(res *fetch.Result, reg *Registry, opts Options) (*eltree.Element, error) {
	if opts.Filter == "" {
		opts.Filter = FilterAll
	}
	if opts.ResetRefs {
		reg.Clear()
	}

	body := findBody(res.Root)
	if body == nil {
		return nil, ErrNoBody
	}

	m := &merger{
		reg:  reg,
		opts: opts,
		viewport: eltree.Rect{
			X: res.Viewport.PageX,
			Y: res.Viewport.PageY,
			W: res.Viewport.ClientWidth,
			H: res.Viewport.ClientHeight,
		},
	}
	m.index(res)

	r := m.walk(body, 0)
	if r.element != nil {
		return r.element, nil
	}
	return &eltree.Element{Tag: "body", Visible: true, Children: r.splice}, nil
}

// layoutRecord is one node's slice of the snapshot.
type layoutRecord struct {
	bounds     eltree.Rect
	paintOrder int
	styles     map[string]string
}

func (r *layoutRecord) visible() bool {
	if r.styles["display"] == "none" {
		return false
	}
	switch r.styles["visibility"] {
	case "hidden", "collapse":
		return false
	}
	if op, ok := r.styles["opacity"]; ok {
		if f, err := strconv.ParseFloat(op, 64); err == nil && f == 0 {
			return false
		}
	}
	return true
}

type merger struct {
	reg      *Registry
	opts     Options
	viewport eltree.Rect

	axByNode     map[int64]*cdp.AXNode
	layoutByNode map[int64]*layoutRecord
}

// index builds the two correlation maps before the walk so every visited
// node sees a complete view of the other trees.
func (m *merger) index(res *fetch.Result) {
	m.axByNode = make(map[int64]*cdp.AXNode)
	for _, nodes := range res.AXByFrame {
		for _, n := range nodes {
			if n.Ignored || n.BackendDOMNodeID == 0 {
				continue
			}
			if _, ok := m.axByNode[n.BackendDOMNodeID]; !ok {
				m.axByNode[n.BackendDOMNodeID] = n
			}
		}
	}

	m.layoutByNode = make(map[int64]*layoutRecord)
	if res.Snapshot == nil {
		return
	}
	for di := range res.Snapshot.Documents {
		doc := &res.Snapshot.Documents[di]
		for li, ni := range doc.Layout.NodeIndex {
			if ni < 0 || ni >= len(doc.Nodes.BackendNodeID) {
				continue
			}
			backendID := doc.Nodes.BackendNodeID[ni]
			rec := &layoutRecord{styles: make(map[string]string, len(res.StyleKeys))}
			if li < len(doc.Layout.Bounds) && len(doc.Layout.Bounds[li]) >= 4 {
				b := doc.Layout.Bounds[li]
				rec.bounds = eltree.Rect{X: b[0], Y: b[1], W: b[2], H: b[3]}
			}
			if li < len(doc.Layout.PaintOrders) {
				rec.paintOrder = doc.Layout.PaintOrders[li]
			}
			if li < len(doc.Layout.Styles) {
				for si, stringIdx := range doc.Layout.Styles[li] {
					if si >= len(res.StyleKeys) {
						break
					}
					if v := res.Snapshot.String(stringIdx); v != "" {
						rec.styles[res.StyleKeys[si]] = v
					}
				}
			}
			m.layoutByNode[backendID] = rec
		}
	}
}

// walkResult is the outcome of visiting one structural node: either a
// single merged element, or a list of surfaced descendants to splice into
// the caller's child list because the node itself was not surfaced.
type walkResult struct {
	element *eltree.Element
	splice  []*eltree.Element
}

func (m *merger) walk(n *cdp.DOMNode, depth int) walkResult {
	if n == nil {
		return walkResult{}
	}
	if n.NodeType != cdp.ElementNode {
		// Shadow roots and embedded documents are pierced: their element
		// children surface at the host's child level. Text and other
		// leaf node types contribute nothing of their own.
		if len(n.Children) == 0 {
			return walkResult{}
		}
		return walkResult{splice: m.walkChildren(n, depth)}
	}

	tag := strings.ToLower(n.LocalName)
	if skipTags[tag] {
		return walkResult{}
	}
	if depth > m.opts.Depth {
		return walkResult{}
	}

	axNode := m.axByNode[n.BackendNodeID]
	rec := m.layoutByNode[n.BackendNodeID]

	// Elements without a layout record never painted; they are treated as
	// visible-but-unpositioned rather than hidden.
	visible := true
	var bounds *eltree.Rect
	paint := 0
	if rec != nil {
		visible = rec.visible()
		b := rec.bounds
		bounds = &b
		paint = rec.paintOrder
	}
	inViewport := rec != nil && rec.bounds.Intersects(m.viewport)

	interactive := m.interactive(n, tag, axNode, visible)

	if m.opts.Filter == FilterInteractive && !interactive {
		return walkResult{splice: m.walkChildren(n, depth+1)}
	}

	e := &eltree.Element{
		BackendID:   n.BackendNodeID,
		Ref:         m.reg.Assign(n.BackendNodeID),
		Tag:         tag,
		Attrs:       attrsMap(n),
		Bounds:      bounds,
		Visible:     visible,
		InViewport:  inViewport,
		PaintOrder:  paint,
		AX:          facetFor(axNode),
		Interactive: interactive,
	}

	switch tag {
	case "input", "textarea", "select":
		if v, ok := n.Attr("value"); ok {
			e.Value = v
		}
		if p, ok := n.Attr("placeholder"); ok {
			e.Placeholder = p
		}
	case "a":
		if h, ok := n.Attr("href"); ok {
			e.Href = h
		}
	}
	// The accessibility value reflects live user input; the attribute only
	// holds the markup default.
	if axNode != nil && axNode.Value != nil {
		if s := axNode.Value.Str(); s != "" {
			e.Value = s
		}
	}
	if tag == "input" {
		t, _ := n.Attr("type")
		e.InputType = strings.ToLower(t)
		e.Compound = compoundChildren(e.InputType)
	}

	e.Children = m.walkChildren(n, depth+1)
	return walkResult{element: e}
}

// walkChildren visits regular children, shadow roots, and an embedded frame
// document, splicing every surfaced element into one flat list.
func (m *merger) walkChildren(n *cdp.DOMNode, depth int) []*eltree.Element {
	var out []*eltree.Element
	for _, c := range n.Children {
		out = append(out, m.collect(c, depth)...)
	}
	for _, s := range n.ShadowRoots {
		out = append(out, m.collect(s, depth)...)
	}
	if n.ContentDocument != nil {
		out = append(out, m.collect(n.ContentDocument, depth)...)
	}
	return out
}

func (m *merger) collect(n *cdp.DOMNode, depth int) []*eltree.Element {
	r := m.walk(n, depth)
	if r.element != nil {
		return []*eltree.Element{r.element}
	}
	return r.splice
}

// interactive classifies one element. The order is fixed: accessibility
// signals are authoritative because they reflect computed semantics
// including ARIA overrides; tag and attribute heuristics only catch
// elements with no accessibility representation.
func (m *merger) interactive(n *cdp.DOMNode, tag string, ax *cdp.AXNode, visible bool) bool {
	if !visible {
		return false
	}
	if ax != nil {
		if ax.Property("disabled").Bool() {
			return false
		}
		if ax.Property("hidden").Bool() {
			return false
		}
		if ax.Property("focusable").Bool() {
			return true
		}
		if v := ax.Property("editable"); v != nil && v.Str() != "" {
			return true
		}
		for _, name := range [...]string{"checked", "expanded", "pressed", "selected"} {
			if ax.HasProperty(name) {
				return true
			}
		}
		if interactiveRoles[strings.ToLower(ax.Role.Str())] {
			return true
		}
	}
	if interactiveTags[tag] {
		return true
	}
	if tag == "a" {
		if _, ok := n.Attr("href"); ok {
			return true
		}
	}
	if _, ok := n.Attr("onclick"); ok {
		return true
	}
	if _, ok := n.Attr("onmousedown"); ok {
		return true
	}
	if ti, ok := n.Attr("tabindex"); ok && ti != "-1" {
		return true
	}
	if ce, ok := n.Attr("contenteditable"); ok && (ce == "" || strings.EqualFold(ce, "true")) {
		return true
	}
	return false
}

// Facet normalizes a raw accessibility node into its output facet form.
// Nil in, nil out.
func Facet(n *cdp.AXNode) *eltree.AXFacet { return facetFor(n) }

// facetFor normalizes an accessibility node into the output facet. Boolean
// and tristate-true properties become bare flags; everything else keeps its
// value. Absent and false booleans are dropped.
func facetFor(n *cdp.AXNode) *eltree.AXFacet {
	if n == nil {
		return nil
	}
	f := &eltree.AXFacet{
		Role:        n.Role.Str(),
		Name:        n.Name.Str(),
		Description: n.Description.Str(),
	}
	for _, p := range n.Properties {
		if p.Value == nil {
			continue
		}
		if b, isBool := p.Value.Value.(bool); isBool {
			if b {
				f.Props = append(f.Props, eltree.Prop{Name: p.Name, Flag: true})
			}
			continue
		}
		s := p.Value.Str()
		if s == "" {
			continue
		}
		if s == "true" {
			f.Props = append(f.Props, eltree.Prop{Name: p.Name, Flag: true})
			continue
		}
		f.Props = append(f.Props, eltree.Prop{Name: p.Name, Value: s})
	}
	return f
}

// compoundChildren synthesizes the sub-controls of composite input types.
// These have no structural node of their own and carry no reference.
func compoundChildren(inputType string) []*eltree.Element {
	syn := func(role, name string, interactive bool) *eltree.Element {
		return &eltree.Element{
			Tag:         "input",
			Synthetic:   true,
			Visible:     true,
			Interactive: interactive,
			AX:          &eltree.AXFacet{Role: role, Name: name},
		}
	}
	switch inputType {
	case "file":
		return []*eltree.Element{
			syn("button", "Choose file", true),
			syn("label", "No file chosen", false),
		}
	case "date", "datetime-local":
		return []*eltree.Element{
			syn("spinbutton", "Month", true),
			syn("spinbutton", "Day", true),
			syn("spinbutton", "Year", true),
			syn("button", "Calendar", true),
		}
	case "time":
		return []*eltree.Element{
			syn("spinbutton", "Hours", true),
			syn("spinbutton", "Minutes", true),
		}
	case "color":
		return []*eltree.Element{
			syn("button", "Color picker", true),
		}
	case "number":
		return []*eltree.Element{
			syn("textbox", "", true),
			syn("button", "Increment", true),
			syn("button", "Decrement", true),
		}
	}
	return nil
}

func attrsMap(n *cdp.DOMNode) map[string]string {
	if len(n.Attributes) < 2 {
		return nil
	}
	m := make(map[string]string, len(n.Attributes)/2)
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		m[n.Attributes[i]] = n.Attributes[i+1]
	}
	return m
}

// findBody resolves the walk root by descending past the document and html
// wrapper nodes.
func findBody(root *cdp.DOMNode) *cdp.DOMNode {
	if root == nil {
		return nil
	}
	if root.NodeType == cdp.ElementNode && strings.ToLower(root.LocalName) == "body" {
		return root
	}
	if root.NodeType == cdp.DocumentNode || strings.ToLower(root.LocalName) == "html" {
		for _, c := range root.Children {
			if b := findBody(c); b != nil {
				return b
			}
		}
	}
	return nil
}
