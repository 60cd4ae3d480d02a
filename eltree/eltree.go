// Package eltree defines the merged element tree produced from a live page:
// one node per surfaced element, combining structural, layout, and
// accessibility data, plus the indented text rendering consumed by agents.
package eltree

// Rect is an axis-aligned box in page coordinates.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"width"`
	H float64 `json:"height"`
}

// IsZero reports whether the rect is all zeroes.
func (r Rect) IsZero() bool {
	return r.X == 0 && r.Y == 0 && r.W == 0 && r.H == 0
}

// Intersects reports whether r and o overlap with positive area.
func (r Rect) Intersects(o Rect) bool {
	return r.X < o.X+o.W && r.X+r.W > o.X &&
		r.Y < o.Y+o.H && r.Y+r.H > o.Y
}

// Prop is one normalized accessibility state property. Flag properties
// (boolean true) render as bare words; everything else renders name="value".
type Prop struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
	Flag  bool   `json:"flag,omitempty"`
}

// AXFacet is the accessibility slice of an element. A nil facet on an
// Element means the node has no accessibility representation or is ignored.
type AXFacet struct {
	Role        string `json:"role,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Props       []Prop `json:"props,omitempty"`
}

// Prop returns the named state property, or nil.
func (f *AXFacet) Prop(name string) *Prop {
	if f == nil {
		return nil
	}
	for i := range f.Props {
		if f.Props[i].Name == name {
			return &f.Props[i]
		}
	}
	return nil
}

// Element is one merged tree node. Compound children are synthetic
// sub-controls of composite inputs (a date input's spin fields and so on):
// they have no structural node of their own and carry no ref.
type Element struct {
	BackendID   int64             `json:"backendId,omitempty"`
	Ref         string            `json:"ref,omitempty"`
	Tag         string            `json:"tag"`
	Attrs       map[string]string `json:"attrs,omitempty"`
	Bounds      *Rect             `json:"bounds,omitempty"`
	Visible     bool              `json:"visible"`
	InViewport  bool              `json:"inViewport"`
	PaintOrder  int               `json:"paintOrder,omitempty"`
	AX          *AXFacet          `json:"ax,omitempty"`
	Interactive bool              `json:"interactive"`
	Value       string            `json:"value,omitempty"`
	Placeholder string            `json:"placeholder,omitempty"`
	InputType   string            `json:"inputType,omitempty"`
	Href        string            `json:"href,omitempty"`
	Children    []*Element        `json:"children,omitempty"`
	Compound    []*Element        `json:"compound,omitempty"`
	Synthetic   bool              `json:"synthetic,omitempty"`
}

// Role returns the element's effective role: the accessibility role when
// present, the tag otherwise.
func (e *Element) Role() string {
	if e.AX != nil && e.AX.Role != "" {
		return e.AX.Role
	}
	return e.Tag
}

// Name returns the accessible name, or "".
func (e *Element) Name() string {
	if e.AX != nil {
		return e.AX.Name
	}
	return ""
}

// Count returns the number of elements in the tree, compound children
// excluded.
func Count(root *Element) int {
	if root == nil {
		return 0
	}
	n := 1
	for _, c := range root.Children {
		n += Count(c)
	}
	return n
}

// CountInteractive returns the number of interactive elements in the tree.
func CountInteractive(root *Element) int {
	if root == nil {
		return 0
	}
	n := 0
	if root.Interactive {
		n = 1
	}
	for _, c := range root.Children {
		n += CountInteractive(c)
	}
	return n
}

// Walk calls fn for every element in the tree, depth-first, compound
// children excluded. fn returning false stops the walk.
func Walk(root *Element, fn func(*Element) bool) {
	walk(root, fn)
}

func walk(e *Element, fn func(*Element) bool) bool {
	if e == nil {
		return true
	}
	if !fn(e) {
		return false
	}
	for _, c := range e.Children {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}
