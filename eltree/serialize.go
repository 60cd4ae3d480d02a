package eltree

import (
	"fmt"
	"strings"
)

// Text renders the tree as indented lines, two spaces per level:
//
//	form [ref_1]
//	  textbox "Email" [ref_2] value="a@b.c" placeholder="you@example.com"
//	  button "Save" [ref_3] disabled
//
// Each line is the effective role, the quoted accessible name when one
// exists, the bracketed ref when one is assigned, then attributes in fixed
// priority order (href, value, placeholder, type), then bare state flags,
// then valued state properties. Compound children render one level below
// their host, before its structural children.
func Text(root *Element) string {
	var b strings.Builder
	writeElement(&b, root, 0)
	return b.String()
}

func writeElement(b *strings.Builder, e *Element, depth int) {
	if e == nil {
		return
	}
	writeLine(b, e, depth)
	for _, c := range e.Compound {
		writeLine(b, c, depth+1)
	}
	for _, c := range e.Children {
		writeElement(b, c, depth+1)
	}
}

func writeLine(b *strings.Builder, e *Element, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(e.Role())
	if name := e.Name(); name != "" {
		fmt.Fprintf(b, " %q", name)
	}
	if e.Ref != "" {
		fmt.Fprintf(b, " [%s]", e.Ref)
	}
	if e.Href != "" {
		fmt.Fprintf(b, " href=%q", e.Href)
	}
	if e.Value != "" {
		fmt.Fprintf(b, " value=%q", e.Value)
	}
	if e.Placeholder != "" {
		fmt.Fprintf(b, " placeholder=%q", e.Placeholder)
	}
	if e.InputType != "" {
		fmt.Fprintf(b, " type=%q", e.InputType)
	}
	if e.AX != nil {
		for _, p := range e.AX.Props {
			if p.Flag {
				b.WriteByte(' ')
				b.WriteString(p.Name)
			}
		}
		for _, p := range e.AX.Props {
			if !p.Flag {
				fmt.Fprintf(b, " %s=%q", p.Name, p.Value)
			}
		}
	}
	b.WriteByte('\n')
}
