package axlens

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/axlens/kit"
)

// RegisterMCP registers all axlens tools on an MCP server.
func (l *Lens) RegisterMCP(srv *mcp.Server) {
	l.registerTargets(srv)
	l.registerOpen(srv)
	l.registerSnapshot(srv)
	l.registerNodeAX(srv)
	l.registerNodeBounds(srv)
	l.registerRefreshFacets(srv)
	l.registerClearRefs(srv)
	l.registerRelease(srv)
	l.registerRead(srv)
	l.registerPDF(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- Targets ---

func (l *Lens) registerTargets(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "axlens_targets",
		Description: "List the open browser pages with their target ids and attachment state",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return l.Targets(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &req{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (l *Lens) registerOpen(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
		URL      string `json:"url"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_open",
		Description: "Navigate a page to a URL and wait for it to load. Without target_id a new page is created. Previously issued refs for the page become invalid.",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Existing page to navigate; empty creates a new one"},
			"url":       map[string]any{"type": "string", "description": "URL to open"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		tid, err := l.Open(ctx, p.TargetID, p.URL)
		if err != nil {
			return nil, err
		}
		return map[string]string{"target_id": tid}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Tree capture ---

func (l *Lens) registerSnapshot(srv *mcp.Server) {
	type req struct {
		TargetID       string `json:"target_id"`
		Depth          *int   `json:"depth"`
		Filter         string `json:"filter"`
		ResetRefs      bool   `json:"reset_refs"`
		ExtendedStyles bool   `json:"extended_styles"`
		Format         string `json:"format"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_snapshot",
		Description: "Capture the page as an element tree. Each element line carries a ref usable with the node tools. Large output is replaced by a truncation notice.",
		InputSchema: inputSchema(map[string]any{
			"target_id":       map[string]any{"type": "string", "description": "Page target id"},
			"depth":           map[string]any{"type": "integer", "description": "Tree depth below body; 0 keeps only the body"},
			"filter":          map[string]any{"type": "string", "description": "Element filter: all or interactive"},
			"reset_refs":      map[string]any{"type": "boolean", "description": "Restart ref numbering from ref_1"},
			"extended_styles": map[string]any{"type": "boolean", "description": "Capture pointer-events and overflow styles too"},
			"format":          map[string]any{"type": "string", "description": "Output format: text (default) or json"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		opts := SnapshotOptions{
			Depth:          p.Depth,
			Filter:         p.Filter,
			ResetRefs:      p.ResetRefs,
			ExtendedStyles: p.ExtendedStyles,
		}
		if p.Format == "json" {
			return l.Snapshot(ctx, p.TargetID, opts)
		}
		text, _, err := l.SnapshotText(ctx, p.TargetID, opts)
		if err != nil {
			return nil, err
		}
		return text, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Node queries ---

func (l *Lens) registerNodeAX(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
		Ref      string `json:"ref"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_node_ax",
		Description: "Fetch the current accessibility state (role, name, checked, expanded, ...) of one referenced element",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Page target id"},
			"ref":       map[string]any{"type": "string", "description": "Element reference from a snapshot, e.g. ref_12"},
		}, []string{"target_id", "ref"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		facet, err := l.NodeAX(ctx, p.TargetID, p.Ref)
		if err != nil {
			return nil, err
		}
		if facet == nil {
			return fmt.Sprintf("%s has no accessibility representation", p.Ref), nil
		}
		return facet, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (l *Lens) registerNodeBounds(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
		Ref      string `json:"ref"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_node_bounds",
		Description: "Fetch fresh page-coordinate geometry of one referenced element",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Page target id"},
			"ref":       map[string]any{"type": "string", "description": "Element reference from a snapshot"},
		}, []string{"target_id", "ref"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return l.NodeBounds(ctx, p.TargetID, p.Ref)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (l *Lens) registerRefreshFacets(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_refresh_facets",
		Description: "Refetch only accessibility state for every referenced element, keyed by ref. Cheaper than a snapshot when structure has not changed.",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Page target id"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return l.RefreshFacets(ctx, p.TargetID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Session control ---

func (l *Lens) registerClearRefs(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_clear_refs",
		Description: "Discard every ref issued for a page; the next snapshot numbers from ref_1 again",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Page target id"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		l.ClearRefs(p.TargetID)
		return fmt.Sprintf("refs cleared for %s", p.TargetID), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (l *Lens) registerRelease(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_release",
		Description: "Detach from a page now instead of waiting out the inactivity window. Refs stay valid; the next call re-attaches.",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Page target id"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := l.Release(ctx, p.TargetID); err != nil {
			return nil, err
		}
		return fmt.Sprintf("released %s", p.TargetID), nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- Content export ---

func (l *Lens) registerRead(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_read",
		Description: "Distill the rendered page into markdown for reading. Scripts, styles and unsafe markup are stripped.",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Page target id"},
		}, []string{"target_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		res, err := l.Read(ctx, p.TargetID)
		if err != nil {
			return nil, err
		}
		return res.Markdown, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (l *Lens) registerPDF(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
		Path     string `json:"path"`
	}

	tool := &mcp.Tool{
		Name:        "axlens_pdf",
		Description: "Render the page to a validated PDF file on disk",
		InputSchema: inputSchema(map[string]any{
			"target_id": map[string]any{"type": "string", "description": "Page target id"},
			"path":      map[string]any{"type": "string", "description": "File path to write the PDF to"},
		}, []string{"target_id", "path"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		data, pages, err := l.ExportPDF(ctx, p.TargetID)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(p.Path, data, 0o644); err != nil {
			return nil, fmt.Errorf("axlens: write pdf: %w", err)
		}
		return map[string]any{"path": p.Path, "bytes": len(data), "pages": pages}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
