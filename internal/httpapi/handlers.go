package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hazyhaar/axlens"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.lens.Targets(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
		URL      string `json:"url"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	tid, err := s.lens.Open(r.Context(), req.TargetID, req.URL)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target_id": tid})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID       string `json:"target_id"`
		Depth          *int   `json:"depth"`
		Filter         string `json:"filter"`
		ResetRefs      bool   `json:"reset_refs"`
		ExtendedStyles bool   `json:"extended_styles"`
		Format         string `json:"format"`
	}
	if !decode(w, r, &req) {
		return
	}
	switch req.Filter {
	case "", "all", "interactive":
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("filter %q: want all or interactive", req.Filter))
		return
	}
	opts := axlens.SnapshotOptions{
		Depth:          req.Depth,
		Filter:         req.Filter,
		ResetRefs:      req.ResetRefs,
		ExtendedStyles: req.ExtendedStyles,
	}

	if req.Format == "json" {
		root, err := s.lens.Snapshot(r.Context(), req.TargetID, opts)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tree": root})
		return
	}

	text, truncated, err := s.lens.SnapshotText(r.Context(), req.TargetID, opts)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"text": text, "truncated": truncated})
}

func (s *Server) handleNodeAX(w http.ResponseWriter, r *http.Request) {
	targetID, ref, ok := decodeRef(w, r)
	if !ok {
		return
	}
	facet, err := s.lens.NodeAX(r.Context(), targetID, ref)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ref": ref, "ax": facet})
}

func (s *Server) handleNodeBounds(w http.ResponseWriter, r *http.Request) {
	targetID, ref, ok := decodeRef(w, r)
	if !ok {
		return
	}
	rect, err := s.lens.NodeBounds(r.Context(), targetID, ref)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ref": ref, "bounds": rect})
}

func (s *Server) handleRefreshFacets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	facets, err := s.lens.RefreshFacets(r.Context(), req.TargetID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"facets": facets})
}

func (s *Server) handleClearRefs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	s.lens.ClearRefs(req.TargetID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.lens.Release(r.Context(), req.TargetID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": s.lens.SessionState(req.TargetID),
	})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.lens.Read(r.Context(), req.TargetID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePDF(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetID string `json:"target_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	data, pages, err := s.lens.ExportPDF(r.Context(), req.TargetID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pdf_base64": base64.StdEncoding.EncodeToString(data),
		"bytes":      len(data),
		"pages":      pages,
	})
}

// fail maps an operation error to a status code by its failure class:
// caller mistakes are 4xx, browser-side trouble is 502, a lens that is not
// running is 503.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch axlens.FailureClass(err) {
	case "unknown_ref":
		status = http.StatusNotFound
	case "no_body":
		status = http.StatusUnprocessableEntity
	case "not_started":
		status = http.StatusServiceUnavailable
	case "protocol":
		status = http.StatusBadGateway
	}
	writeError(w, status, err.Error())
}

// decode reads the JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

func decodeRef(w http.ResponseWriter, r *http.Request) (targetID, ref string, ok bool) {
	var req struct {
		TargetID string `json:"target_id"`
		Ref      string `json:"ref"`
	}
	if !decode(w, r, &req) {
		return "", "", false
	}
	if req.Ref == "" {
		writeError(w, http.StatusBadRequest, "ref is required")
		return "", "", false
	}
	return req.TargetID, req.Ref, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
