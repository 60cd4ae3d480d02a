package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/axlens"
	"github.com/hazyhaar/axlens/distill"
	"github.com/hazyhaar/axlens/eltree"
	"github.com/hazyhaar/axlens/internal/config"
)

// stubLens serves canned responses so handler behavior can be tested
// without a browser.
type stubLens struct {
	targets   []axlens.Target
	tree      *eltree.Element
	text      string
	truncated bool
	err       error

	clearedFor  string
	releasedFor string
}

func (s *stubLens) Targets(context.Context) ([]axlens.Target, error) {
	return s.targets, s.err
}

func (s *stubLens) Open(_ context.Context, targetID, url string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if targetID == "" {
		targetID = "tgt_new"
	}
	return targetID, nil
}

func (s *stubLens) Snapshot(context.Context, string, axlens.SnapshotOptions) (*eltree.Element, error) {
	return s.tree, s.err
}

func (s *stubLens) SnapshotText(context.Context, string, axlens.SnapshotOptions) (string, bool, error) {
	return s.text, s.truncated, s.err
}

func (s *stubLens) NodeAX(_ context.Context, _, ref string) (*eltree.AXFacet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &eltree.AXFacet{Role: "button", Name: "Save"}, nil
}

func (s *stubLens) NodeBounds(_ context.Context, _, ref string) (eltree.Rect, error) {
	if s.err != nil {
		return eltree.Rect{}, s.err
	}
	return eltree.Rect{X: 10, Y: 20, W: 100, H: 30}, nil
}

func (s *stubLens) RefreshFacets(context.Context, string) (map[string]*eltree.AXFacet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return map[string]*eltree.AXFacet{"ref_1": {Role: "checkbox"}}, nil
}

func (s *stubLens) ClearRefs(targetID string) { s.clearedFor = targetID }

func (s *stubLens) Release(_ context.Context, targetID string) error {
	s.releasedFor = targetID
	return s.err
}

func (s *stubLens) SessionState(string) string { return "detached" }

func (s *stubLens) Read(context.Context, string) (*distill.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &distill.Result{Title: "Doc", Markdown: "# Doc"}, nil
}

func (s *stubLens) ExportPDF(context.Context, string) ([]byte, int, error) {
	if s.err != nil {
		return nil, 0, s.err
	}
	return []byte("%PDF-fake"), 2, nil
}

func newTestServer(t *testing.T, lens Lens, cfg config.ServeConfig) *httptest.Server {
	t.Helper()
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	srv := httptest.NewServer(New(lens, cfg, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &stubLens{}, config.ServeConfig{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
		t.Errorf("X-Request-ID = %q, want req_ prefix", got)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestBearerToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	srv := newTestServer(t, &stubLens{}, config.ServeConfig{TokenHash: string(hash)})

	// Healthz stays open.
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong token", "Bearer wrong", http.StatusUnauthorized},
		{"not bearer", "Basic sesame", http.StatusUnauthorized},
		{"right token", "Bearer sesame", http.StatusOK},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/targets", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, &stubLens{}, config.ServeConfig{RateLimit: 2, RateWindow: time.Minute})

	for i := 1; i <= 2; i++ {
		resp, err := http.Get(srv.URL + "/api/targets")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/api/targets")
	if err != nil {
		t.Fatalf("limited request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing on 429")
	}

	// Healthz is outside the limited prefix and stays reachable.
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestSnapshotText(t *testing.T) {
	lens := &stubLens{text: `button "Save" [ref_1]`, truncated: false}
	srv := newTestServer(t, lens, config.ServeConfig{})

	resp := postJSON(t, srv.URL+"/api/snapshot", `{"target_id":"tgt_1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["text"] != lens.text {
		t.Errorf("text = %q, want %q", body["text"], lens.text)
	}
	if body["truncated"] != false {
		t.Errorf("truncated = %v, want false", body["truncated"])
	}
}

func TestSnapshotJSONFormat(t *testing.T) {
	lens := &stubLens{tree: &eltree.Element{Tag: "body", Ref: "ref_1", Visible: true}}
	srv := newTestServer(t, lens, config.ServeConfig{})

	resp := postJSON(t, srv.URL+"/api/snapshot", `{"target_id":"tgt_1","format":"json"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	tree, ok := body["tree"].(map[string]any)
	if !ok {
		t.Fatalf("tree missing: %v", body)
	}
	if tree["tag"] != "body" || tree["ref"] != "ref_1" {
		t.Errorf("tree = %v", tree)
	}
}

func TestSnapshotBadFilter(t *testing.T) {
	srv := newTestServer(t, &stubLens{}, config.ServeConfig{})

	resp := postJSON(t, srv.URL+"/api/snapshot", `{"target_id":"t","filter":"visible"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBadJSONBody(t *testing.T) {
	srv := newTestServer(t, &stubLens{}, config.ServeConfig{})

	resp := postJSON(t, srv.URL+"/api/open", `{not json`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unknown ref", fmt.Errorf("%w: ref_9", axlens.ErrUnknownRef), http.StatusNotFound},
		{"no body", fmt.Errorf("capture: %w", axlens.ErrNoBody), http.StatusUnprocessableEntity},
		{"not started", axlens.ErrNotStarted, http.StatusServiceUnavailable},
		{"transport", fmt.Errorf("websocket broken"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		srv := newTestServer(t, &stubLens{err: tc.err}, config.ServeConfig{})
		resp := postJSON(t, srv.URL+"/api/ax", `{"target_id":"t","ref":"ref_9"}`)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestNodeBounds(t *testing.T) {
	srv := newTestServer(t, &stubLens{}, config.ServeConfig{})

	resp := postJSON(t, srv.URL+"/api/bounds", `{"target_id":"t","ref":"ref_3"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	bounds, ok := body["bounds"].(map[string]any)
	if !ok {
		t.Fatalf("bounds missing: %v", body)
	}
	if bounds["x"] != 10.0 || bounds["width"] != 100.0 {
		t.Errorf("bounds = %v", bounds)
	}
}

func TestBoundsRequiresRef(t *testing.T) {
	srv := newTestServer(t, &stubLens{}, config.ServeConfig{})

	resp := postJSON(t, srv.URL+"/api/bounds", `{"target_id":"t"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestClearRefsAndRelease(t *testing.T) {
	lens := &stubLens{}
	srv := newTestServer(t, lens, config.ServeConfig{})

	resp := postJSON(t, srv.URL+"/api/clear_refs", `{"target_id":"tgt_7"}`)
	resp.Body.Close()
	if lens.clearedFor != "tgt_7" {
		t.Errorf("clearedFor = %q, want tgt_7", lens.clearedFor)
	}

	resp = postJSON(t, srv.URL+"/api/release", `{"target_id":"tgt_7"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if lens.releasedFor != "tgt_7" {
		t.Errorf("releasedFor = %q, want tgt_7", lens.releasedFor)
	}
	if body["status"] != "detached" {
		t.Errorf("status = %v, want detached", body["status"])
	}
}

func TestReadAndPDF(t *testing.T) {
	srv := newTestServer(t, &stubLens{}, config.ServeConfig{})

	resp := postJSON(t, srv.URL+"/api/read", `{"target_id":"t"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["markdown"] != "# Doc" {
		t.Errorf("markdown = %v", body["markdown"])
	}

	resp = postJSON(t, srv.URL+"/api/pdf", `{"target_id":"t"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pdf status = %d, want 200", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["pages"] != 2.0 {
		t.Errorf("pages = %v, want 2", body["pages"])
	}
	if body["pdf_base64"] == "" {
		t.Error("pdf_base64 empty")
	}
}
