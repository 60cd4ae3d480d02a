package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// VersionInfo is the /json/version discovery document.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// PageTarget is one entry of the /json/list discovery document.
type PageTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// BrowserWSURL asks an http(s) debugging endpoint for its browser-level
// websocket URL via /json/version.
func BrowserWSURL(ctx context.Context, baseURL string) (string, error) {
	var v VersionInfo
	if err := getJSON(ctx, strings.TrimRight(baseURL, "/")+"/json/version", &v); err != nil {
		return "", err
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("cdp: %s/json/version has no webSocketDebuggerUrl", baseURL)
	}
	return v.WebSocketDebuggerURL, nil
}

// ListPages lists page-type targets via /json/list.
func ListPages(ctx context.Context, baseURL string) ([]PageTarget, error) {
	var all []PageTarget
	if err := getJSON(ctx, strings.TrimRight(baseURL, "/")+"/json/list", &all); err != nil {
		return nil, err
	}
	var pages []PageTarget
	for _, t := range all {
		if t.Type == "page" {
			pages = append(pages, t)
		}
	}
	return pages, nil
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("cdp: discovery request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cdp: discovery %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cdp: discovery %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cdp: discovery decode %s: %w", url, err)
	}
	return nil
}
