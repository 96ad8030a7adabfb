package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebFetch retrieves a URL over HTTP(S) and returns the body as text.
type WebFetch struct {
	client *http.Client
}

func NewWebFetch() *WebFetch {
	return &WebFetch{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *WebFetch) Name() string { return "web_fetch" }
func (t *WebFetch) Description() string {
	return "Fetch the contents of an HTTP or HTTPS URL. Returns the response body as text."
}
func (t *WebFetch) Capabilities() []Capability { return []Capability{CapNetwork} }
func (t *WebFetch) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "The URL to fetch (http:// or https://)"},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetch) Execute(ctx context.Context, input map[string]any) (string, error) {
	url := str(input, "url")
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("only http and https URLs are supported: %s", url)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("bad url %q: %v", url, err)
	}
	req.Header.Set("User-Agent", "batchismo-agent/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	// Registry truncation caps the final result; reading a bit more than
	// the cap here avoids buffering arbitrarily large bodies.
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxOutputBytes+1024))
	if err != nil {
		return "", fmt.Errorf("read body: %v", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
