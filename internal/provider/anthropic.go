// Package provider implements the Anthropic messages API client used by the
// agent loop: a streaming call (server-sent events) for the first iteration
// of a turn and plain request/response calls for the iterations after tool
// use. Transient failures are retried with exponential backoff.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/batchismo/batchismo/internal/domain"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	// maxRetries bounds retry attempts for transient failures
	// (network errors, 429, 5xx). Non-transient errors surface at once.
	maxRetries = 2
)

// HTTPClient abstracts *http.Client for tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the Anthropic messages API.
type Client struct {
	apiKey  string
	baseURL string
	http    HTTPClient
	backoff time.Duration
}

// NewClient creates a client with the given API key.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
		backoff: time.Second,
	}
}

// WithBaseURL overrides the API endpoint (tests, proxies).
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithHTTPClient overrides the HTTP transport.
func (c *Client) WithHTTPClient(h HTTPClient) *Client {
	c.http = h
	return c
}

// NormalizeModel strips a provider prefix such as "anthropic/" from a
// configured model identifier.
func NormalizeModel(model string) string {
	return strings.TrimPrefix(model, "anthropic/")
}

// ─── Request/response types ─────────────────────────────────────────────────

// ChatRequest is one messages API call.
type ChatRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []MessageParam  `json:"messages"`
	Tools     []ToolDef       `json:"tools,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	Thinking  *ThinkingConfig `json:"thinking,omitempty"`
}

// MessageParam is one conversation entry. Content is either a JSON string
// or an array of content blocks.
type MessageParam struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// TextContent builds a plain-string message.
func TextContent(role, text string) MessageParam {
	data, _ := json.Marshal(text)
	return MessageParam{Role: role, Content: data}
}

// BlocksContent builds a message from structured content blocks.
func BlocksContent(role string, blocks []ContentBlock) MessageParam {
	data, _ := json.Marshal(blocks)
	return MessageParam{Role: role, Content: data}
}

// ToolDef advertises a tool to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ThinkingConfig enables extended thinking with a token budget.
type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

// ContentBlock is one block of model output or structured input.
type ContentBlock struct {
	Type string `json:"type"` // text | tool_use | tool_result
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is a completed messages API result.
type Response struct {
	ID         string         `json:"id"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the response, in order.
func (r *Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, block := range r.Content {
		if block.Type == "tool_use" {
			out = append(out, block)
		}
	}
	return out
}

// WantsToolUse reports whether the model stopped to call tools.
func (r *Response) WantsToolUse() bool { return r.StopReason == "tool_use" }

// ─── Calls ──────────────────────────────────────────────────────────────────

// Chat performs a non-streaming messages call.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	body, err := c.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, err)
	}
	return &resp, nil
}

// ChatStream performs a streaming messages call, invoking onText for every
// text delta as it arrives, and returns the reconstructed response.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, onText func(string)) (*Response, error) {
	body, err := c.send(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return decodeStream(body, onText)
}

// send issues the HTTP request with retry on transient failures.
func (c *Client) send(ctx context.Context, req *ChatRequest, stream bool) (io.ReadCloser, error) {
	payload := *req
	payload.Stream = stream
	data, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("content-type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)

		resp, err := c.http.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", domain.ErrUpstream, err)
		} else if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		} else {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: api error %d: %s", domain.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
			if !retriable(resp.StatusCode) {
				return nil, lastErr
			}
		}

		if attempt >= maxRetries {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.backoff << attempt):
		}
	}
}

func retriable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// ─── SSE decode ─────────────────────────────────────────────────────────────

type sseEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	Message *struct {
		ID    string `json:"id"`
		Usage Usage  `json:"usage"`
	} `json:"message"`

	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Usage *Usage `json:"usage"`
}

// blockAccum rebuilds content blocks from stream deltas. Tool input JSON
// is buffered until the block stops; partial JSON never escapes.
type blockAccum struct {
	kind      string
	text      strings.Builder
	toolID    string
	toolName  string
	inputJSON strings.Builder
}

// decodeStream consumes an SSE body and reconstructs the full response.
// Chunk boundaries are arbitrary: the scanner reassembles lines, and text
// deltas are forwarded exactly as the API produced them.
func decodeStream(body io.Reader, onText func(string)) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)

	resp := &Response{}
	var blocks []*blockAccum

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // tolerate partial or unknown frames
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				resp.ID = ev.Message.ID
				resp.Usage.InputTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			for len(blocks) <= ev.Index {
				blocks = append(blocks, &blockAccum{kind: "text"})
			}
			if ev.ContentBlock != nil {
				acc := &blockAccum{kind: ev.ContentBlock.Type, toolID: ev.ContentBlock.ID, toolName: ev.ContentBlock.Name}
				if ev.ContentBlock.Text != "" {
					acc.text.WriteString(ev.ContentBlock.Text)
					if onText != nil {
						onText(ev.ContentBlock.Text)
					}
				}
				blocks[ev.Index] = acc
			}

		case "content_block_delta":
			if ev.Delta == nil || ev.Index >= len(blocks) {
				continue
			}
			acc := blocks[ev.Index]
			switch ev.Delta.Type {
			case "text_delta":
				acc.text.WriteString(ev.Delta.Text)
				if onText != nil && ev.Delta.Text != "" {
					onText(ev.Delta.Text)
				}
			case "input_json_delta":
				acc.inputJSON.WriteString(ev.Delta.PartialJSON)
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				resp.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				resp.Usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			return assemble(resp, blocks), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: stream read: %v", domain.ErrUpstream, err)
	}
	return assemble(resp, blocks), nil
}

func assemble(resp *Response, blocks []*blockAccum) *Response {
	for _, acc := range blocks {
		switch acc.kind {
		case "text":
			if acc.text.Len() > 0 {
				resp.Content = append(resp.Content, ContentBlock{Type: "text", Text: acc.text.String()})
			}
		case "tool_use":
			input := json.RawMessage(acc.inputJSON.String())
			if !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			resp.Content = append(resp.Content, ContentBlock{
				Type: "tool_use", ID: acc.toolID, Name: acc.toolName, Input: input,
			})
		}
	}
	return resp
}

// IsTransient reports whether err is a domain.ErrUpstream error: a network
// failure, a non-200 API status, or an undecodable response. It does not
// separate retriable statuses from client errors such as 401.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrUpstream)
}
