package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ErrProviderProtocol marks a malformed or schema-violating provider
// response. Never retried; the raw body stays in the call record.
var ErrProviderProtocol = errors.New("provider protocol error")

// ErrArtifactUnreadable marks a video artifact that cannot be read from
// disk. A local failure; retrying the provider cannot fix it.
var ErrArtifactUnreadable = errors.New("artifact unreadable")

// providerStatusError carries a non-2xx provider response.
type providerStatusError struct {
	Code int
	Body string
}

func (e *providerStatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, truncate(e.Body, 256))
}

// ProviderResult captures everything about one round-trip, success or not,
// so the call can be audited.
type ProviderResult struct {
	Text            string
	StatusCode      int
	Latency         time.Duration
	RequestHeaders  map[string]string
	RequestBody     string
	ResponseHeaders map[string]string
	ResponseBody    string
	TokenUsage      string
}

// ProviderClient performs one HTTP round-trip against the configured LLM
// endpoint. An empty secret or the mock:// endpoint switches to canned
// responses so the pipeline runs offline.
type ProviderClient struct {
	provider string
	cfg      LLMConfig
	http     *http.Client
}

func NewProviderClient(provider string, cfg LLMConfig) *ProviderClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ProviderClient{
		provider: provider,
		cfg:      cfg,
		http:     &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	VideoURL *videoURL `json:"video_url,omitempty"`
}

type videoURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// Anthropic-style bodies carry content blocks at the top level.
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	Usage json.RawMessage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one prompt (optionally with an attached video artifact) and
// returns the text reply. The result is non-nil whenever a request was
// actually sent, even on failure, so callers can audit the attempt.
func (c *ProviderClient) Complete(ctx context.Context, kind CallKind, prompt, videoPath string) (*ProviderResult, error) {
	if c.cfg.APIKey == "" || c.cfg.Endpoint == "mock://" {
		return c.mockComplete(kind)
	}
	if c.cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is not configured", ErrConfigInvalid)
	}

	parts := []contentPart{{Type: "text", Text: prompt}}
	if videoPath != "" {
		data, err := os.ReadFile(videoPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrArtifactUnreadable, videoPath, err)
		}
		parts = append(parts, contentPart{
			Type:     "video_url",
			VideoURL: &videoURL{URL: "data:video/mp4;base64," + base64.StdEncoding.EncodeToString(data)},
		})
	}
	payload, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: parts}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	result := &ProviderResult{
		RequestBody: string(payload),
		RequestHeaders: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer ***",
		},
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	result.Latency = time.Since(started)
	if err != nil {
		return result, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, fmt.Errorf("read provider response: %w", err)
	}
	result.StatusCode = resp.StatusCode
	result.ResponseBody = string(body)
	result.ResponseHeaders = map[string]string{}
	for k := range resp.Header {
		result.ResponseHeaders[k] = resp.Header.Get(k)
	}

	if resp.StatusCode >= 300 {
		return result, &providerStatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return result, fmt.Errorf("%w: %v", ErrProviderProtocol, err)
	}
	if parsed.Error != nil {
		return result, fmt.Errorf("%w: %s", ErrProviderProtocol, parsed.Error.Message)
	}
	if parsed.Usage != nil {
		result.TokenUsage = string(parsed.Usage)
	}
	if len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != "" {
		result.Text = parsed.Choices[0].Message.Content
		return result, nil
	}
	for _, block := range parsed.Content {
		if block.Type == "text" && block.Text != "" {
			result.Text = block.Text
			return result, nil
		}
	}
	return result, fmt.Errorf("%w: no text content in response", ErrProviderProtocol)
}

// mockComplete returns deterministic canned responses keyed by call kind.
func (c *ProviderClient) mockComplete(kind CallKind) (*ProviderResult, error) {
	var text string
	switch kind {
	case CallSegmentVideo:
		text = `[{"start": "00:00", "end": "00:30", "description": "Browsing documentation in a web browser."},
{"start": "00:30", "end": "01:00", "description": "Editing source code in an IDE."}]`
	case CallGenerateTimeline:
		text = `{"title": "Coding with documentation lookups", "summary": "Alternating between docs and the editor.",
"tags": ["coding", "research"],
"cards": [{"start": "00:00", "end": "00:30", "category": "work", "subcategory": "research",
"title": "Documentation reading", "summary": "Reading reference documentation.",
"detailed_summary": "The user read library documentation in a web browser.",
"distractions": [], "app_sites": {"Browser": ""}},
{"start": "00:30", "end": "01:00", "category": "work", "subcategory": "coding",
"title": "Implementation work", "summary": "Editing code in the IDE.",
"detailed_summary": "The user edited source files in an IDE.",
"distractions": [], "app_sites": {"IDE": ""}}]}`
	case CallAnalyzeFrames:
		text = `{"description": "Screen shows an editor and a browser."}`
	default:
		return nil, fmt.Errorf("%w: unknown call kind %q", ErrProviderProtocol, kind)
	}
	return &ProviderResult{
		Text:         text,
		StatusCode:   http.StatusOK,
		RequestBody:  `{"mock": true}`,
		ResponseBody: text,
	}, nil
}
