// Package inference calls the remote text-generation backend. The client makes
// exactly one attempt per call; retry and fallback policy belong to the caller.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chat-gateway/internal/domain"
)

const (
	statusCompleted = "COMPLETED"

	maxErrorBody    = 4096
	maxResponseBody = 1 << 20
)

type generateRequest struct {
	Input generateInput `json:"input"`
}

type generateInput struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type generateResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type generateOutput struct {
	Text string `json:"text"`
}

// TokenSource supplies the bearer token for each call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed string.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// Client posts prompts to a single backend endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	tokens     TokenSource
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// NewClient creates a Client for endpoint. An empty endpoint yields an
// unconfigured client whose Generate always fails with KindUnconfigured.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("inference: parse endpoint: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("inference: endpoint %q must be an absolute http(s) URL", endpoint)
		}
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Configured reports whether the client has an endpoint to call.
func (c *Client) Configured() bool {
	return c != nil && c.endpoint != ""
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

// Generate sends one prompt and returns the backend's text. deadline bounds the
// whole call including token resolution; zero means only ctx bounds it.
func (c *Client) Generate(ctx context.Context, prompt string, params domain.GenerationParams, deadline time.Duration) (string, error) {
	if !c.Configured() {
		return "", newError(KindUnconfigured, 0, errors.New("no endpoint configured"))
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("inference: prompt must not be empty")
	}
	if params.MaxTokens <= 0 {
		return "", errors.New("inference: max tokens must be positive")
	}

	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	var token string
	if c.tokens != nil {
		t, err := c.tokens.Token(ctx)
		if err != nil {
			if isTimeout(err) {
				return "", newError(KindTimeout, 0, err)
			}
			return "", newError(KindUnconfigured, 0, fmt.Errorf("resolve token: %w", err))
		}
		token = t
	}

	body, err := json.Marshal(generateRequest{Input: generateInput{
		Prompt:      prompt,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stop:        params.StopSequences,
	}})
	if err != nil {
		return "", fmt.Errorf("inference: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("inference: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return "", newError(KindIncomplete, res.StatusCode, fmt.Errorf("unexpected status from %s: %s", c.endpoint, strings.TrimSpace(string(buf))))
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return "", classifyTransportError(fmt.Errorf("read response body: %w", err))
	}
	return parseResponse(raw)
}

func parseResponse(raw []byte) (string, error) {
	var payload generateResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", newError(KindIncomplete, 0, fmt.Errorf("decode response: %w", err))
	}
	if payload.Status != statusCompleted {
		reason := fmt.Sprintf("job %s status %q", payload.ID, payload.Status)
		if payload.Error != "" {
			reason += ": " + payload.Error
		}
		return "", newError(KindIncomplete, 0, errors.New(reason))
	}
	var out generateOutput
	if len(payload.Output) == 0 || json.Unmarshal(payload.Output, &out) != nil {
		return "", newError(KindIncomplete, 0, errors.New("output is not an object with text"))
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", newError(KindIncomplete, 0, errors.New("empty output text"))
	}
	return text, nil
}

func classifyTransportError(err error) error {
	if isTimeout(err) {
		return newError(KindTimeout, 0, err)
	}
	return newError(KindUnreachable, 0, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
