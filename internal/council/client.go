// Package council talks to the LLM council backend: one POST /query per question, plus a
// GET /health probe. The backend does the model fan-out, cross review and synthesis; this
// package only moves the request and decodes the three-stage result.
package council

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 180 * time.Second
	maxBodyBytes   = 8 << 20
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the traced default client. Tests use it to plug in a recorder.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With().Str("component", "council").Logger()
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	c := &Client{
		baseURL: trimmed,
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// SubmitQuery sends one question through the whole council pipeline. It blocks until the
// backend answers; there is no retry here.
func (c *Client) SubmitQuery(ctx context.Context, query string) (*Result, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, &RequestError{Message: "Query cannot be empty"}
	}
	body, err := json.Marshal(map[string]string{"query": trimmed})
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	started := time.Now()
	payload, err := c.do(ctx, http.MethodPost, "/query", body)
	if err != nil {
		c.logger.Warn().Err(err).Dur("elapsed", time.Since(started)).Msg("query failed")
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, &RequestError{Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}
	if result.Stage3Final == nil {
		return nil, &RequestError{Err: fmt.Errorf("%w: missing stage_3_final", errMalformed)}
	}
	c.logger.Info().
		Int("responses", len(result.Stage1Responses)).
		Int("reviews", len(result.Stage2Reviews)).
		Float64("processing_time", result.ProcessingTimeSeconds).
		Dur("elapsed", time.Since(started)).
		Msg("query answered")
	return &result, nil
}

func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	payload, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	var health Health
	if err := json.Unmarshal(payload, &health); err != nil {
		return nil, &RequestError{Err: fmt.Errorf("%w: %v", errMalformed, err)}
	}
	return &health, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RequestError{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &RequestError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := errorDetail(payload)
		reqErr := &RequestError{Message: detail, StatusCode: resp.StatusCode}
		if detail == "" {
			reqErr.Err = errors.New(compactSingleLine(string(payload), 240))
		}
		return nil, reqErr
	}
	return payload, nil
}

// errorDetail pulls FastAPI's {"detail": ...} out of an error body. A validation error
// carries a list there, which is compacted into one line.
func errorDetail(payload []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || len(envelope.Detail) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil {
		return strings.TrimSpace(text)
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if msg := strings.TrimSpace(item.Msg); msg != "" {
				msgs = append(msgs, msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}
	if string(envelope.Detail) == "null" {
		return ""
	}
	return compactSingleLine(string(envelope.Detail), 240)
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if limit <= 0 || len(compact) <= limit {
		return compact
	}
	if limit <= 3 {
		return compact[:limit]
	}
	return compact[:limit-3] + "..."
}
