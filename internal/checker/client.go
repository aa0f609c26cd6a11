package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"symptom-chat/internal/chat"
	"symptom-chat/pkg/logging"
)

// maxErrorBody caps how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// StatusError is returned when the backend answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("checker: %s returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("checker: %s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client talks to the symptom checker backend over HTTP+JSON.
type Client struct {
	baseURL    string
	cookie     string
	httpClient *http.Client
	logger     *logging.Logger
	tracer     trace.Tracer
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithSessionCookie sends a Cookie header, needed by the login-protected
// chat history endpoints.
func WithSessionCookie(cookie string) Option {
	return func(c *Client) { c.cookie = cookie }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logging.Default(),
		tracer: otel.Tracer("symptomchat.internal.checker"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var (
	_ chat.Validator = (*Client)(nil)
	_ chat.Predictor = (*Client)(nil)
	_ chat.Recorder  = (*Client)(nil)
)

type validateRequest struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

// Validate matches free text against the backend's symptom list.
func (c *Client) Validate(ctx context.Context, text, lang string) (chat.Validation, error) {
	var out chat.Validation
	resp, err := c.do(ctx, "validate", http.MethodPost, "/api/validate", validateRequest{Text: text, Lang: lang})
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if err := expectOK("validate", resp); err != nil {
		return out, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("checker: decode validate response: %w", err)
	}
	return out, nil
}

func (c *Client) Info(ctx context.Context) (*chat.ModelInfo, error) {
	resp, err := c.do(ctx, "info", http.MethodGet, "/api/info", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := expectOK("info", resp); err != nil {
		return nil, err
	}
	var out chat.ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("checker: decode info response: %w", err)
	}
	return &out, nil
}

type symptomsResponse struct {
	Symptoms []string `json:"symptoms"`
	Success  bool     `json:"success"`
}

// Symptoms returns the backend vocabulary, used for autocomplete.
func (c *Client) Symptoms(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, "symptoms", http.MethodGet, "/api/symptoms", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := expectOK("symptoms", resp); err != nil {
		return nil, err
	}
	var out symptomsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("checker: decode symptoms response: %w", err)
	}
	if !out.Success {
		return []string{}, nil
	}
	return out.Symptoms, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any) (*http.Response, error) {
	ctx, span := c.tracer.Start(ctx, "checker."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("checker.path", path),
	))
	defer span.End()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("checker: encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("checker: build %s request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.cookie != "" {
		req.Header.Set("Cookie", c.cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("checker: %s request: %w", op, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("checker call", "op", op, "status", resp.StatusCode)
	return resp, nil
}

func expectOK(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return statusError(op, resp)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
