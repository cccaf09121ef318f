// ABOUTME: HTTP client for the external messaging gateway
// ABOUTME: One synchronous round-trip per call, no retry, every call traced

package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds every gateway call when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// ErrNotConfigured is returned when the gateway base URL or API key is missing.
// It is a configuration error; retrying will not help.
var ErrNotConfigured = errors.New("gateway client not configured")

// APIError is a non-2xx response from the gateway. Message carries the
// gateway's own wording so it can be surfaced verbatim.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Message)
}

// Gateway is the set of gateway operations the control plane consumes.
type Gateway interface {
	CreateSession(ctx context.Context, name string) (alreadyExists bool, err error)
	RegisterWebhook(ctx context.Context, name, targetURL string, events []string) error
	RequestPairingImage(ctx context.Context, name string) (PairingImage, error)
	QueryStatus(ctx context.Context, name string) (GatewayState, error)
	Teardown(ctx context.Context, name string) error
	SendText(ctx context.Context, name, phone, text string) error
}

// Client talks to the gateway's REST API.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewClient creates a gateway client. A zero timeout selects DefaultTimeout.
// Missing baseURL or apiKey is not an error here; every call then fails with ErrNotConfigured.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{},
		tracer:  otel.Tracer("github.com/2389/pairwatch/internal/evolution"),
		logger:  slog.Default().With("component", "evolution"),
	}
}

// Configured reports whether the client has the settings it needs to make calls.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

type createSessionRequest struct {
	Name        string `json:"name"`
	Integration string `json:"integration,omitempty"`
	QRCode      bool   `json:"qrcode"`
}

// CreateSession asks the gateway to allocate a session. A session that already
// exists is reported through alreadyExists and is not an error.
func (c *Client) CreateSession(ctx context.Context, name string) (bool, error) {
	err := c.do(ctx, "CreateSession", name, http.MethodPost, "/session/create",
		createSessionRequest{Name: name, QRCode: true}, nil)
	if err == nil {
		return false, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && isAlreadyExists(apiErr) {
		c.logger.Debug("gateway session already exists", "name", name)
		return true, nil
	}
	return false, err
}

// isAlreadyExists reports a name collision. The gateway answers those with
// 403, which it also uses for bad credentials, so only 409 counts on its own.
func isAlreadyExists(e *APIError) bool {
	if e.StatusCode == http.StatusConflict {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}

type webhookRequest struct {
	Enabled bool     `json:"enabled"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
}

// RegisterWebhook points the gateway's push notifications for name at targetURL.
func (c *Client) RegisterWebhook(ctx context.Context, name, targetURL string, events []string) error {
	return c.do(ctx, "RegisterWebhook", name, http.MethodPost, "/session/webhook/"+url.PathEscape(name),
		webhookRequest{Enabled: true, URL: targetURL, Events: events}, nil)
}

// RequestPairingImage asks the gateway for a fresh pairing image.
func (c *Client) RequestPairingImage(ctx context.Context, name string) (PairingImage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "RequestPairingImage", name, http.MethodPost, "/session/connect/"+url.PathEscape(name), nil, &raw); err != nil {
		return PairingImage{}, err
	}
	return ParsePairingImage(raw)
}

// QueryStatus reads the gateway's view of the session connection.
func (c *Client) QueryStatus(ctx context.Context, name string) (GatewayState, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "QueryStatus", name, http.MethodGet, "/session/status/"+url.PathEscape(name), nil, &raw); err != nil {
		return GatewayStateUnknown, err
	}
	return ParseState(raw)
}

// Teardown logs the session out and removes it from the gateway.
// A session the gateway no longer knows counts as torn down.
func (c *Client) Teardown(ctx context.Context, name string) error {
	err := c.do(ctx, "Teardown", name, http.MethodDelete, "/session/teardown/"+url.PathEscape(name), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// SendText sends a plain text message to phone through session name.
func (c *Client) SendText(ctx context.Context, name, phone, text string) error {
	return c.do(ctx, "SendText", name, http.MethodPost, "/message/sendText/"+url.PathEscape(name),
		sendTextRequest{Number: phone, Text: text}, nil)
}

// do performs one traced, time-bounded round-trip. When out is non-nil the
// response body is decoded into it.
func (c *Client) do(ctx context.Context, op, name, method, path string, in, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "evolution."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.session", name),
			attribute.String("http.method", method),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !c.Configured() {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway %s: %w", op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("gateway call", "op", op, "name", name, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrUnrecognizedResponse, op, err)
	}
	return nil
}

// errorBody covers the error envelopes the gateway is known to return:
// {"error": "..."}, {"message": "..."} and {"response": {"message": ["..."]}}.
type errorBody struct {
	Error    string          `json:"error"`
	Message  json.RawMessage `json:"message"`
	Response struct {
		Message json.RawMessage `json:"message"`
	} `json:"response"`
}

// handleErrorResponse extracts the gateway's error message from non-2xx responses.
func handleErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		for _, raw := range []json.RawMessage{eb.Response.Message, eb.Message} {
			if msg := messageText(raw); msg != "" {
				return &APIError{StatusCode: resp.StatusCode, Message: msg}
			}
		}
		if eb.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: eb.Error}
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

// messageText accepts either a string or a list of strings.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return strings.Join(list, "; ")
	}
	return ""
}

// Ensure Client implements Gateway
var _ Gateway = (*Client)(nil)
