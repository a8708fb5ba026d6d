package remote

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
	"unicode/utf8"

	"github.com/roach88/fieldsync/internal/model"
)

// IdempotencyHeader carries the per-operation key on every mutating request.
const IdempotencyHeader = "Idempotency-Key"

// RequestEditor mutates outgoing requests, e.g. to inject an auth header.
type RequestEditor func(ctx context.Context, req *http.Request) error

// Client is an HTTP implementation of Service over
// /v1/{entityType} and /v1/{entityType}/{id}.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	editors []RequestEditor
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithRequestEditor appends a request editor.
func WithRequestEditor(fn RequestEditor) ClientOption {
	return func(c *Client) {
		c.editors = append(c.editors, fn)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Create implements Service.
func (c *Client) Create(ctx context.Context, entityType string, req Request) Outcome {
	return c.do(ctx, http.MethodPost, entityType, "", req.Payload, req.IdempotencyKey)
}

// Update implements Service.
func (c *Client) Update(ctx context.Context, entityType, id string, req Request) Outcome {
	return c.do(ctx, http.MethodPut, entityType, id, req.Payload, req.IdempotencyKey)
}

// Delete implements Service. A 404 counts as Applied: deletes are idempotent.
func (c *Client) Delete(ctx context.Context, entityType, id string, req Request) Outcome {
	return c.do(ctx, http.MethodDelete, entityType, id, nil, req.IdempotencyKey)
}

// Fetch implements Service.
func (c *Client) Fetch(ctx context.Context, entityType, id string) Outcome {
	return c.do(ctx, http.MethodGet, entityType, id, nil, "")
}

func (c *Client) do(ctx context.Context, method, entityType, id string, payload json.RawMessage, key string) Outcome {
	if err := ctx.Err(); err != nil {
		return Retriable(err)
	}

	var body io.Reader
	if payload != nil {
		if !json.Valid(payload) {
			return Fatal(fmt.Errorf("request payload is not valid JSON"))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(entityType, id), body)
	if err != nil {
		return Fatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	for _, edit := range c.editors {
		if err := edit(ctx, req); err != nil {
			return Fatal(fmt.Errorf("request editor: %w", err))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("remote call failed", "method", method, "entity_type", entityType, "id", id, "error", err)
		return Retriable(model.NewError(model.ErrCodeTransient, "request failed", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Retriable(model.NewError(model.ErrCodeTransient, "read response", err))
	}

	c.logger.Debug("remote call", "method", method, "entity_type", entityType, "id", id, "status", resp.StatusCode)
	return classify(method, entityType, id, resp.StatusCode, data)
}

func (c *Client) endpoint(entityType, id string) string {
	p := c.baseURL.JoinPath("v1", entityType)
	if id != "" {
		p = p.JoinPath(id)
	}
	return p.String()
}

// classify maps an HTTP response onto an Outcome:
//
//	2xx               → Applied (entity decoded from body when present)
//	404 on DELETE     → Applied
//	408, 429, 5xx     → Retriable
//	other 4xx         → Rejected
//	undecodable body  → Fatal
func classify(method, entityType, id string, status int, body []byte) Outcome {
	switch {
	case status >= 200 && status < 300:
		if method == http.MethodDelete || len(bytes.TrimSpace(body)) == 0 {
			return Applied(nil)
		}
		entity, err := decodeEntity(entityType, id, body)
		if err != nil {
			return Fatal(err)
		}
		return Applied(entity)

	case status == http.StatusNotFound && method == http.MethodDelete:
		return Applied(nil)

	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Retriable(model.NewError(model.ErrCodeTransient,
			fmt.Sprintf("%s %s: %d %s", method, entityType, status, errorMessage(body)), nil).ForEntity(entityType, id))

	case status >= 400:
		code := model.ErrCodeRejected
		if status == http.StatusNotFound {
			code = model.ErrCodeNotFound
		}
		return Rejected(model.NewError(code,
			fmt.Sprintf("%s %s: %d %s", method, entityType, status, errorMessage(body)), nil).ForEntity(entityType, id))
	}
	return Fatal(fmt.Errorf("unexpected status %d", status))
}

// decodeEntity turns a response body into a Record. The id comes from the
// body's "id" field, falling back to the request id.
func decodeEntity(entityType, id string, body []byte) (*model.Record, error) {
	v, err := model.DecodePayload(body)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, model.NewError(model.ErrCodeSerialization, "response is not a JSON object", nil)
	}
	if remoteID := EntityID(obj); remoteID != "" {
		id = remoteID
	}
	if id == "" {
		return nil, model.NewError(model.ErrCodeSerialization, "response entity has no id", nil)
	}
	return &model.Record{
		EntityType: entityType,
		ID:         id,
		Payload:    json.RawMessage(bytes.TrimSpace(body)),
		SyncState:  model.SyncStateSynced,
	}, nil
}

// EntityID returns the "id" field of a decoded entity as a string, or "".
func EntityID(obj map[string]any) string {
	switch v := obj["id"].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

type errorBody struct {
	Error string `json:"error"`
}

// maxErrorMessage caps, in bytes, the body text kept as an operation's last error.
const maxErrorMessage = 200

func errorMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	msg := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// IsCancellation reports whether err came from context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
