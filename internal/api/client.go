package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/lockstep/internal/protocol"
)

// Client talks to a lockstep server for one actor.
// It implements effect.Transport.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// NewClient creates a client for the server at base authenticated by token.
func NewClient(base, token string, opts ...ClientOption) *Client {
	c := &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create makes a new entity owned by the client's actor. An empty id lets
// the server choose one.
func (c *Client) Create(ctx context.Context, id string) (protocol.EntitySnapshot, error) {
	var out protocol.EntitySnapshot
	err := c.do(ctx, http.MethodPost, "/v1/entities", createRequest{EntityID: id}, &out)
	return out, err
}

// Sync returns the entity's current snapshot.
func (c *Client) Sync(ctx context.Context, id string) (protocol.Snapshot, error) {
	var out protocol.EntitySnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(id), nil, &out); err != nil {
		return protocol.Snapshot{}, err
	}
	return protocol.Snapshot{Version: out.Version, State: out.State}, nil
}

// Delete removes the entity.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/entities/"+url.PathEscape(id), nil, nil)
}

// Audit returns the entity's audit log.
func (c *Client) Audit(ctx context.Context, id string) ([]protocol.AuditEntry, error) {
	var out []protocol.AuditEntry
	err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(id)+"/audit", nil, &out)
	return out, err
}

// Dispatch sends one action. Accepted, Conflict and Rejected are replies;
// the error is non-nil only when no reply was received.
func (c *Client) Dispatch(ctx context.Context, req protocol.DispatchRequest) (protocol.Reply, error) {
	var env protocol.ReplyEnvelope
	if err := c.do(ctx, http.MethodPost, "/v1/dispatch", req, &env); err != nil {
		return nil, err
	}
	reply, err := env.Reply()
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeNetworkFailure, err)
	}
	return reply, nil
}

// MultiDispatch sends one multi-entity action.
func (c *Client) MultiDispatch(ctx context.Context, req protocol.MultiDispatchRequest) (protocol.MultiReply, error) {
	var out protocol.MultiReply
	err := c.do(ctx, http.MethodPost, "/v1/multi-dispatch", req, &out)
	return out, err
}

// RealtimeURL returns the websocket URL of the entity's realtime route.
func (c *Client) RealtimeURL(id string) string {
	u := c.base + "/v1/entities/" + url.PathEscape(id) + "/realtime"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// Token returns the bearer token the client sends.
func (c *Client) Token() string { return c.token }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.Wrap(protocol.CodeNetworkFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Wrap(protocol.CodeNetworkFailure, err)
	}

	// Dispatch replies come back as 400 for a future base version; they
	// still carry a status and decode like any other reply.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || isReplyBody(resp.StatusCode, data) {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return protocol.Wrap(protocol.CodeNetworkFailure, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return responseError(resp.StatusCode, data)
}

func isReplyBody(status int, data []byte) bool {
	if status != http.StatusBadRequest {
		return false
	}
	var probe struct {
		Status string `json:"status"`
	}
	return json.Unmarshal(data, &probe) == nil && probe.Status != ""
}

func responseError(status int, data []byte) error {
	var body ErrorBody
	_ = json.Unmarshal(data, &body)
	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := body.Code
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = protocol.CodeUnauthorized
	case status == http.StatusNotFound:
		code = protocol.CodeNotFound
	case status >= 500:
		code = protocol.CodeNetworkFailure
	case code == "":
		code = protocol.CodeDomainInvalid
	}
	return &protocol.Error{
		Code:    code,
		Message: msg,
		Details: map[string]string{"status": fmt.Sprint(status)},
		Err:     errors.New(http.StatusText(status)),
	}
}
