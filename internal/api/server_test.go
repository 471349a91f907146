package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/authority"
	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/identity"
	"github.com/roach88/lockstep/internal/kanban"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/realtime"
	"github.com/roach88/lockstep/internal/schema"
	"github.com/roach88/lockstep/internal/store"
)

type stack struct {
	server *httptest.Server
	keys   *identity.Keys
	hub    *realtime.Hub
	auth   *authority.Authority
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := identity.New("test-secret")
	require.NoError(t, err)

	repo := store.NewMemory()
	hub := realtime.NewHub(kanban.Domain{}, realtime.WithHubLogger(logger))
	zero := func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	auth := authority.New(repo, kanban.Domain{},
		authority.WithBroadcaster(hub), authority.WithLogger(logger), authority.WithBackOff(zero))
	coord := coordinator.New(repo, kanban.Domain{},
		coordinator.WithBroadcaster(hub), coordinator.WithLogger(logger), coordinator.WithBackOff(zero))

	srv := NewServer(Deps{
		Authority:   auth,
		Coordinator: coord,
		Realtime:    realtime.NewHandler(auth, hub, keys, logger),
		Keys:        keys,
		Validator:   schema.MustNew(),
		Logger:      logger,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return &stack{server: ts, keys: keys, hub: hub, auth: auth}
}

func (s *stack) client(t *testing.T, actor string) *Client {
	t.Helper()
	tok, err := s.keys.Issue(actor)
	require.NoError(t, err)
	return NewClient(s.server.URL, tok)
}

func (s *stack) raw(t *testing.T, actor, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if actor != "" {
		tok, err := s.keys.Issue(actor)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestServer_Healthz(t *testing.T) {
	s := newStack(t)
	resp, body := s.raw(t, "", http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestServer_RequiresToken(t *testing.T) {
	s := newStack(t)
	resp, body := s.raw(t, "", http.MethodGet, "/v1/entities/b1", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var eb ErrorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	assert.Equal(t, protocol.CodeUnauthorized, eb.Code)
}

func TestServer_CreateSyncAudit(t *testing.T) {
	s := newStack(t)

	resp, body := s.raw(t, "alice", http.MethodPost, "/v1/entities", `{"entityId":"b1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created protocol.EntitySnapshot
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "b1", created.EntityID)
	assert.Equal(t, protocol.Version(0), created.Version)

	resp, _ = s.raw(t, "alice", http.MethodPost, "/v1/entities", `{"entityId":"b1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.raw(t, "alice", http.MethodGet, "/v1/entities/b1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = s.raw(t, "mallory", http.MethodGet, "/v1/entities/b1", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.raw(t, "mallory", http.MethodGet, "/v1/entities/b1/audit", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.raw(t, "alice", http.MethodGet, "/v1/entities/ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = s.raw(t, "alice", http.MethodGet, "/v1/entities/b1/audit", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_CreateGeneratesID(t *testing.T) {
	s := newStack(t)
	resp, body := s.raw(t, "alice", http.MethodPost, "/v1/entities", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created protocol.EntitySnapshot
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Len(t, created.EntityID, 36)
}

func TestServer_DispatchStatusCodes(t *testing.T) {
	s := newStack(t)
	s.raw(t, "alice", http.MethodPost, "/v1/entities", `{"entityId":"b1"}`)

	tests := []struct {
		name   string
		body   string
		status int
		reply  string
		code   protocol.Code
	}{
		{"accepted", `{"entityId":"b1","baseVersion":0,"action":{"type":"AddColumn","col":"todo","limit":1}}`,
			http.StatusOK, protocol.StatusAccepted, ""},
		{"conflict", `{"entityId":"b1","baseVersion":0,"action":{"type":"NoOp"}}`,
			http.StatusOK, protocol.StatusConflict, ""},
		{"domain invalid", `{"entityId":"b1","baseVersion":1,"action":{"type":"AddColumn","col":"todo","limit":1}}`,
			http.StatusOK, protocol.StatusRejected, protocol.CodeDomainInvalid},
		{"schema invalid", `{"entityId":"b1","baseVersion":1,"action":{"type":"Explode"}}`,
			http.StatusOK, protocol.StatusRejected, protocol.CodeDomainInvalid},
		{"future base", `{"entityId":"b1","baseVersion":7,"action":{"type":"NoOp"}}`,
			http.StatusBadRequest, protocol.StatusRejected, protocol.CodeFutureBaseVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.raw(t, "alice", http.MethodPost, "/v1/dispatch", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)

			var env protocol.ReplyEnvelope
			require.NoError(t, json.Unmarshal(body, &env))
			assert.Equal(t, tt.reply, env.Status)
			assert.Equal(t, tt.code, env.Code)
		})
	}
}

func TestServer_DispatchUnauthorizedIsReply(t *testing.T) {
	s := newStack(t)
	s.raw(t, "alice", http.MethodPost, "/v1/entities", `{"entityId":"b1"}`)

	resp, body := s.raw(t, "mallory", http.MethodPost, "/v1/dispatch",
		`{"entityId":"b1","baseVersion":0,"action":{"type":"NoOp"}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env protocol.ReplyEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, protocol.StatusRejected, env.Status)
	assert.Equal(t, protocol.CodeUnauthorized, env.Code)
}

func TestServer_MalformedBodies(t *testing.T) {
	s := newStack(t)

	for _, body := range []string{`{`, `{"entityId":"b1","bogus":1}`, `{"baseVersion":0}`} {
		resp, _ := s.raw(t, "alice", http.MethodPost, "/v1/dispatch", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	resp, _ := s.raw(t, "alice", http.MethodPost, "/v1/dispatch",
		`{"entityId":"ghost","baseVersion":0,"action":{"type":"NoOp"}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_MultiDispatch(t *testing.T) {
	s := newStack(t)
	c := s.client(t, "alice")
	ctx := context.Background()

	_, err := c.Create(ctx, "src")
	require.NoError(t, err)
	_, err = c.Create(ctx, "dst")
	require.NoError(t, err)
	for _, step := range []struct {
		id     string
		base   protocol.Version
		action kanban.Action
	}{
		{"src", 0, kanban.AddColumn{Col: "todo", Limit: 3}},
		{"src", 1, kanban.AddCard{Col: "todo", Title: "ship"}},
		{"dst", 0, kanban.AddColumn{Col: "done", Limit: 3}},
	} {
		reply, err := c.Dispatch(ctx, protocol.DispatchRequest{
			EntityID: step.id, BaseVersion: step.base, Action: kanban.MustEncodeAction(step.action),
		})
		require.NoError(t, err)
		require.IsType(t, protocol.Accepted{}, reply)
	}

	reply, err := c.MultiDispatch(ctx, protocol.MultiDispatchRequest{
		Action:       kanban.MustEncodeMultiAction(kanban.MoveCardTo{Src: "src", Dst: "dst", Card: 1, ToCol: "done"}),
		BaseVersions: map[string]protocol.Version{"src": 2, "dst": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusAccepted, reply.Status)
	assert.Equal(t, []string{"dst", "src"}, reply.Changed)

	reply, err = c.MultiDispatch(ctx, protocol.MultiDispatchRequest{
		Action: []byte(`{"type":"MoveCardTo","src":"src"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusRejected, reply.Status)
	assert.Equal(t, protocol.CodeDomainInvalid, reply.Code)
}

func TestServer_DeleteOwnerOnly(t *testing.T) {
	s := newStack(t)
	s.raw(t, "alice", http.MethodPost, "/v1/entities", `{"entityId":"b1"}`)

	resp, _ := s.raw(t, "mallory", http.MethodDelete, "/v1/entities/b1", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = s.raw(t, "alice", http.MethodDelete, "/v1/entities/b1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = s.raw(t, "alice", http.MethodGet, "/v1/entities/b1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
