package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/roach88/lockstep/internal/authority"
	"github.com/roach88/lockstep/internal/coordinator"
	"github.com/roach88/lockstep/internal/identity"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/realtime"
	"github.com/roach88/lockstep/internal/store"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Validator checks action payloads before they reach the domain.
// schema.Validator satisfies it.
type Validator interface {
	ValidateAction(action protocol.Action) error
	ValidateMultiAction(action protocol.Action) error
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Authority   *authority.Authority
	Coordinator *coordinator.Coordinator
	Realtime    *realtime.Handler
	Keys        *identity.Keys
	// Validator is optional.
	Validator Validator
	Logger    *slog.Logger
}

// Server is the lockstep HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *mux.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger, router: mux.NewRouter()}

	s.router.Use(s.logRequests)
	s.router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Methods(http.MethodPost).Path("/entities").HandlerFunc(s.authed(s.createEntity))
	v1.Methods(http.MethodGet).Path("/entities/{id}").HandlerFunc(s.authed(s.syncEntity))
	v1.Methods(http.MethodDelete).Path("/entities/{id}").HandlerFunc(s.authed(s.deleteEntity))
	v1.Methods(http.MethodGet).Path("/entities/{id}/audit").HandlerFunc(s.authed(s.auditEntity))
	v1.Methods(http.MethodPost).Path("/dispatch").HandlerFunc(s.authed(s.dispatch))
	v1.Methods(http.MethodPost).Path("/multi-dispatch").HandlerFunc(s.authed(s.multiDispatch))
	if deps.Realtime != nil {
		// The realtime handler authenticates itself so browsers can pass the
		// token as a query parameter.
		v1.Methods(http.MethodGet).Path("/entities/{id}/realtime").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deps.Realtime.Serve(w, r, mux.Vars(r)["id"])
		})
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info("handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"duration", m.Duration,
			"bytes", m.Written,
		)
	})
}

type actorKey struct{}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.deps.Keys.Verify(identity.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

type createRequest struct {
	EntityID string `json:"entityId,omitempty"`
}

func (s *Server) createEntity(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	if req.EntityID == "" {
		req.EntityID = uuid.NewString()
	}

	snap, err := s.deps.Authority.Create(r.Context(), req.EntityID, actorFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.EntitySnapshot{EntityID: req.EntityID, Version: snap.Version, State: snap.State})
}

func (s *Server) syncEntity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := s.deps.Authority.Sync(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.EntitySnapshot{EntityID: id, Version: snap.Version, State: snap.State})
}

func (s *Server) deleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Authority.Delete(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context())); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) auditEntity(w http.ResponseWriter, r *http.Request) {
	log, err := s.deps.Authority.Audit(r.Context(), mux.Vars(r)["id"], actorFrom(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.DispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.EntityID == "" || len(req.Action) == 0 {
		writeError(w, http.StatusBadRequest, protocol.Errorf(protocol.CodeDomainInvalid, "entityId and action are required"))
		return
	}

	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateAction(req.Action); err != nil {
			writeJSON(w, http.StatusOK, protocol.Envelope(protocol.Rejected{
				Code:   protocol.CodeDomainInvalid,
				Reason: protocol.Reason(err),
			}))
			return
		}
	}

	reply, err := s.deps.Authority.Dispatch(r.Context(), authority.Request{
		EntityID:    req.EntityID,
		RequestID:   req.RequestID,
		Actor:       actorFrom(r.Context()),
		BaseVersion: req.BaseVersion,
		Action:      req.Action,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, replyStatus(reply), protocol.Envelope(reply))
}

func (s *Server) multiDispatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Coordinator == nil {
		writeError(w, http.StatusNotImplemented, errors.New("multi-entity dispatch is not enabled"))
		return
	}
	var req protocol.MultiDispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Action) == 0 {
		writeError(w, http.StatusBadRequest, protocol.Errorf(protocol.CodeDomainInvalid, "action is required"))
		return
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateMultiAction(req.Action); err != nil {
			writeJSON(w, http.StatusOK, protocol.MultiReply{
				Status: protocol.StatusRejected,
				Code:   protocol.CodeDomainInvalid,
				Reason: protocol.Reason(err),
			})
			return
		}
	}

	reply, err := s.deps.Coordinator.Dispatch(r.Context(), coordinator.Request{
		RequestID:    req.RequestID,
		Actor:        actorFrom(r.Context()),
		Action:       req.Action,
		BaseVersions: req.BaseVersions,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	status := http.StatusOK
	if reply.Code == protocol.CodeFutureBaseVersion {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, reply)
}

func replyStatus(r protocol.Reply) int {
	if rej, ok := r.(protocol.Rejected); ok && rej.Code == protocol.CodeFutureBaseVersion {
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// ErrorBody is the JSON body of every non-reply error response.
type ErrorBody struct {
	Code  protocol.Code `json:"code,omitempty"`
	Error string        `json:"error"`
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case protocol.IsNotFound(err):
		return http.StatusNotFound
	case protocol.IsUnauthorized(err):
		return http.StatusForbidden
	case protocol.IsDomainInvalid(err):
		return http.StatusBadRequest
	case protocol.IsStorageRace(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorBody{Code: protocol.CodeOf(err), Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, protocol.Errorf(protocol.CodeDomainInvalid, "malformed request: %v", err))
		return false
	}
	return true
}
