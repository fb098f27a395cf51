// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package streamable terminates MCP over streamable HTTP: JSON-RPC request
// handling, server-sent-event streaming with resumable replay, and session
// lifecycle across process restarts.
package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/transport/events"
	"github.com/stacklok/mcp-gateway/pkg/transport/session"
	"github.com/stacklok/mcp-gateway/pkg/transport/ssecommon"
	"github.com/stacklok/mcp-gateway/pkg/transport/types"
)

// SessionIDHeader carries the MCP session id on requests and responses.
const SessionIDHeader = "Mcp-Session-Id"

// LastEventIDHeader carries the resume cursor on reconnects.
const LastEventIDHeader = "Last-Event-Id"

// readHeaderTimeout bounds header reads on the listener.
const readHeaderTimeout = 10 * time.Second

// maxBodySize bounds MCP request bodies.
const maxBodySize = 4 * 1024 * 1024

// Transport is the streamable HTTP transport.
type Transport struct {
	config   types.Config
	engine   types.MCPEngine
	sessions *session.Manager
	persist  *session.PersistentStore
	events   *events.Store
	authMw   types.MiddlewareFunction

	// extraRoutes are mounted outside the authenticated /mcp surface:
	// OAuth endpoints, discovery, and the monitoring API.
	extraRoutes map[string]http.Handler

	server  *http.Server
	healthy atomic.Bool

	requestsServed atomic.Uint64
	eventsStored   atomic.Uint64
}

// NewTransport creates the HTTP transport. authMw guards /mcp; extraRoutes
// are mounted unauthenticated per the endpoint access policy.
func NewTransport(
	cfg types.Config,
	authMw types.MiddlewareFunction,
	persist *session.PersistentStore,
	eventStore *events.Store,
	extraRoutes map[string]http.Handler,
) *Transport {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = types.DefaultRequestTimeout
	}
	return &Transport{
		config:  cfg,
		authMw:  authMw,
		persist: persist,
		events:  eventStore,
		sessions: session.NewManagerWithStorage(session.DefaultTTL,
			func(id string) session.Session { return session.NewStreamableSession(id) },
			session.NewLocalStorage()),
		extraRoutes: extraRoutes,
	}
}

// Mode returns the transport type.
func (*Transport) Mode() types.TransportType {
	return types.TransportTypeStreamableHTTP
}

// Initialize binds the MCP engine and restores persisted sessions into the
// live map before the listener opens: a reconnect may race the first
// post-restart request.
func (t *Transport) Initialize(ctx context.Context, engine types.MCPEngine) error {
	if engine == nil {
		return fmt.Errorf("mcp engine is required")
	}
	t.engine = engine

	if t.persist != nil {
		if _, err := t.persist.RestoreSessions(ctx, t); err != nil {
			return fmt.Errorf("failed to restore sessions: %w", err)
		}
	}
	return nil
}

// RestoreSession re-creates one live session from its persisted descriptor.
func (t *Transport) RestoreSession(_ context.Context, info *session.PersistedSession) error {
	restored := session.NewStreamableSession(info.SessionID)
	if info.UserID != "" {
		restored.SetMetadata("user_id", info.UserID)
	}
	for k, v := range info.Metadata {
		restored.SetMetadata(k, v)
	}
	// Insert into the live map immediately; registration cannot wait for
	// the client's first request.
	return t.sessions.ReplaceSession(restored)
}

// Router assembles the full HTTP surface.
func (t *Transport) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if t.config.DNSRebindingProtection {
		r.Use(t.hostCheckMiddleware)
	}

	for prefix, handler := range t.extraRoutes {
		r.Mount(prefix, handler)
	}

	r.Route("/mcp", func(mcpRouter chi.Router) {
		if t.authMw != nil {
			mcpRouter.Use(t.authMw)
		}
		mcpRouter.Use(chimiddleware.Timeout(t.config.RequestTimeout))
		mcpRouter.Post("/", t.handlePost)
		mcpRouter.Get("/", t.handleGet)
		mcpRouter.Delete("/", t.handleDelete)
	})

	return r
}

// hostCheckMiddleware rejects requests whose Host header is not on the
// allow-list, defending against DNS-rebinding attacks on local servers.
func (t *Transport) hostCheckMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostname := r.Host
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			hostname = h
		}

		allowed := len(t.config.AllowedHosts) == 0 && isLocalHostname(hostname)
		for _, a := range t.config.AllowedHosts {
			if strings.EqualFold(hostname, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			writeError(w, http.StatusForbidden, "host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// errorBody is the JSON error shape of the non-OAuth endpoints.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	var body errorBody
	body.Error.Message = message
	body.Error.Status = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&body)
}

// resolveSession returns the live session for the request, creating one for
// fresh initializations. An unknown id is looked up in persistence before
// rejection, covering restore races.
func (t *Transport) resolveSession(r *http.Request, allowCreate bool) (session.Session, bool, error) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		if !allowCreate {
			return nil, false, fmt.Errorf("missing %s header", SessionIDHeader)
		}
		sessionID = uuid.NewString()
		live := session.NewStreamableSession(sessionID)
		if rc, ok := auth.FromContext(r.Context()); ok {
			live.SetMetadata("user_id", rc.AuthenticatedUserID)
		}
		if err := t.sessions.AddSession(live); err != nil {
			return nil, false, err
		}
		t.persistNew(r, live)
		return live, true, nil
	}

	if live, ok := t.sessions.Get(sessionID); ok {
		return live, false, nil
	}

	if t.persist != nil {
		if info, err := t.persist.GetInfo(r.Context(), sessionID); err == nil && info.Active {
			if err := t.RestoreSession(r.Context(), info); err == nil {
				if live, ok := t.sessions.Get(sessionID); ok {
					return live, false, nil
				}
			}
		}
	}
	return nil, false, fmt.Errorf("unknown session %s", sessionID)
}

// persistNew writes the durable descriptor for a freshly created session.
func (t *Transport) persistNew(r *http.Request, live session.Session) {
	if t.persist == nil {
		return
	}
	userID := ""
	if rc, ok := auth.FromContext(r.Context()); ok {
		userID = rc.AuthenticatedUserID
	}
	cfg := session.TransportConfig{
		Host:                   t.config.Host,
		Port:                   t.config.Port,
		AllowedHosts:           t.config.AllowedHosts,
		DNSRebindingProtection: t.config.DNSRebindingProtection,
	}
	if err := t.persist.PersistSession(r.Context(), live.ID(), cfg, userID, live.GetMetadata()); err != nil {
		logger.Warnw("failed to persist session", "session", live.ID(), "error", err)
	}
}

// handlePost processes one MCP JSON-RPC message.
func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	t.requestsServed.Add(1)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "malformed JSON-RPC message")
		return
	}

	live, created, err := t.resolveSession(r, true)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// Record the inbound message before handling so a crash mid-request
	// still leaves a replayable trace.
	if _, err := t.events.StoreEvent(r.Context(), live.ID(), body); err != nil {
		logger.Warnw("failed to record inbound event", "session", live.ID(), "error", err)
	} else {
		t.eventsStored.Add(1)
	}

	rc, _ := auth.FromContext(r.Context())
	if rc != nil {
		rc.SessionID = live.ID()
	}

	var response any
	err = auth.ExecuteWithAuthContext(r.Context(), rc, func(ctx context.Context) error {
		response = t.engine.HandleMessage(ctx, body)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "request handling failed")
		return
	}

	w.Header().Set(SessionIDHeader, live.ID())
	if created {
		w.Header().Set("Mcp-Session-Created", "true")
	}
	t.touchActivity(r.Context(), live)

	if response == nil {
		// Notification: no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}

	if acceptsSSE(r) {
		t.writeSSEResponse(w, r, live.ID(), payload)
		return
	}

	// The response is logged before it is written so a reconnecting client
	// can replay it.
	if eventID, err := t.events.StoreEvent(r.Context(), live.ID(), payload); err != nil {
		logger.Warnw("failed to record outbound event", "session", live.ID(), "error", err)
	} else {
		t.eventsStored.Add(1)
		w.Header().Set(LastEventIDHeader, eventID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		logger.Debugw("failed to write response", "session", live.ID(), "error", err)
	}
}

func acceptsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// writeSSEResponse streams the response as one SSE frame. The event is
// stored synchronously before the frame is flushed so a reconnect resumes
// exactly where the disconnect occurred.
func (t *Transport) writeSSEResponse(w http.ResponseWriter, r *http.Request, streamID string, payload []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	eventID, err := t.events.StoreEvent(r.Context(), streamID, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	t.eventsStored.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	frame := ssecommon.NewSSEMessage("message", string(payload)).WithEventID(eventID)
	if _, err := fmt.Fprint(w, frame.ToSSEString()); err != nil {
		logger.Debugw("failed to write SSE frame", "session", streamID, "error", err)
		return
	}
	flusher.Flush()
}

// handleGet opens the SSE stream for a session, replaying missed events
// when the client supplies Last-Event-Id.
func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	t.requestsServed.Add(1)

	live, _, err := t.resolveSession(r, false)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionIDHeader, live.ID())
	w.WriteHeader(http.StatusOK)

	if lastEventID := r.Header.Get(LastEventIDHeader); lastEventID != "" {
		_, err := t.events.ReplayEventsAfter(r.Context(), lastEventID, func(eventID string, message json.RawMessage) error {
			frame := ssecommon.NewSSEMessage("message", string(message)).WithEventID(eventID)
			if _, err := fmt.Fprint(w, frame.ToSSEString()); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
		if err != nil {
			logger.Debugw("replay aborted", "session", live.ID(), "error", err)
			return
		}
	}

	t.touchActivity(r.Context(), live)

	// Hold the stream open until the client goes away; the close handler
	// marks the session inactive so restore skips it.
	<-r.Context().Done()
	t.markDisconnected(live.ID())
}

// handleDelete terminates a session explicitly.
func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing "+SessionIDHeader+" header")
		return
	}

	if err := t.sessions.Delete(sessionID); err != nil {
		logger.Debugw("failed to delete live session", "session", sessionID, "error", err)
	}
	if t.persist != nil {
		if err := t.persist.MarkInactive(r.Context(), sessionID); err != nil &&
			!errors.Is(err, session.ErrSessionNotFound) {
			logger.Warnw("failed to mark session inactive", "session", sessionID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *Transport) touchActivity(ctx context.Context, live session.Session) {
	live.Touch()
	if t.persist == nil {
		return
	}
	if err := t.persist.UpdateActivity(ctx, live.ID()); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		logger.Debugw("failed to update session activity", "session", live.ID(), "error", err)
	}
}

// markDisconnected flags the session inactive after a stream drops.
func (t *Transport) markDisconnected(sessionID string) {
	if t.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.persist.MarkInactive(ctx, sessionID); err != nil &&
		!errors.Is(err, session.ErrSessionNotFound) {
		logger.Debugw("failed to mark disconnected session inactive", "session", sessionID, "error", err)
	}
}

// Start serves until the context is cancelled.
func (t *Transport) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.config.Host, t.config.Port)
	t.server = &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           t.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	t.healthy.Store(true)
	logger.Infof("starting streamable HTTP transport on %s", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		t.healthy.Store(false)
		return fmt.Errorf("http transport failed: %w", err)
	case <-ctx.Done():
		return t.Cleanup(context.Background())
	}
}

// Cleanup shuts the server down and marks live sessions inactive.
func (t *Transport) Cleanup(ctx context.Context) error {
	t.healthy.Store(false)

	t.sessions.Range(func(key, _ any) bool {
		if id, ok := key.(string); ok {
			t.markDisconnected(id)
		}
		return true
	})
	t.sessions.Stop()

	if t.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := t.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http transport shutdown failed: %w", err)
		}
	}
	logger.Info("streamable HTTP transport stopped")
	return nil
}

// IsHealthy reports whether the listener is serving.
func (t *Transport) IsHealthy() bool {
	return t.healthy.Load()
}

// Metrics returns a snapshot of the transport counters.
func (t *Transport) Metrics() types.Metrics {
	return types.Metrics{
		ActiveSessions: t.sessions.Count(),
		RequestsServed: t.requestsServed.Load(),
		EventsStored:   t.eventsStored.Load(),
	}
}

// Sessions exposes the live session manager, used by tests and the
// transport manager's metrics aggregation.
func (t *Transport) Sessions() *session.Manager {
	return t.sessions
}

// Compile-time interface compliance check
var _ types.Transport = (*Transport)(nil)
