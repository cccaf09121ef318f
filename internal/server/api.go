// ABOUTME: HTTP handlers for the session API, admin actions and gateway webhooks
// ABOUTME: Maps package sentinel errors onto status codes with {"error": ...} bodies

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/pairwatch/internal/auth"
	"github.com/2389/pairwatch/internal/evolution"
	"github.com/2389/pairwatch/internal/fanout"
	"github.com/2389/pairwatch/internal/pairing"
	"github.com/2389/pairwatch/internal/recovery"
	"github.com/2389/pairwatch/internal/statussync"
	"github.com/2389/pairwatch/internal/store"
	"github.com/2389/pairwatch/internal/sweep"
)

// maxWebhookBody caps gateway push bodies.
const maxWebhookBody = 1 << 20

// SessionResponse is the API view of a session. The webhook secret never leaves the server.
type SessionResponse struct {
	ID                  string  `json:"id"`
	TenantID            string  `json:"tenant_id"`
	GatewayName         string  `json:"gateway_name"`
	Shared              bool    `json:"shared"`
	OwnerUserID         *string `json:"owner_user_id,omitempty"`
	DisplayName         *string `json:"display_name,omitempty"`
	PhoneNumber         *string `json:"phone_number,omitempty"`
	Status              string  `json:"status"`
	PairingImage        *string `json:"pairing_image,omitempty"`
	PairingExpiresAt    string  `json:"pairing_expires_at,omitempty"`
	RegenerateRequested bool    `json:"regenerate_requested"`
	CreatedAt           string  `json:"created_at"`
	ConnectedAt         string  `json:"connected_at,omitempty"`
	UpdatedAt           string  `json:"updated_at"`
	Version             int64   `json:"version"`
}

// ListSessionsResponse is the response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// ConnectRequest is the body of POST /api/sessions.
type ConnectRequest struct {
	Shared      bool   `json:"shared"`
	DisplayName string `json:"display_name"`
}

// PartialCreateResponse is returned when a session was saved but its pairing could not be issued.
type PartialCreateResponse struct {
	Error   string          `json:"error"`
	Step    string          `json:"step"`
	Session SessionResponse `json:"session"`
}

// RefreshStatusResponse is the response for POST /api/sessions/{id}/refresh.
type RefreshStatusResponse struct {
	Session SessionResponse `json:"session"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Changed bool            `json:"changed"`
}

// TransitionResponse is one status history entry.
type TransitionResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Source    string `json:"source"`
	ChangedAt string `json:"changed_at"`
}

// WebhookEventResponse is one gateway push log entry.
type WebhookEventResponse struct {
	ID                  string  `json:"id"`
	GatewayName         string  `json:"gateway_name"`
	TenantID            *string `json:"tenant_id,omitempty"`
	EventType           string  `json:"event_type"`
	Status              string  `json:"status"`
	ErrorMessage        *string `json:"error_message,omitempty"`
	ObservedPhone       *string `json:"observed_phone,omitempty"`
	ContentPreview      *string `json:"content_preview,omitempty"`
	ProcessingLatencyMs *int64  `json:"processing_latency_ms,omitempty"`
	ReceivedAt          string  `json:"received_at"`
}

// AlertConfigRequest is the body of PUT /api/admin/alert-config.
type AlertConfigRequest struct {
	NotifyPhoneNumber   string `json:"notify_phone_number"`
	DispatchSessionName string `json:"dispatch_session_name"`
	Enabled             bool   `json:"enabled"`
}

// AlertConfigResponse is the stored alert routing.
type AlertConfigResponse struct {
	NotifyPhoneNumber   string `json:"notify_phone_number"`
	DispatchSessionName string `json:"dispatch_session_name"`
	Enabled             bool   `json:"enabled"`
	UpdatedAt           string `json:"updated_at,omitempty"`
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toSessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:                  s.ID,
		TenantID:            s.TenantID,
		GatewayName:         s.GatewayName,
		Shared:              s.IsShared(),
		OwnerUserID:         s.OwnerUserID,
		DisplayName:         s.DisplayName,
		PhoneNumber:         s.PhoneNumber,
		Status:              string(s.Status),
		PairingImage:        s.PairingImage,
		PairingExpiresAt:    formatOptionalTime(s.PairingExpiresAt),
		RegenerateRequested: s.RegenerateRequested,
		CreatedAt:           s.CreatedAt.UTC().Format(time.RFC3339),
		ConnectedAt:         formatOptionalTime(s.ConnectedAt),
		UpdatedAt:           s.UpdatedAt.UTC().Format(time.RFC3339),
		Version:             s.Version,
	}
}

// actorFromRequest builds the pairing actor from the authenticated caller.
func actorFromRequest(r *http.Request) (pairing.Actor, bool) {
	a := auth.FromContext(r.Context())
	if a == nil {
		return pairing.Actor{}, false
	}
	return pairing.Actor{TenantID: a.TenantID, UserID: a.UserID, Operator: a.IsOperator()}, true
}

// sendJSON writes v as a JSON response with the given status.
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

// statusForError maps package errors onto HTTP status codes.
func statusForError(err error) int {
	var apiErr *evolution.APIError
	var platformErr *recovery.PlatformError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pairing.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, pairing.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pairing.ErrNotConnecting),
		errors.Is(err, store.ErrDuplicateSession),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, sweep.ErrSweepInProgress):
		return http.StatusConflict
	case errors.Is(err, evolution.ErrNotConfigured),
		errors.Is(err, recovery.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr),
		errors.As(err, &platformErr),
		errors.Is(err, evolution.ErrUnrecognizedResponse):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// sendError writes err with its mapped status. Internal errors are logged and
// reported generically; everything else carries its own message, which for
// gateway errors is the gateway's wording.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sendJSONError(w, status, "internal server error")
		return
	}

	msg := err.Error()
	var apiErr *evolution.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		msg = apiErr.Message
	}
	s.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	sendJSONError(w, status, msg)
}

// parseLimit reads the optional "limit" query parameter.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

// handleListSessions handles GET /api/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sessions, err := s.deps.Sessions.ListSessions(r.Context(), actor)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	resp := ListSessionsResponse{Sessions: make([]SessionResponse, len(sessions))}
	for i, sess := range sessions {
		resp.Sessions[i] = toSessionResponse(sess)
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleConnect handles POST /api/sessions.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := s.deps.Sessions.Connect(r.Context(), pairing.ConnectRequest{
		TenantID:    actor.TenantID,
		UserID:      actor.UserID,
		Shared:      req.Shared,
		DisplayName: req.DisplayName,
	})

	var partial *pairing.PartialCreateError
	if errors.As(err, &partial) {
		s.logger.Warn("session created without pairing", "session_id", partial.Session.ID, "step", partial.Step, "error", partial.Err)
		sendJSON(w, http.StatusBadGateway, PartialCreateResponse{
			Error:   partial.Err.Error(),
			Step:    partial.Step,
			Session: toSessionResponse(pairing.PairingView(partial.Session, time.Now())),
		})
		return
	}
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	sendJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// handleGetSession handles GET /api/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sess, err := s.deps.Sessions.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleSelectSession handles GET /api/sessions/select?session_id=.
// Without session_id the tenant's first visible session is selected.
func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sess, err := s.deps.Sessions.ResolveSession(r.Context(), actor, r.URL.Query().Get("session_id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	if err := s.deps.Sessions.Delete(r.Context(), actor, r.PathValue("id")); err != nil {
		s.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRefreshPairing handles POST /api/sessions/{id}/pairing.
func (s *Server) handleRefreshPairing(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sess, err := s.deps.Sessions.RefreshPairing(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleRefreshStatus handles POST /api/sessions/{id}/refresh: one gateway
// status query applied to the session.
func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sess, err := s.deps.Sessions.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	out, err := s.deps.Sync.PollSession(r.Context(), sess, store.SourcePoll)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	// re-read through the controller so an expired image stays hidden
	current, err := s.deps.Sessions.Get(r.Context(), actor, sess.ID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, RefreshStatusResponse{
		Session: toSessionResponse(current),
		From:    string(out.From),
		To:      string(out.To),
		Changed: out.Changed,
	})
}

// handleDisconnect handles POST /api/sessions/{id}/disconnect.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	sess, err := s.deps.Sessions.Disconnect(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleTransitions handles GET /api/sessions/{id}/transitions.
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := s.deps.Sessions.History(r.Context(), actor, r.PathValue("id"), limit)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	resp := make([]TransitionResponse, len(history))
	for i, t := range history {
		resp[i] = TransitionResponse{
			ID:        t.ID,
			SessionID: t.SessionID,
			From:      string(t.FromStatus),
			To:        string(t.ToStatus),
			Source:    string(t.Source),
			ChangedAt: t.ChangedAt.UTC().Format(time.RFC3339),
		}
	}
	sendJSON(w, http.StatusOK, map[string]any{"transitions": resp})
}

// handleWebhookEvents handles GET /api/webhook-events. Operators see every
// tenant's pushes, including unmatched ones.
func (s *Server) handleWebhookEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	tenant := actor.TenantID
	if actor.Operator {
		tenant = ""
	}
	events, err := s.deps.Store.ListWebhookEvents(r.Context(), tenant, limit)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	resp := make([]WebhookEventResponse, len(events))
	for i, e := range events {
		resp[i] = WebhookEventResponse{
			ID:                  e.ID,
			GatewayName:         e.GatewayName,
			TenantID:            e.TenantID,
			EventType:           e.EventType,
			Status:              e.Status,
			ErrorMessage:        e.ErrorMessage,
			ObservedPhone:       e.ObservedPhone,
			ContentPreview:      e.ContentPreview,
			ProcessingLatencyMs: e.ProcessingLatencyMs,
			ReceivedAt:          e.ReceivedAt.UTC().Format(time.RFC3339),
		}
	}
	sendJSON(w, http.StatusOK, map[string]any{"events": resp})
}

// handleSweep handles POST /api/admin/sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		sendJSONError(w, http.StatusServiceUnavailable, "health sweep not available")
		return
	}
	res, err := s.deps.Monitor.Run(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

// handleRestartGateway handles POST /api/admin/restart-gateway.
func (s *Server) handleRestartGateway(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recovery == nil {
		s.sendError(w, r, recovery.ErrNotConfigured)
		return
	}
	res, err := s.deps.Recovery.RestartGateway(r.Context())
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if a := auth.FromContext(r.Context()); a != nil {
		s.logger.Info("gateway restart requested", "user_id", a.UserID, "disconnected", res.Disconnected)
	}
	sendJSON(w, http.StatusOK, res)
}

// handleGetAlertConfig handles GET /api/admin/alert-config.
func (s *Server) handleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.GetAlertConfig(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		sendJSON(w, http.StatusOK, AlertConfigResponse{})
		return
	}
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, AlertConfigResponse{
		NotifyPhoneNumber:   cfg.NotifyPhoneNumber,
		DispatchSessionName: cfg.DispatchSessionName,
		Enabled:             cfg.Enabled,
		UpdatedAt:           cfg.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// handlePutAlertConfig handles PUT /api/admin/alert-config.
func (s *Server) handlePutAlertConfig(w http.ResponseWriter, r *http.Request) {
	var req AlertConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled && (req.NotifyPhoneNumber == "" || req.DispatchSessionName == "") {
		sendJSONError(w, http.StatusBadRequest, "notify_phone_number and dispatch_session_name are required when enabled")
		return
	}

	cfg := &store.AlertChannelConfig{
		NotifyPhoneNumber:   req.NotifyPhoneNumber,
		DispatchSessionName: req.DispatchSessionName,
		Enabled:             req.Enabled,
		UpdatedAt:           time.Now().UTC(),
	}
	if err := s.deps.Store.SaveAlertConfig(r.Context(), cfg); err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, AlertConfigResponse{
		NotifyPhoneNumber:   cfg.NotifyPhoneNumber,
		DispatchSessionName: cfg.DispatchSessionName,
		Enabled:             cfg.Enabled,
		UpdatedAt:           cfg.UpdatedAt.Format(time.RFC3339),
	})
}

// handleGatewayWebhook handles POST /webhooks/gateway/{name}?token=.
// The gateway only cares whether we accepted the push.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "reading body")
		return
	}

	event, err := s.deps.Sync.IngestWebhook(r.Context(), r.PathValue("name"), r.URL.Query().Get("token"), body)
	switch {
	case err == nil:
		sendJSON(w, http.StatusOK, map[string]string{"status": event.Status})
	case errors.Is(err, statussync.ErrInvalidWebhookToken):
		sendJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, evolution.ErrUnrecognizedResponse):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.sendError(w, r, err)
	}
}

// handleWebsocket handles GET /ws. With ?watch=<session_id> the server also
// polls that session for as long as the observer stays connected.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFromRequest(r)
	if !ok {
		sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	watchID := r.URL.Query().Get("watch")
	if watchID != "" {
		if _, err := s.deps.Sessions.Get(r.Context(), actor, watchID); err != nil {
			s.sendError(w, r, err)
			return
		}
	}

	client, err := s.deps.Hub.ServeWS(w, r, fanout.Observer{
		TenantID: actor.TenantID,
		UserID:   actor.UserID,
		Operator: actor.Operator,
	})
	if err != nil {
		// the upgrader has already written the HTTP error
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if watchID != "" {
		s.startWatch(client.Done(), watchID)
	}
}

// startWatch polls sessionID until done closes, the server shuts down or the
// session stops being live. Committed changes reach observers through the
// notifying store.
func (s *Server) startWatch(done <-chan struct{}, sessionID string) {
	ctx, cancel := context.WithCancel(s.watchCtx)

	s.watches.Add(1)
	go func() {
		defer s.watches.Done()
		defer cancel()

		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()

		err := s.deps.Sync.Watch(ctx, sessionID, nil)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("session watch ended", "session_id", sessionID, "error", err)
		}
	}()
}
