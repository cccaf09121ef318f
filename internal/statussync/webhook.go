// ABOUTME: Ingestion of gateway webhook pushes
// ABOUTME: Every push is logged; only connection.update events drive status

package statussync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/pairwatch/internal/evolution"
	"github.com/2389/pairwatch/internal/store"
)

// ErrInvalidWebhookToken is returned when a push carries the wrong session token.
var ErrInvalidWebhookToken = errors.New("invalid webhook token")

// contentPreviewRunes caps the logged message preview.
const contentPreviewRunes = 120

// Webhook event log statuses.
const (
	WebhookApplied   = "applied"
	WebhookUnchanged = "unchanged"
	WebhookIgnored   = "ignored"
	WebhookUnmatched = "unmatched"
	WebhookRejected  = "rejected"
	WebhookInvalid   = "invalid"
	WebhookFailed    = "failed"
)

// IngestWebhook handles one push for the session the gateway calls name.
//
// The push is logged as a WebhookEvent whatever happens. Pushes for unknown
// sessions are logged with no tenant and return store.ErrNotFound. When the
// session carries a webhook secret hash the token must match it.
// connection.update events are applied as SourceWebhook observations; other
// events are only logged.
func (s *Synchronizer) IngestWebhook(ctx context.Context, name, token string, body []byte) (*store.WebhookEvent, error) {
	start := s.now()
	event := &store.WebhookEvent{
		GatewayName: name,
		EventType:   "unknown",
		ReceivedAt:  start.UTC(),
	}

	payload, parseErr := evolution.ParseWebhook(body)
	if payload.Event != "" {
		event.EventType = payload.Event
	}

	sess, err := s.store.GetSessionByGatewayName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		s.finish(ctx, event, WebhookUnmatched, "no session for gateway name", start)
		return event, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	tenantID := sess.TenantID
	event.TenantID = &tenantID

	if sess.WebhookSecretHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(sess.WebhookSecretHash), []byte(token)) != nil {
			s.finish(ctx, event, WebhookRejected, ErrInvalidWebhookToken.Error(), start)
			return event, ErrInvalidWebhookToken
		}
	}

	if parseErr != nil {
		s.finish(ctx, event, WebhookInvalid, parseErr.Error(), start)
		return event, parseErr
	}

	if payload.Phone != "" {
		phone := payload.Phone
		event.ObservedPhone = &phone
	}
	if payload.Text != "" {
		preview := truncateRunes(payload.Text, contentPreviewRunes)
		event.ContentPreview = &preview
	}

	if payload.Event != evolution.EventConnectionUpdate {
		s.finish(ctx, event, WebhookIgnored, "", start)
		return event, nil
	}

	out, applyErr := s.apply(ctx, sess.ID, observation{state: payload.State, phone: payload.Phone}, store.SourceWebhook)
	switch {
	case applyErr != nil:
		s.finish(ctx, event, WebhookFailed, applyErr.Error(), start)
		return event, applyErr
	case out.Changed:
		s.finish(ctx, event, WebhookApplied, "", start)
	default:
		s.finish(ctx, event, WebhookUnchanged, "", start)
	}
	return event, nil
}

// finish stamps the outcome and latency on event and logs it. A failure to
// log is not surfaced to the gateway.
func (s *Synchronizer) finish(ctx context.Context, event *store.WebhookEvent, status, errMsg string, start time.Time) {
	event.Status = status
	if errMsg != "" {
		event.ErrorMessage = &errMsg
	}
	latency := s.now().Sub(start).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	event.ProcessingLatencyMs = &latency

	if err := s.store.SaveWebhookEvent(ctx, event); err != nil {
		s.logger.Error("saving webhook event", "gateway_name", event.GatewayName, "error", err)
	}
	s.logger.Debug("webhook processed",
		"gateway_name", event.GatewayName,
		"event", event.EventType,
		"status", status)
}

// truncateRunes shortens s to at most n runes.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
