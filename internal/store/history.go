// ABOUTME: Append-only status transition history and webhook event log
// ABOUTME: Neither table is ever updated; rows are only inserted and read back

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendTransition appends a status transition.
// Generates ID and ChangedAt if not set.
func (s *SQLiteStore) AppendTransition(ctx context.Context, t *StatusTransition) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.ChangedAt.IsZero() {
		t.ChangedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO status_transitions (id, session_id, tenant_id, from_status, to_status, source, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.SessionID,
		t.TenantID,
		string(t.FromStatus),
		string(t.ToStatus),
		string(t.Source),
		formatTime(t.ChangedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting status transition: %w", err)
	}

	s.logger.Debug("appended status transition",
		"session_id", t.SessionID,
		"from", t.FromStatus,
		"to", t.ToStatus,
		"source", t.Source,
	)
	return nil
}

// ListTransitions returns a session's transitions, newest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, sessionID string, limit int) ([]*StatusTransition, error) {
	query := `
		SELECT id, session_id, tenant_id, from_status, to_status, source, changed_at
		FROM status_transitions
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying status transitions: %w", err)
	}
	defer rows.Close()

	var out []*StatusTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status transition rows: %w", err)
	}
	return out, nil
}

// LatestTransition returns the most recent transition for a session.
// Returns ErrNotFound if the session has no history.
func (s *SQLiteStore) LatestTransition(ctx context.Context, sessionID string) (*StatusTransition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tenant_id, from_status, to_status, source, changed_at
		FROM status_transitions
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, sessionID)

	t, err := scanTransition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTransition(row rowScanner) (*StatusTransition, error) {
	var t StatusTransition
	var from, to, source, changedAt string
	if err := row.Scan(&t.ID, &t.SessionID, &t.TenantID, &from, &to, &source, &changedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning status transition: %w", err)
	}
	t.FromStatus = Status(from)
	t.ToStatus = Status(to)
	t.Source = TransitionSource(source)

	var err error
	if t.ChangedAt, err = parseTime(changedAt); err != nil {
		return nil, fmt.Errorf("parsing changed_at: %w", err)
	}
	return &t, nil
}

// SaveWebhookEvent appends a webhook observation to the log.
func (s *SQLiteStore) SaveWebhookEvent(ctx context.Context, e *WebhookEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	var latency any
	if e.ProcessingLatencyMs != nil {
		latency = *e.ProcessingLatencyMs
	}

	query := `
		INSERT INTO webhook_events (id, gateway_name, tenant_id, event_type, status, error_message,
		                            observed_phone, content_preview, processing_latency_ms, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.GatewayName,
		nullString(e.TenantID),
		e.EventType,
		e.Status,
		nullString(e.ErrorMessage),
		nullString(e.ObservedPhone),
		nullString(e.ContentPreview),
		latency,
		formatTime(e.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting webhook event: %w", err)
	}

	s.logger.Debug("saved webhook event", "gateway_name", e.GatewayName, "event_type", e.EventType)
	return nil
}

// ListWebhookEvents returns logged webhook events, newest first.
// An empty tenantID lists events across all tenants.
func (s *SQLiteStore) ListWebhookEvents(ctx context.Context, tenantID string, limit int) ([]*WebhookEvent, error) {
	query := `
		SELECT id, gateway_name, tenant_id, event_type, status, error_message,
		       observed_phone, content_preview, processing_latency_ms, received_at
		FROM webhook_events
	`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying webhook events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		var e WebhookEvent
		var tenant, errMsg, phone, preview sql.NullString
		var latency sql.NullInt64
		var receivedAt string

		if err := rows.Scan(&e.ID, &e.GatewayName, &tenant, &e.EventType, &e.Status, &errMsg,
			&phone, &preview, &latency, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning webhook event row: %w", err)
		}

		e.TenantID = ptrFromNull(tenant)
		e.ErrorMessage = ptrFromNull(errMsg)
		e.ObservedPhone = ptrFromNull(phone)
		e.ContentPreview = ptrFromNull(preview)
		if latency.Valid {
			v := latency.Int64
			e.ProcessingLatencyMs = &v
		}
		if e.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, fmt.Errorf("parsing received_at: %w", err)
		}
		events = append(events, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhook event rows: %w", err)
	}
	return events, nil
}

// GetAlertConfig returns the alert routing singleton.
// Returns ErrNotFound if no operator has configured it yet.
func (s *SQLiteStore) GetAlertConfig(ctx context.Context) (*AlertChannelConfig, error) {
	var cfg AlertChannelConfig
	var enabled int
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT notify_phone_number, dispatch_session_name, enabled, updated_at
		FROM alert_channel_config WHERE id = 1
	`).Scan(&cfg.NotifyPhoneNumber, &cfg.DispatchSessionName, &enabled, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying alert config: %w", err)
	}

	cfg.Enabled = enabled != 0
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cfg, nil
}

// SaveAlertConfig creates or replaces the alert routing singleton.
func (s *SQLiteStore) SaveAlertConfig(ctx context.Context, cfg *AlertChannelConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alert_channel_config (id, notify_phone_number, dispatch_session_name, enabled, updated_at)
		VALUES (1, ?, ?, ?, ?)
	`, cfg.NotifyPhoneNumber, cfg.DispatchSessionName, boolInt(cfg.Enabled), formatTime(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving alert config: %w", err)
	}

	s.logger.Info("saved alert config", "dispatch_session", cfg.DispatchSessionName, "enabled", cfg.Enabled)
	return nil
}
