// ABOUTME: Alert dispatcher: routes disconnect alerts through a designated session
// ABOUTME: Reads the alert channel singleton on every call; failures are returned, never retried

package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/pairwatch/internal/store"
)

// ErrDispatchUnavailable is returned when the configured dispatch session is
// missing or not connected.
var ErrDispatchUnavailable = errors.New("alert dispatch session unavailable")

// Event describes one detected disconnect.
type Event struct {
	TenantID    string
	SessionID   string
	GatewayName string
	DisplayName string
	From        store.Status
	To          store.Status
	DetectedAt  time.Time
}

// Sender is the outbound text path of a gateway session.
type Sender interface {
	SendText(ctx context.Context, sessionName, phone, text string) error
}

// Mirror receives a copy of every alert text.
type Mirror interface {
	Mirror(ctx context.Context, text string) error
}

// Dispatcher sends disconnect alerts.
type Dispatcher struct {
	store    store.Store
	sender   Sender
	cooldown *Cooldown
	mirror   Mirror
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. cooldown and mirror may be nil.
func NewDispatcher(st store.Store, sender Sender, cooldown *Cooldown, mirror Mirror, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:    st,
		sender:   sender,
		cooldown: cooldown,
		mirror:   mirror,
		logger:   logger.With("component", "alert"),
	}
}

// Notify delivers an alert for e. It reports whether anything was delivered.
// Disabled or unconfigured alerting, and alerts inside the cooldown window,
// are silent no-ops.
func (d *Dispatcher) Notify(ctx context.Context, e Event) (bool, error) {
	cfg, err := d.store.GetAlertConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading alert config: %w", err)
	}
	if !cfg.Enabled || cfg.DispatchSessionName == "" || cfg.NotifyPhoneNumber == "" {
		d.logger.Debug("alerting disabled, skipping", "session_id", e.SessionID)
		return false, nil
	}

	if d.cooldown != nil && !d.cooldown.Acquire(e.SessionID) {
		d.logger.Debug("alert suppressed by cooldown", "session_id", e.SessionID)
		return false, nil
	}

	text := FormatMessage(e)
	sendErr := d.send(ctx, cfg, text)

	mirrored := false
	if d.mirror != nil {
		if err := d.mirror.Mirror(ctx, text); err != nil {
			d.logger.Warn("alert mirror failed", "session_id", e.SessionID, "error", err)
		} else {
			mirrored = true
		}
	}

	if sendErr != nil && !mirrored {
		if d.cooldown != nil {
			d.cooldown.Release(e.SessionID)
		}
		return false, sendErr
	}
	if sendErr != nil {
		d.logger.Warn("alert only delivered to mirror", "session_id", e.SessionID, "error", sendErr)
	}

	d.logger.Info("disconnect alert sent",
		"tenant_id", e.TenantID,
		"session_id", e.SessionID,
		"gateway_name", e.GatewayName)
	return true, nil
}

func (d *Dispatcher) send(ctx context.Context, cfg *store.AlertChannelConfig, text string) error {
	dispatch, err := d.store.GetSessionByGatewayName(ctx, cfg.DispatchSessionName)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s does not exist", ErrDispatchUnavailable, cfg.DispatchSessionName)
	}
	if err != nil {
		return fmt.Errorf("loading dispatch session: %w", err)
	}
	if dispatch.Status != store.StatusConnected {
		return fmt.Errorf("%w: %s is %s", ErrDispatchUnavailable, cfg.DispatchSessionName, dispatch.Status)
	}

	if err := d.sender.SendText(ctx, dispatch.GatewayName, cfg.NotifyPhoneNumber, text); err != nil {
		return fmt.Errorf("sending alert: %w", err)
	}
	return nil
}

// FormatMessage renders the alert text for e.
func FormatMessage(e Event) string {
	var b strings.Builder
	b.WriteString("Session disconnected: ")
	if e.DisplayName != "" {
		fmt.Fprintf(&b, "%s (%s)", e.DisplayName, e.GatewayName)
	} else {
		b.WriteString(e.GatewayName)
	}
	fmt.Fprintf(&b, "\nTenant: %s\nWas: %s", e.TenantID, e.From)
	if !e.DetectedAt.IsZero() {
		fmt.Fprintf(&b, "\nAt: %s", e.DetectedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}
