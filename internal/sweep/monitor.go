// ABOUTME: Fleet health monitor: sequential, single-flight sweep over all sessions
// ABOUTME: Counts checks and regressions, dedupes alerts against recent disconnect history

package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/2389/pairwatch/internal/alert"
	"github.com/2389/pairwatch/internal/statussync"
	"github.com/2389/pairwatch/internal/store"
)

// ErrSweepInProgress is returned when Run is called while another run is active.
var ErrSweepInProgress = errors.New("health sweep already in progress")

// historyDepth is how many recent transitions are searched for a prior disconnect.
const historyDepth = 20

// Alerter is notified of each newly disconnected session.
type Alerter interface {
	Notify(ctx context.Context, e alert.Event) (bool, error)
}

// Result summarises one sweep.
type Result struct {
	Checked      int           `json:"checked"`
	Changed      int           `json:"changed"`
	Disconnected int           `json:"disconnected"`
	Failed       int           `json:"failed"`
	Alerted      int           `json:"alerted"`
	Duration     time.Duration `json:"duration_ns"`
}

// Config holds monitor settings.
type Config struct {
	// Interval between scheduled sweeps. Zero means on demand only.
	Interval time.Duration
	// AlertCooldown suppresses an alert when the session already dropped to
	// disconnected within this window. Zero disables suppression.
	AlertCooldown time.Duration
	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// Monitor runs health sweeps.
type Monitor struct {
	store    store.Store
	syncer   *statussync.Synchronizer
	alerter  Alerter
	interval time.Duration
	cooldown time.Duration
	now      func() time.Time
	running  atomic.Bool
	logger   *slog.Logger

	sweeps   metric.Int64Counter
	checked  metric.Int64Counter
	failures metric.Int64Counter
	drops    metric.Int64Counter
}

// NewMonitor creates a Monitor. alerter may be nil. Pass nil logger for default.
func NewMonitor(st store.Store, syncer *statussync.Synchronizer, alerter Alerter, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Monitor{
		store:    st,
		syncer:   syncer,
		alerter:  alerter,
		interval: cfg.Interval,
		cooldown: cfg.AlertCooldown,
		now:      cfg.Now,
		logger:   logger.With("component", "sweep"),
	}

	meter := otel.Meter("github.com/2389/pairwatch/internal/sweep")
	m.sweeps, _ = meter.Int64Counter("pairwatch.sweep.runs", metric.WithDescription("Completed health sweeps"))
	m.checked, _ = meter.Int64Counter("pairwatch.sweep.sessions_checked", metric.WithDescription("Sessions checked by sweeps"))
	m.failures, _ = meter.Int64Counter("pairwatch.sweep.gateway_failures", metric.WithDescription("Gateway status queries that failed during sweeps"))
	m.drops, _ = meter.Int64Counter("pairwatch.sweep.disconnects", metric.WithDescription("Sessions found newly disconnected"))
	return m
}

// Run performs one sweep. Gateway failures for a session are counted and the
// session is left unchanged. Alerts are sent after every session has been
// checked; alert failures are logged and do not affect the result.
func (m *Monitor) Run(ctx context.Context) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, ErrSweepInProgress
	}
	defer m.running.Store(false)

	start := m.now()
	var res Result

	sessions, err := m.store.ListAllSessions(ctx)
	if err != nil {
		return res, fmt.Errorf("listing sessions: %w", err)
	}

	var pending []alert.Event
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			res.Duration = m.now().Sub(start)
			return res, err
		}
		res.Checked++

		lastDrop := m.lastDisconnect(ctx, sess.ID)

		out, err := m.syncer.PollSession(ctx, sess, store.SourceSweep)
		if err != nil {
			res.Failed++
			m.logger.Warn("sweep: session check failed",
				"session_id", sess.ID,
				"gateway_name", sess.GatewayName,
				"error", err)
			continue
		}
		if !out.Changed {
			continue
		}
		res.Changed++

		if out.To != store.StatusDisconnected {
			continue
		}
		res.Disconnected++

		if m.cooldown > 0 && !lastDrop.IsZero() && m.now().Sub(lastDrop) < m.cooldown {
			m.logger.Info("sweep: alert suppressed, session dropped recently",
				"session_id", sess.ID,
				"last_disconnect", lastDrop)
			continue
		}
		pending = append(pending, eventFor(out, m.now()))
	}

	for _, e := range pending {
		if m.alerter == nil {
			break
		}
		sent, err := m.alerter.Notify(ctx, e)
		if err != nil {
			m.logger.Error("sweep: alert failed", "session_id", e.SessionID, "error", err)
			continue
		}
		if sent {
			res.Alerted++
		}
	}

	res.Duration = m.now().Sub(start)
	m.record(ctx, res)
	m.logger.Info("health sweep complete",
		"checked", res.Checked,
		"changed", res.Changed,
		"disconnected", res.Disconnected,
		"failed", res.Failed,
		"alerted", res.Alerted,
		"duration", res.Duration)
	return res, nil
}

// lastDisconnect returns when the session last entered disconnected, or the
// zero time if history has no such transition.
func (m *Monitor) lastDisconnect(ctx context.Context, sessionID string) time.Time {
	history, err := m.store.ListTransitions(ctx, sessionID, historyDepth)
	if err != nil {
		m.logger.Warn("sweep: reading transition history", "session_id", sessionID, "error", err)
		return time.Time{}
	}
	for _, t := range history {
		if t.ToStatus == store.StatusDisconnected {
			return t.ChangedAt
		}
	}
	return time.Time{}
}

func eventFor(out statussync.Outcome, now time.Time) alert.Event {
	e := alert.Event{
		TenantID:    out.Session.TenantID,
		SessionID:   out.Session.ID,
		GatewayName: out.Session.GatewayName,
		From:        out.From,
		To:          out.To,
		DetectedAt:  now.UTC(),
	}
	if out.Session.DisplayName != nil {
		e.DisplayName = *out.Session.DisplayName
	}
	return e
}

func (m *Monitor) record(ctx context.Context, res Result) {
	m.sweeps.Add(ctx, 1)
	m.checked.Add(ctx, int64(res.Checked))
	m.failures.Add(ctx, int64(res.Failed))
	m.drops.Add(ctx, int64(res.Disconnected))
}

// Schedule runs a sweep every interval until ctx is done. With no interval
// configured it returns immediately.
func (m *Monitor) Schedule(ctx context.Context) {
	if m.interval <= 0 {
		m.logger.Info("scheduled sweeps disabled, on-demand only")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("scheduled sweeps started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := m.Run(ctx); err != nil {
			if errors.Is(err, ErrSweepInProgress) {
				m.logger.Debug("skipping scheduled sweep, one is running")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("scheduled sweep failed", "error", err)
		}
	}
}
