// ABOUTME: Recovery trigger: redeploys the gateway service via the platform proxy
// ABOUTME: On success every session is marked disconnected with a recovery transition

package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/pairwatch/internal/store"
)

// DefaultTimeout bounds the redeploy call.
const DefaultTimeout = 30 * time.Second

// maxWriteAttempts bounds re-read-and-retry after a version conflict.
const maxWriteAttempts = 3

// ErrNotConfigured is returned when the proxy URL or service id is missing.
var ErrNotConfigured = errors.New("recovery trigger not configured")

// PlatformError is a non-2xx response from the deployment platform proxy.
type PlatformError struct {
	StatusCode int
	Message    string
}

func (e *PlatformError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("platform returned status %d: %s", e.StatusCode, e.Message)
}

// Config holds the platform proxy settings.
type Config struct {
	ProxyURL  string
	ServiceID string
	Token     string
	Timeout   time.Duration
	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// Result reports what a restart changed.
type Result struct {
	Sessions     int `json:"sessions"`
	Disconnected int `json:"disconnected"`
	Failed       int `json:"failed"`
}

// Trigger restarts the gateway.
type Trigger struct {
	store     store.Store
	proxyURL  string
	serviceID string
	token     string
	client    *http.Client
	now       func() time.Time
	logger    *slog.Logger
}

// NewTrigger creates a Trigger. Pass nil logger for default.
func NewTrigger(st store.Store, cfg Config, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Trigger{
		store:     st,
		proxyURL:  strings.TrimSuffix(cfg.ProxyURL, "/"),
		serviceID: cfg.ServiceID,
		token:     cfg.Token,
		client:    &http.Client{Timeout: cfg.Timeout},
		now:       cfg.Now,
		logger:    logger.With("component", "recovery"),
	}
}

// Configured reports whether RestartGateway can be called.
func (t *Trigger) Configured() bool {
	return t.proxyURL != "" && t.serviceID != ""
}

// RestartGateway asks the platform to redeploy the gateway service. If the
// platform refuses, nothing changes and the error is returned. Otherwise every
// session not already disconnected is marked so; failures to update
// individual sessions are counted, not returned.
func (t *Trigger) RestartGateway(ctx context.Context) (Result, error) {
	if !t.Configured() {
		return Result{}, ErrNotConfigured
	}

	if err := t.redeploy(ctx); err != nil {
		t.logger.Error("gateway redeploy failed", "service_id", t.serviceID, "error", err)
		return Result{}, err
	}
	t.logger.Info("gateway redeploy accepted", "service_id", t.serviceID)

	sessions, err := t.store.ListAllSessions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing sessions after redeploy: %w", err)
	}

	res := Result{Sessions: len(sessions)}
	for _, sess := range sessions {
		changed, err := t.markDisconnected(ctx, sess)
		if err != nil {
			res.Failed++
			t.logger.Warn("marking session disconnected", "session_id", sess.ID, "error", err)
			continue
		}
		if changed {
			res.Disconnected++
		}
	}

	t.logger.Info("sessions reset after redeploy",
		"sessions", res.Sessions,
		"disconnected", res.Disconnected,
		"failed", res.Failed)
	return res, nil
}

func (t *Trigger) redeploy(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/services/%s/redeploy", t.proxyURL, url.PathEscape(t.serviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling platform: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &PlatformError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return nil
}

// markDisconnected flips one session, keeping its pairing artifacts.
func (t *Trigger) markDisconnected(ctx context.Context, sess *store.Session) (bool, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if attempt > 1 {
			fresh, err := t.store.GetSession(ctx, sess.ID)
			if err != nil {
				return false, err
			}
			sess = fresh
		}
		if sess.Status == store.StatusDisconnected {
			return false, nil
		}

		from := sess.Status
		now := t.now()
		sess.SetStatus(store.StatusDisconnected, now)

		err := t.store.UpdateSession(ctx, sess)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}

		if err := t.store.AppendTransition(ctx, &store.StatusTransition{
			SessionID:  sess.ID,
			TenantID:   sess.TenantID,
			FromStatus: from,
			ToStatus:   store.StatusDisconnected,
			Source:     store.SourceRecovery,
			ChangedAt:  now.UTC(),
		}); err != nil {
			t.logger.Error("appending status transition", "session_id", sess.ID, "error", err)
		}
		return true, nil
	}
	return false, store.ErrVersionConflict
}
