// ABOUTME: Keeps stored session status consistent with the gateway's connection state
// ABOUTME: Status writes are compare-and-swap on the session version with bounded retry

package statussync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/pairwatch/internal/evolution"
	"github.com/2389/pairwatch/internal/store"
)

const (
	// maxApplyAttempts bounds re-read-and-retry after a version conflict.
	maxApplyAttempts = 3

	// DefaultWatchInterval is the poll cadence of Watch.
	DefaultWatchInterval = 5 * time.Second
)

// Synchronizer maps gateway observations onto stored sessions.
type Synchronizer struct {
	store    store.Store
	gateway  evolution.Gateway
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithWatchInterval overrides DefaultWatchInterval.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// New creates a Synchronizer. Pass nil logger for default.
func New(st store.Store, gw evolution.Gateway, logger *slog.Logger, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synchronizer{
		store:    st,
		gateway:  gw,
		interval: DefaultWatchInterval,
		now:      time.Now,
		logger:   logger.With("component", "statussync"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MapStatus translates the gateway's state into the platform status for current.
//
// open is connected. A session keeps connecting only while it holds an
// unexpired pairing image or has a regeneration pending, and only if either the
// gateway says it is pairing or the session was already connecting. Everything
// else, unknown states included, is disconnected.
func MapStatus(current *store.Session, gw evolution.GatewayState, now time.Time) store.Status {
	if gw == evolution.GatewayStateOpen {
		return store.StatusConnected
	}

	live := current.PairingValid(now) || current.RegenerateRequested
	if live && (gw == evolution.GatewayStateConnecting || current.Status == store.StatusConnecting) {
		return store.StatusConnecting
	}
	return store.StatusDisconnected
}

// Outcome describes the result of applying one observation.
type Outcome struct {
	Session *store.Session
	From    store.Status
	To      store.Status
	Changed bool
}

// observation is what a poll or webhook learned about a session.
type observation struct {
	state evolution.GatewayState
	phone string
}

// Apply maps observed onto the session and commits the result if it differs
// from the stored status. Identical results write nothing. A version conflict
// re-reads the session and retries, up to maxApplyAttempts.
func (s *Synchronizer) Apply(ctx context.Context, sessionID string, observed evolution.GatewayState, source store.TransitionSource) (Outcome, error) {
	return s.apply(ctx, sessionID, observation{state: observed}, source)
}

func (s *Synchronizer) apply(ctx context.Context, sessionID string, obs observation, source store.TransitionSource) (Outcome, error) {
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		sess, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return Outcome{}, fmt.Errorf("loading session: %w", err)
		}

		now := s.now()
		from := sess.Status
		to := MapStatus(sess, obs.state, now)

		phoneChanged := to == store.StatusConnected && obs.phone != "" &&
			(sess.PhoneNumber == nil || *sess.PhoneNumber != obs.phone)

		if to == from && !phoneChanged {
			return Outcome{Session: sess, From: from, To: to}, nil
		}

		sess.SetStatus(to, now)
		if to == store.StatusConnected {
			sess.ClearPairing()
		}
		if phoneChanged {
			phone := obs.phone
			sess.PhoneNumber = &phone
		}

		err = s.store.UpdateSession(ctx, sess)
		if errors.Is(err, store.ErrVersionConflict) {
			s.logger.Debug("status write lost race, re-reading",
				"session_id", sessionID,
				"attempt", attempt,
				"source", source)
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("updating session status: %w", err)
		}

		if to != from {
			s.recordTransition(ctx, sess, from, to, source)
		}
		return Outcome{Session: sess, From: from, To: to, Changed: to != from}, nil
	}

	return Outcome{}, fmt.Errorf("applying status to session %s: %w", sessionID, store.ErrVersionConflict)
}

// recordTransition appends history for a committed change. The status is
// already committed, so a failure here is logged rather than returned.
func (s *Synchronizer) recordTransition(ctx context.Context, sess *store.Session, from, to store.Status, source store.TransitionSource) {
	t := &store.StatusTransition{
		SessionID:  sess.ID,
		TenantID:   sess.TenantID,
		FromStatus: from,
		ToStatus:   to,
		Source:     source,
		ChangedAt:  s.now().UTC(),
	}
	if err := s.store.AppendTransition(ctx, t); err != nil {
		s.logger.Error("appending status transition", "session_id", sess.ID, "error", err)
		return
	}
	s.logger.Info("session status changed",
		"session_id", sess.ID,
		"tenant_id", sess.TenantID,
		"from", from,
		"to", to,
		"source", source)
}

// Poll queries the gateway once and applies the result.
func (s *Synchronizer) Poll(ctx context.Context, sessionID string) (Outcome, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("loading session: %w", err)
	}
	return s.PollSession(ctx, sess, store.SourcePoll)
}

// PollSession queries the gateway for an already loaded session and applies
// the result under source. Gateway failures leave the session untouched.
func (s *Synchronizer) PollSession(ctx context.Context, sess *store.Session, source store.TransitionSource) (Outcome, error) {
	state, err := s.gateway.QueryStatus(ctx, sess.GatewayName)
	if err != nil {
		return Outcome{}, fmt.Errorf("querying gateway status: %w", err)
	}
	return s.apply(ctx, sess.ID, observation{state: state}, source)
}

// Watch polls the session every interval until ctx is cancelled or the session
// leaves connecting/connected. onChange, if non-nil, is called after each
// committed change. A result that arrives after ctx is done is discarded.
// Returns ctx.Err() on cancellation and nil when the session stops being live.
func (s *Synchronizer) Watch(ctx context.Context, sessionID string, onChange func(Outcome)) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if !watchable(sess.Status) {
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sess, err := s.store.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("watch: loading session", "session_id", sessionID, "error", err)
			continue
		}

		state, err := s.gateway.QueryStatus(ctx, sess.GatewayName)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("watch: querying gateway", "session_id", sessionID, "error", err)
			continue
		}

		out, err := s.apply(ctx, sessionID, observation{state: state}, store.SourcePoll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("watch: applying status", "session_id", sessionID, "error", err)
			continue
		}
		if out.Changed && onChange != nil {
			onChange(out)
		}
		if !watchable(out.To) {
			return nil
		}
	}
}

func watchable(status store.Status) bool {
	return status == store.StatusConnecting || status == store.StatusConnected
}
