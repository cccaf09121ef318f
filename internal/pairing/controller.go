// ABOUTME: Pairing controller: connect, refresh pairing image, disconnect, delete
// ABOUTME: Persists the session before pairing so partial failures stay visible

package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/pairwatch/internal/evolution"
	"github.com/2389/pairwatch/internal/store"
)

// DefaultPairingTTL is how long an issued pairing image stays valid.
const DefaultPairingTTL = 60 * time.Second

// maxWriteAttempts bounds re-read-and-retry after a version conflict.
const maxWriteAttempts = 3

var (
	// ErrNotConnecting is returned when a pairing image is requested for a
	// session that is not waiting to be paired.
	ErrNotConnecting = errors.New("session is not connecting")

	// ErrForbidden is returned when the actor may not operate the session.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidRequest is returned for malformed connect requests.
	ErrInvalidRequest = errors.New("invalid request")
)

// PartialCreateError reports a session that was persisted but whose webhook
// registration or pairing image failed. The session stays connecting with a
// regeneration pending; RefreshPairing completes it.
type PartialCreateError struct {
	Session *store.Session
	Step    string
	Err     error
}

func (e *PartialCreateError) Error() string {
	return fmt.Sprintf("session %s created but %s failed: %v", e.Session.GatewayName, e.Step, e.Err)
}

func (e *PartialCreateError) Unwrap() error { return e.Err }

// Actor identifies who is calling. Operators may reach every session.
type Actor struct {
	TenantID string
	UserID   string
	Operator bool
}

// ConnectRequest describes a new session.
type ConnectRequest struct {
	TenantID    string
	UserID      string
	Shared      bool
	DisplayName string
}

// Config holds the controller settings.
type Config struct {
	// PublicURL is the externally reachable base of this service; the gateway
	// posts webhooks to <PublicURL>/webhooks/gateway/<name>.
	PublicURL     string
	WebhookEvents []string
	PairingTTL    time.Duration
	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// Controller drives the pairing state machine.
type Controller struct {
	store         store.Store
	gateway       evolution.Gateway
	publicURL     string
	webhookEvents []string
	ttl           time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// NewController creates a Controller. Pass nil logger for default.
func NewController(st store.Store, gw evolution.Gateway, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PairingTTL <= 0 {
		cfg.PairingTTL = DefaultPairingTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		store:         st,
		gateway:       gw,
		publicURL:     strings.TrimSuffix(cfg.PublicURL, "/"),
		webhookEvents: cfg.WebhookEvents,
		ttl:           cfg.PairingTTL,
		now:           cfg.Now,
		logger:        logger.With("component", "pairing"),
	}
}

// GatewayName derives the gateway-unique session name for a tenant at t:
// "t<tenant-slug>-<unix-millis>".
func GatewayName(tenantID string, t time.Time) string {
	return fmt.Sprintf("t%s-%d", slug(tenantID), t.UnixMilli())
}

// slug keeps lower-case letters and digits, collapsing everything else to a
// single dash, capped at 24 characters.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 24 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// Connect creates a gateway session and issues its first pairing image.
//
// Failures before the record is persisted leave nothing behind. Failures after
// it return a *PartialCreateError carrying the connecting session.
func (c *Controller) Connect(ctx context.Context, req ConnectRequest) (*store.Session, error) {
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if !req.Shared && req.UserID == "" {
		return nil, fmt.Errorf("%w: a personal session needs an owner", ErrInvalidRequest)
	}

	name := GatewayName(req.TenantID, c.now())

	alreadyExists, err := c.gateway.CreateSession(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("creating gateway session: %w", err)
	}

	token, hash, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}

	sess, err := c.persistConnecting(ctx, req, name, hash)
	if err != nil {
		return nil, err
	}

	c.logger.Info("session created",
		"session_id", sess.ID,
		"tenant_id", sess.TenantID,
		"gateway_name", name,
		"shared", sess.IsShared(),
		"gateway_existed", alreadyExists)

	out, err := c.issuePairing(ctx, sess, token, "")
	if err != nil {
		return out, err
	}
	return PairingView(out, c.now()), nil
}

// persistConnecting stores a new connecting record for name, or reuses the
// existing one if the name is already taken by the same tenant.
func (c *Controller) persistConnecting(ctx context.Context, req ConnectRequest, name, secretHash string) (*store.Session, error) {
	sess := &store.Session{
		TenantID:            req.TenantID,
		GatewayName:         name,
		Status:              store.StatusConnecting,
		RegenerateRequested: true,
		WebhookSecretHash:   secretHash,
	}
	if !req.Shared {
		owner := req.UserID
		sess.OwnerUserID = &owner
	}
	if req.DisplayName != "" {
		display := req.DisplayName
		sess.DisplayName = &display
	}

	err := c.store.CreateSession(ctx, sess)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrDuplicateSession) {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	existing, err := c.store.GetSessionByGatewayName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading existing session: %w", err)
	}
	if existing.TenantID != req.TenantID {
		return nil, fmt.Errorf("gateway name %s belongs to another tenant: %w", name, store.ErrDuplicateSession)
	}

	c.logger.Debug("reusing existing session record", "session_id", existing.ID, "gateway_name", name)
	existing.SetStatus(store.StatusConnecting, c.now())
	existing.RegenerateRequested = true
	existing.WebhookSecretHash = secretHash
	if err := c.store.UpdateSession(ctx, existing); err != nil {
		return nil, fmt.Errorf("resetting existing session: %w", err)
	}
	return existing, nil
}

// issuePairing registers the webhook for sess and stores a fresh pairing image.
// A non-empty secretHash replaces the stored one only after the gateway has
// accepted the webhook carrying its token.
func (c *Controller) issuePairing(ctx context.Context, sess *store.Session, token, secretHash string) (*store.Session, error) {
	if err := c.gateway.RegisterWebhook(ctx, sess.GatewayName, c.webhookURL(sess.GatewayName, token), c.webhookEvents); err != nil {
		c.logger.Warn("webhook registration failed", "session_id", sess.ID, "error", err)
		return sess, &PartialCreateError{Session: sess, Step: "webhook registration", Err: err}
	}
	if secretHash != "" {
		if err := c.saveSecretHash(ctx, sess.ID, secretHash); err != nil {
			return sess, &PartialCreateError{Session: sess, Step: "saving webhook secret", Err: err}
		}
	}

	img, err := c.gateway.RequestPairingImage(ctx, sess.GatewayName)
	if err != nil {
		c.logger.Warn("pairing image request failed", "session_id", sess.ID, "error", err)
		return sess, &PartialCreateError{Session: sess, Step: "pairing image", Err: err}
	}

	stored, err := c.storeImage(ctx, sess.ID, img.Image)
	if err != nil {
		return sess, &PartialCreateError{Session: sess, Step: "saving pairing image", Err: err}
	}
	return stored, nil
}

// storeImage writes the pairing image unless the session has meanwhile left
// connecting (a fast push may already have paired it).
func (c *Controller) storeImage(ctx context.Context, sessionID, image string) (*store.Session, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		sess, err := c.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		if sess.Status != store.StatusConnecting {
			return sess, nil
		}

		expires := c.now().Add(c.ttl).UTC()
		img := image
		sess.PairingImage = &img
		sess.PairingExpiresAt = &expires
		sess.RegenerateRequested = false

		err = c.store.UpdateSession(ctx, sess)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving pairing image: %w", err)
		}

		c.logger.Debug("pairing image issued", "session_id", sess.ID, "expires_at", expires)
		return sess, nil
	}
	return nil, fmt.Errorf("saving pairing image: %w", store.ErrVersionConflict)
}

func (c *Controller) saveSecretHash(ctx context.Context, sessionID, hash string) error {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		sess, err := c.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("loading session: %w", err)
		}
		sess.WebhookSecretHash = hash
		err = c.store.UpdateSession(ctx, sess)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("saving webhook secret: %w", err)
		}
		return nil
	}
	return fmt.Errorf("saving webhook secret: %w", store.ErrVersionConflict)
}

func (c *Controller) webhookURL(name, token string) string {
	return c.publicURL + "/webhooks/gateway/" + url.PathEscape(name) + "?token=" + url.QueryEscape(token)
}

// RefreshPairing issues a new pairing image for a connecting session whose
// image is missing, expired or flagged for regeneration. A still valid image
// is returned as is.
//
// A disconnected session that still carries pairing artifacts lapsed before
// it was scanned; its gateway session was never torn down, so it is moved
// back to connecting and re-paired in place.
func (c *Controller) RefreshPairing(ctx context.Context, actor Actor, sessionID string) (*store.Session, error) {
	sess, err := c.load(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case sess.Status == store.StatusConnecting:
		if sess.PairingValid(c.now()) && !sess.RegenerateRequested {
			return PairingView(sess, c.now()), nil
		}
	case lapsed(sess):
	default:
		return nil, ErrNotConnecting
	}

	if sess, err = c.markRegenerating(ctx, sess); err != nil {
		return nil, err
	}

	token, hash, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}

	out, err := c.issuePairing(ctx, sess, token, hash)
	var partial *PartialCreateError
	if errors.As(err, &partial) {
		// the record already existed; the caller only needs the cause
		return nil, fmt.Errorf("refreshing pairing image: %w", partial.Err)
	}
	if err != nil {
		return nil, err
	}
	return PairingView(out, c.now()), nil
}

// lapsed reports a session that dropped to disconnected because its pairing
// image expired unscanned. Explicit disconnects and connects clear the
// pairing artifacts, so only a lapse leaves them behind.
func lapsed(sess *store.Session) bool {
	return sess.Status == store.StatusDisconnected && sess.PairingExpiresAt != nil
}

// markRegenerating flags the session for a new image, reviving a lapsed one
// to connecting. The webhook secret is left alone until the new webhook is
// registered.
func (c *Controller) markRegenerating(ctx context.Context, sess *store.Session) (*store.Session, error) {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if attempt > 1 {
			var err error
			if sess, err = c.store.GetSession(ctx, sess.ID); err != nil {
				return nil, fmt.Errorf("loading session: %w", err)
			}
		}
		from := sess.Status
		switch {
		case from == store.StatusConnecting:
		case lapsed(sess):
			sess.SetStatus(store.StatusConnecting, c.now())
		default:
			return nil, ErrNotConnecting
		}
		sess.RegenerateRequested = true

		err := c.store.UpdateSession(ctx, sess)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("flagging regeneration: %w", err)
		}
		if from != sess.Status {
			c.appendTransition(ctx, sess, from)
			c.logger.Info("lapsed session re-pairing", "session_id", sess.ID, "tenant_id", sess.TenantID)
		}
		return sess, nil
	}
	return nil, fmt.Errorf("flagging regeneration: %w", store.ErrVersionConflict)
}

// Disconnect tears the session down on the gateway and marks it
// disconnected. A session that is already disconnected is left alone unless
// its pairing lapsed, in which case the gateway side is still torn down.
func (c *Controller) Disconnect(ctx context.Context, actor Actor, sessionID string) (*store.Session, error) {
	sess, err := c.load(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.StatusDisconnected && !lapsed(sess) {
		return PairingView(sess, c.now()), nil
	}

	if err := c.gateway.Teardown(ctx, sess.GatewayName); err != nil {
		return nil, fmt.Errorf("tearing down gateway session: %w", err)
	}

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if attempt > 1 {
			if sess, err = c.store.GetSession(ctx, sessionID); err != nil {
				return nil, fmt.Errorf("loading session: %w", err)
			}
		}
		from := sess.Status
		sess.SetStatus(store.StatusDisconnected, c.now())
		sess.ClearPairing()

		err = c.store.UpdateSession(ctx, sess)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving session: %w", err)
		}

		if from != store.StatusDisconnected {
			c.appendTransition(ctx, sess, from)
		}
		c.logger.Info("session disconnected", "session_id", sess.ID, "tenant_id", sess.TenantID)
		return PairingView(sess, c.now()), nil
	}
	return nil, fmt.Errorf("saving session: %w", store.ErrVersionConflict)
}

func (c *Controller) appendTransition(ctx context.Context, sess *store.Session, from store.Status) {
	t := &store.StatusTransition{
		SessionID:  sess.ID,
		TenantID:   sess.TenantID,
		FromStatus: from,
		ToStatus:   sess.Status,
		Source:     store.SourceOperator,
		ChangedAt:  c.now().UTC(),
	}
	if err := c.store.AppendTransition(ctx, t); err != nil {
		c.logger.Error("appending status transition", "session_id", sess.ID, "error", err)
	}
}

// Delete removes the session. Gateway teardown is best effort.
func (c *Controller) Delete(ctx context.Context, actor Actor, sessionID string) error {
	sess, err := c.load(ctx, actor, sessionID)
	if err != nil {
		return err
	}

	if err := c.gateway.Teardown(ctx, sess.GatewayName); err != nil {
		c.logger.Warn("teardown failed, deleting anyway", "session_id", sess.ID, "gateway_name", sess.GatewayName, "error", err)
	}

	if err := c.store.DeleteSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	c.logger.Info("session deleted", "session_id", sess.ID, "tenant_id", sess.TenantID)
	return nil
}

// Get returns one session as the actor may see it.
func (c *Controller) Get(ctx context.Context, actor Actor, sessionID string) (*store.Session, error) {
	sess, err := c.load(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	return PairingView(sess, c.now()), nil
}

// ListSessions returns the tenant's shared sessions plus the actor's own
// personal ones, in creation order.
func (c *Controller) ListSessions(ctx context.Context, actor Actor) ([]*store.Session, error) {
	all, err := c.store.ListSessionsByTenant(ctx, actor.TenantID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	now := c.now()
	out := make([]*store.Session, 0, len(all))
	for _, s := range all {
		if actor.Operator || s.VisibleTo(actor.UserID) {
			out = append(out, PairingView(s, now))
		}
	}
	return out, nil
}

// ResolveSession picks the session an operation targets. An explicit id must
// be reachable by the actor; an empty id selects the first visible session of
// the tenant.
func (c *Controller) ResolveSession(ctx context.Context, actor Actor, sessionID string) (*store.Session, error) {
	if sessionID != "" {
		return c.Get(ctx, actor, sessionID)
	}
	list, err := c.ListSessions(ctx, actor)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[0], nil
}

// History returns the session's status transitions, newest first.
func (c *Controller) History(ctx context.Context, actor Actor, sessionID string, limit int) ([]*store.StatusTransition, error) {
	if _, err := c.load(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	return c.store.ListTransitions(ctx, sessionID, limit)
}

// load fetches the session and checks the actor may reach it. Sessions of
// other tenants are reported as not found.
func (c *Controller) load(ctx context.Context, actor Actor, sessionID string) (*store.Session, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if actor.Operator {
		return sess, nil
	}
	if sess.TenantID != actor.TenantID {
		return nil, store.ErrNotFound
	}
	if !sess.VisibleTo(actor.UserID) {
		return nil, ErrForbidden
	}
	return sess, nil
}

// PairingView returns a copy of sess safe to hand to a consumer: an expired
// pairing image is withheld.
func PairingView(sess *store.Session, now time.Time) *store.Session {
	v := sess.Clone()
	if v.PairingImage != nil && !v.PairingValid(now) {
		v.PairingImage = nil
	}
	v.WebhookSecretHash = ""
	return v
}

// newWebhookSecret returns a random token and its bcrypt hash.
func newWebhookSecret() (token, hash string, err error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating webhook token: %w", err)
	}
	token = hex.EncodeToString(buf)

	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing webhook token: %w", err)
	}
	return token, string(h), nil
}
