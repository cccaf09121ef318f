// ABOUTME: Store interface and data types for pairwatch persistence
// ABOUTME: Defines Session, StatusTransition, WebhookEvent and AlertChannelConfig records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when a session with the same gateway name already exists
var ErrDuplicateSession = errors.New("session already exists")

// ErrVersionConflict is returned when a compare-and-swap write loses against a newer write
var ErrVersionConflict = errors.New("session version conflict")

// Status is the platform's view of a gateway session connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusConnected:
		return true
	}
	return false
}

// TransitionSource records which writer committed a status change.
type TransitionSource string

const (
	SourcePoll     TransitionSource = "poll"
	SourceWebhook  TransitionSource = "webhook"
	SourceSweep    TransitionSource = "sweep"
	SourceRecovery TransitionSource = "recovery"
	SourceOperator TransitionSource = "operator"
)

// Session is one logical connection between a tenant and the messaging gateway.
type Session struct {
	ID          string
	TenantID    string
	GatewayName string  // unique key known to the gateway
	OwnerUserID *string // nil for sessions shared across the tenant

	DisplayName *string
	PhoneNumber *string

	PairingImage        *string
	PairingExpiresAt    *time.Time
	RegenerateRequested bool

	Status      Status
	CreatedAt   time.Time
	ConnectedAt *time.Time
	UpdatedAt   time.Time

	// Version is the optimistic concurrency token. UpdateSession only commits
	// when the stored version equals this value, then increments it.
	Version int64

	WebhookSecretHash string
}

// IsShared reports whether the session is usable by every member of the tenant.
func (s *Session) IsShared() bool {
	return s.OwnerUserID == nil
}

// VisibleTo reports whether userID may see and operate the session.
func (s *Session) VisibleTo(userID string) bool {
	return s.OwnerUserID == nil || *s.OwnerUserID == userID
}

// SetStatus changes the status and keeps ConnectedAt consistent with it:
// stamped on entry into connected, cleared on any other status.
func (s *Session) SetStatus(status Status, now time.Time) {
	if status == StatusConnected {
		if s.Status != StatusConnected || s.ConnectedAt == nil {
			t := now.UTC()
			s.ConnectedAt = &t
		}
	} else {
		s.ConnectedAt = nil
	}
	s.Status = status
}

// PairingValid reports whether the session holds a pairing image that has not expired.
func (s *Session) PairingValid(now time.Time) bool {
	if s.PairingImage == nil || *s.PairingImage == "" || s.PairingExpiresAt == nil {
		return false
	}
	return !now.After(*s.PairingExpiresAt)
}

// ClearPairing drops the pairing artifacts.
func (s *Session) ClearPairing() {
	s.PairingImage = nil
	s.PairingExpiresAt = nil
	s.RegenerateRequested = false
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.OwnerUserID = cloneString(s.OwnerUserID)
	c.DisplayName = cloneString(s.DisplayName)
	c.PhoneNumber = cloneString(s.PhoneNumber)
	c.PairingImage = cloneString(s.PairingImage)
	c.PairingExpiresAt = cloneTime(s.PairingExpiresAt)
	c.ConnectedAt = cloneTime(s.ConnectedAt)
	return &c
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// StatusTransition is an append-only record of a committed status change.
type StatusTransition struct {
	ID         string
	SessionID  string
	TenantID   string
	FromStatus Status
	ToStatus   Status
	Source     TransitionSource
	ChangedAt  time.Time
}

// WebhookEvent is an observability record of a gateway callback. It never drives state.
type WebhookEvent struct {
	ID                  string
	GatewayName         string
	TenantID            *string // nil when the gateway name could not be resolved
	EventType           string
	Status              string
	ErrorMessage        *string
	ObservedPhone       *string
	ContentPreview      *string
	ProcessingLatencyMs *int64
	ReceivedAt          time.Time
}

// AlertChannelConfig is the deployment-wide alert routing singleton.
type AlertChannelConfig struct {
	NotifyPhoneNumber   string
	DispatchSessionName string
	Enabled             bool
	UpdatedAt           time.Time
}

// Store defines the persistence operations used by the control plane
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByGatewayName(ctx context.Context, name string) (*Session, error)
	ListSessionsByTenant(ctx context.Context, tenantID string) ([]*Session, error)
	ListAllSessions(ctx context.Context) ([]*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error

	// Status history
	AppendTransition(ctx context.Context, t *StatusTransition) error
	ListTransitions(ctx context.Context, sessionID string, limit int) ([]*StatusTransition, error)
	LatestTransition(ctx context.Context, sessionID string) (*StatusTransition, error)

	// Webhook log
	SaveWebhookEvent(ctx context.Context, e *WebhookEvent) error
	ListWebhookEvents(ctx context.Context, tenantID string, limit int) ([]*WebhookEvent, error)

	// Alert routing
	GetAlertConfig(ctx context.Context) (*AlertChannelConfig, error)
	SaveAlertConfig(ctx context.Context, cfg *AlertChannelConfig) error

	// Close releases any resources held by the store
	Close() error
}

// normalizeLimit applies the default (100) and cap (1000) used by list queries.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
