// ABOUTME: Change records emitted after committed session writes
// ABOUTME: Notifier is the sink interface every fan-out transport implements

package fanout

import (
	"time"

	"github.com/2389/pairwatch/internal/store"
)

// ChangeKind describes what happened to a session record.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// Change is one committed session write as seen by observers.
type Change struct {
	Kind        ChangeKind   `json:"kind"`
	TenantID    string       `json:"tenant_id"`
	SessionID   string       `json:"session_id"`
	GatewayName string       `json:"gateway_name"`
	Status      store.Status `json:"status"`
	Version     int64        `json:"version"`
	At          time.Time    `json:"at"`

	// OwnerUserID is empty for shared sessions.
	OwnerUserID string `json:"owner_user_id,omitempty"`

	// Origin is the publishing instance, set by the relay to break loops.
	Origin string `json:"origin,omitempty"`
}

// ChangeFromSession builds a Change describing s.
func ChangeFromSession(kind ChangeKind, s *store.Session) Change {
	owner := ""
	if s.OwnerUserID != nil {
		owner = *s.OwnerUserID
	}
	return Change{
		Kind:        kind,
		TenantID:    s.TenantID,
		SessionID:   s.ID,
		GatewayName: s.GatewayName,
		Status:      s.Status,
		Version:     s.Version,
		At:          time.Now().UTC(),
		OwnerUserID: owner,
	}
}

// Observer identifies who is watching a tenant's changes.
type Observer struct {
	TenantID string
	UserID   string
	Operator bool
}

// Sees reports whether o may receive c. Personal sessions reach only their
// owner and operators.
func (o Observer) Sees(c Change) bool {
	if c.TenantID != o.TenantID {
		return false
	}
	return o.Operator || c.OwnerUserID == "" || c.OwnerUserID == o.UserID
}

// Notifier receives committed changes. Publish must not block.
type Notifier interface {
	Publish(c Change)
}

// Multi fans a change out to several notifiers in order.
type Multi []Notifier

// Publish forwards c to every non-nil notifier.
func (m Multi) Publish(c Change) {
	for _, n := range m {
		if n != nil {
			n.Publish(c)
		}
	}
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(c Change)

// Publish calls f(c).
func (f NotifierFunc) Publish(c Change) { f(c) }
