// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping its CAS and ordering semantics

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session // keyed by session ID
	order       []string            // session IDs in creation order
	byName      map[string]string   // gateway name -> session ID
	transitions []*StatusTransition
	events      []*WebhookEvent
	alertConfig *AlertChannelConfig

	// UpdateHook, when set, runs once inside the next UpdateSession before the
	// version check, with the lock held and the stored record as its argument.
	// Tests use it to simulate a concurrent writer; it must not call the store.
	UpdateHook func(s *Session)
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		byName:   make(map[string]string),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, sess *Session) error {
	if !sess.Status.Valid() {
		return errors.New("invalid session status")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[sess.GatewayName]; exists {
		return ErrDuplicateSession
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Version = 1

	m.sessions[sess.ID] = sess.Clone()
	m.byName[sess.GatewayName] = sess.ID
	m.order = append(m.order, sess.ID)
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// GetSessionByGatewayName retrieves a session by gateway name.
func (m *MockStore) GetSessionByGatewayName(ctx context.Context, name string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

// ListSessionsByTenant returns the tenant's sessions in creation order.
func (m *MockStore) ListSessionsByTenant(ctx context.Context, tenantID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, id := range m.order {
		if s := m.sessions[id]; s.TenantID == tenantID {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

// ListAllSessions returns all sessions in creation order.
func (m *MockStore) ListAllSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id].Clone())
	}
	return out, nil
}

// UpdateSession commits sess if its version matches the stored one.
func (m *MockStore) UpdateSession(ctx context.Context, sess *Session) error {
	if !sess.Status.Valid() {
		return errors.New("invalid session status")
	}

	m.mu.Lock()
	if hook := m.UpdateHook; hook != nil {
		m.UpdateHook = nil
		if cur, ok := m.sessions[sess.ID]; ok {
			hook(cur)
		}
	}
	defer m.mu.Unlock()

	cur, ok := m.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != sess.Version {
		return ErrVersionConflict
	}

	sess.Version++
	sess.UpdatedAt = time.Now().UTC()

	// identity fields never change after creation
	next := sess.Clone()
	next.TenantID = cur.TenantID
	next.GatewayName = cur.GatewayName
	next.OwnerUserID = cloneString(cur.OwnerUserID)
	next.CreatedAt = cur.CreatedAt
	m.sessions[sess.ID] = next
	return nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.byName, s.GatewayName)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// AppendTransition appends a status transition.
func (m *MockStore) AppendTransition(ctx context.Context, t *StatusTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.ChangedAt.IsZero() {
		t.ChangedAt = time.Now().UTC()
	}
	c := *t
	m.transitions = append(m.transitions, &c)
	return nil
}

// ListTransitions returns a session's transitions, newest first.
func (m *MockStore) ListTransitions(ctx context.Context, sessionID string, limit int) ([]*StatusTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeLimit(limit)
	var out []*StatusTransition
	for i := len(m.transitions) - 1; i >= 0 && len(out) < limit; i-- {
		if t := m.transitions[i]; t.SessionID == sessionID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

// LatestTransition returns the most recent transition for a session.
func (m *MockStore) LatestTransition(ctx context.Context, sessionID string) (*StatusTransition, error) {
	list, _ := m.ListTransitions(ctx, sessionID, 1)
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// SaveWebhookEvent appends a webhook event.
func (m *MockStore) SaveWebhookEvent(ctx context.Context, e *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	c := *e
	m.events = append(m.events, &c)
	return nil
}

// ListWebhookEvents returns webhook events, newest first.
func (m *MockStore) ListWebhookEvents(ctx context.Context, tenantID string, limit int) ([]*WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = normalizeLimit(limit)
	var out []*WebhookEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if tenantID != "" && (e.TenantID == nil || *e.TenantID != tenantID) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// GetAlertConfig returns the alert routing singleton.
func (m *MockStore) GetAlertConfig(ctx context.Context) (*AlertChannelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.alertConfig == nil {
		return nil, ErrNotFound
	}
	c := *m.alertConfig
	return &c, nil
}

// SaveAlertConfig replaces the alert routing singleton.
func (m *MockStore) SaveAlertConfig(ctx context.Context, cfg *AlertChannelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg.UpdatedAt = time.Now().UTC()
	c := *cfg
	m.alertConfig = &c
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
