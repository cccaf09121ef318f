// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on duplicate detection, CAS conflicts and copy isolation

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CreateSession_Duplicate(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()

	require.NoError(t, m.CreateSession(ctx, &Session{TenantID: "a", GatewayName: "g", Status: StatusConnecting}))
	err := m.CreateSession(ctx, &Session{TenantID: "b", GatewayName: "g", Status: StatusConnecting})
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()

	sess := &Session{TenantID: "a", GatewayName: "g", Status: StatusConnecting, DisplayName: strPtr("one")}
	require.NoError(t, m.CreateSession(ctx, sess))

	*sess.DisplayName = "mutated"

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", *got.DisplayName)
}

func TestMockStore_UpdateSession_Conflict(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()

	sess := &Session{TenantID: "a", GatewayName: "g", Status: StatusConnecting}
	require.NoError(t, m.CreateSession(ctx, sess))

	m.UpdateHook = func(cur *Session) {
		cur.SetStatus(StatusConnected, time.Now())
		cur.Version++
	}

	sess.SetStatus(StatusDisconnected, time.Now())
	err := m.UpdateSession(ctx, sess)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, got.Status)
	assert.Equal(t, int64(2), got.Version)

	// the hook fires once; a fresh read now commits
	got.SetStatus(StatusDisconnected, time.Now())
	require.NoError(t, m.UpdateSession(ctx, got))
	assert.Equal(t, int64(3), got.Version)
}

func TestMockStore_UpdateSession_KeepsIdentity(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()

	sess := &Session{TenantID: "a", GatewayName: "g", Status: StatusConnecting}
	require.NoError(t, m.CreateSession(ctx, sess))

	sess.TenantID = "b"
	require.NoError(t, m.UpdateSession(ctx, sess))

	got, err := m.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.TenantID)
}

func TestMockStore_DeleteSession_FreesName(t *testing.T) {
	m := NewMockStore()
	ctx := t.Context()

	sess := &Session{TenantID: "a", GatewayName: "g", Status: StatusDisconnected}
	require.NoError(t, m.CreateSession(ctx, sess))
	require.NoError(t, m.DeleteSession(ctx, sess.ID))
	assert.ErrorIs(t, m.DeleteSession(ctx, sess.ID), ErrNotFound)

	require.NoError(t, m.CreateSession(ctx, &Session{TenantID: "a", GatewayName: "g", Status: StatusDisconnected}))
	list, err := m.ListAllSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSession_SetStatus_ConnectedAtInvariant(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := &Session{Status: StatusConnecting}

	s.SetStatus(StatusConnected, now)
	require.NotNil(t, s.ConnectedAt)
	assert.Equal(t, now, *s.ConnectedAt)

	// staying connected keeps the original stamp
	s.SetStatus(StatusConnected, now.Add(time.Hour))
	assert.Equal(t, now, *s.ConnectedAt)

	s.SetStatus(StatusDisconnected, now)
	assert.Nil(t, s.ConnectedAt)

	s.SetStatus(StatusConnecting, now)
	assert.Nil(t, s.ConnectedAt)
}

func TestSession_VisibleTo(t *testing.T) {
	shared := &Session{}
	owned := &Session{OwnerUserID: strPtr("u1")}

	assert.True(t, shared.IsShared())
	assert.True(t, shared.VisibleTo("anyone"))
	assert.True(t, owned.VisibleTo("u1"))
	assert.False(t, owned.VisibleTo("u2"))
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 7, normalizeLimit(7))
	assert.Equal(t, 1000, normalizeLimit(5000))
}
