// ABOUTME: Tests for the pairing controller against MockStore and the gateway fake
// ABOUTME: Covers idempotent connect, partial failures, refresh, disconnect, delete and access

package pairing

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairwatch/internal/evolution"
	"github.com/2389/pairwatch/internal/statussync"
	"github.com/2389/pairwatch/internal/store"
)

const testPublicURL = "https://pw.example"

type harness struct {
	ctrl    *Controller
	store   *store.MockStore
	gateway *evolution.Fake
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMockStore(),
		gateway: evolution.NewFake(),
		now:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	h.ctrl = NewController(h.store, h.gateway, Config{
		PublicURL:     testPublicURL + "/",
		WebhookEvents: []string{"CONNECTION_UPDATE"},
		Now:           func() time.Time { return h.now },
	}, nil)
	return h
}

func (h *harness) seed(t *testing.T, tenant, name string, status store.Status, owner *string) *store.Session {
	t.Helper()
	sess := &store.Session{TenantID: tenant, GatewayName: name, OwnerUserID: owner}
	sess.SetStatus(status, h.now)
	if status == store.StatusConnecting {
		sess.RegenerateRequested = true
	}
	require.NoError(t, h.store.CreateSession(t.Context(), sess))
	return sess
}

func userPtr(s string) *string { return &s }

func TestGatewayName(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	assert.Equal(t, "tclinic-42-1700000000000", GatewayName("Clinic 42!", at))
	assert.Equal(t, "tabc-1700000000000", GatewayName("--ABC--", at))

	long := GatewayName(strings.Repeat("a", 40), at)
	assert.Equal(t, "t"+strings.Repeat("a", 24)+"-1700000000000", long)
}

func TestConnect_GatewayAlreadyExists(t *testing.T) {
	h := newHarness(t)
	name := GatewayName("clinic-1", h.now)
	h.gateway.AddExisting(name)

	sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	require.NoError(t, err)

	assert.Equal(t, name, sess.GatewayName)
	assert.Equal(t, store.StatusConnecting, sess.Status)
	require.NotNil(t, sess.PairingImage)
	assert.NotEmpty(t, *sess.PairingImage)
	require.NotNil(t, sess.PairingExpiresAt)
	assert.Equal(t, h.now.Add(DefaultPairingTTL), *sess.PairingExpiresAt)
	assert.False(t, sess.RegenerateRequested)
	assert.True(t, sess.IsShared())
	assert.Empty(t, sess.WebhookSecretHash, "secret hash never leaves the controller")

	all, err := h.store.ListSessionsByTenant(t.Context(), "clinic-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.NotEmpty(t, all[0].WebhookSecretHash)

	hook := h.gateway.Webhook(name)
	assert.True(t, strings.HasPrefix(hook, testPublicURL+"/webhooks/gateway/"+name+"?token="), hook)
}

func TestConnect_ReusesExistingRecord(t *testing.T) {
	h := newHarness(t)
	name := GatewayName("clinic-1", h.now)
	existing := h.seed(t, "clinic-1", name, store.StatusDisconnected, nil)

	sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, sess.ID)
	assert.Equal(t, store.StatusConnecting, sess.Status)

	all, err := h.store.ListAllSessions(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConnect_NameOwnedByOtherTenant(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "Clinic 1", GatewayName("clinic-1", h.now), store.StatusDisconnected, nil)

	_, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	assert.ErrorIs(t, err, store.ErrDuplicateSession)
}

func TestConnect_PersonalSession(t *testing.T) {
	h := newHarness(t)

	sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", UserID: "u1", DisplayName: "Front desk"})
	require.NoError(t, err)
	require.NotNil(t, sess.OwnerUserID)
	assert.Equal(t, "u1", *sess.OwnerUserID)
	require.NotNil(t, sess.DisplayName)
	assert.Equal(t, "Front desk", *sess.DisplayName)
}

func TestConnect_InvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.Connect(t.Context(), ConnectRequest{Shared: true})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConnect_GatewayCreateFailureLeavesNothing(t *testing.T) {
	h := newHarness(t)
	h.gateway.CreateErr = &evolution.APIError{StatusCode: 500, Message: "boom"}

	_, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	var apiErr *evolution.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "boom", apiErr.Message)

	all, err := h.store.ListAllSessions(t.Context())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestConnect_PartialFailureThenRefresh(t *testing.T) {
	tests := []struct {
		name   string
		inject func(f *evolution.Fake, err error)
		step   string
	}{
		{"webhook", func(f *evolution.Fake, err error) { f.WebhookErr = err }, "webhook registration"},
		{"pairing image", func(f *evolution.Fake, err error) { f.PairingErr = err }, "pairing image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.inject(h.gateway, errors.New("gateway down"))

			sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
			var partial *PartialCreateError
			require.ErrorAs(t, err, &partial)
			assert.Equal(t, tt.step, partial.Step)
			require.NotNil(t, sess)

			stored, err := h.store.GetSession(t.Context(), sess.ID)
			require.NoError(t, err)
			assert.Equal(t, store.StatusConnecting, stored.Status)
			assert.True(t, stored.RegenerateRequested)
			assert.Nil(t, stored.PairingImage)

			tt.inject(h.gateway, nil)
			refreshed, err := h.ctrl.RefreshPairing(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID)
			require.NoError(t, err)
			require.NotNil(t, refreshed.PairingImage)
			assert.False(t, refreshed.RegenerateRequested)
		})
	}
}

func TestConnect_PairedBeforeImageStored(t *testing.T) {
	h := newHarness(t)

	// a push pairs the session between the record write and the image write
	h.store.UpdateHook = func(cur *store.Session) {
		cur.SetStatus(store.StatusConnected, h.now)
		cur.ClearPairing()
		cur.Version++
	}

	sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, sess.Status)
	assert.Nil(t, sess.PairingImage)
}

func TestRefreshPairing(t *testing.T) {
	h := newHarness(t)
	actor := Actor{TenantID: "clinic-1"}

	sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	require.NoError(t, err)
	first := *sess.PairingImage

	same, err := h.ctrl.RefreshPairing(t.Context(), actor, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first, *same.PairingImage, "valid image is not reissued")

	h.now = h.now.Add(70 * time.Second)

	got, err := h.ctrl.Get(t.Context(), actor, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PairingImage, "expired image is withheld")

	fresh, err := h.ctrl.RefreshPairing(t.Context(), actor, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.PairingImage)
	assert.NotEqual(t, first, *fresh.PairingImage)
	assert.Equal(t, h.now.Add(DefaultPairingTTL), *fresh.PairingExpiresAt)
}

func TestRefreshPairing_AfterLapseToDisconnected(t *testing.T) {
	h := newHarness(t)
	actor := Actor{TenantID: "clinic-1"}
	syncer := statussync.New(h.store, h.gateway, nil, statussync.WithClock(func() time.Time { return h.now }))

	sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	require.NoError(t, err)
	h.gateway.SetState(sess.GatewayName, evolution.GatewayStateConnecting)

	// the code goes unscanned past its expiry and the next poll drops it
	h.now = h.now.Add(70 * time.Second)
	out, err := syncer.Poll(t.Context(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDisconnected, out.To)

	fresh, err := h.ctrl.RefreshPairing(t.Context(), actor, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, fresh.ID, "re-paired in place")
	assert.Equal(t, store.StatusConnecting, fresh.Status)
	require.NotNil(t, fresh.PairingImage)
	assert.Equal(t, h.now.Add(DefaultPairingTTL), *fresh.PairingExpiresAt)
	assert.Empty(t, h.gateway.Teardowns)

	all, err := h.store.ListSessionsByTenant(t.Context(), "clinic-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	history, err := h.ctrl.History(t.Context(), actor, sess.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, store.StatusDisconnected, history[0].FromStatus)
	assert.Equal(t, store.StatusConnecting, history[0].ToStatus)

	// a poll inside the new window keeps it connecting
	out, err = syncer.Poll(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnecting, out.To)
}

func TestDisconnect_LapsedSessionIsTornDown(t *testing.T) {
	h := newHarness(t)
	syncer := statussync.New(h.store, h.gateway, nil, statussync.WithClock(func() time.Time { return h.now }))

	sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	require.NoError(t, err)
	h.now = h.now.Add(70 * time.Second)
	_, err = syncer.Poll(t.Context(), sess.ID)
	require.NoError(t, err)

	out, err := h.ctrl.Disconnect(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.GatewayName}, h.gateway.Teardowns)
	assert.Nil(t, out.PairingExpiresAt)

	_, err = h.ctrl.RefreshPairing(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID)
	assert.ErrorIs(t, err, ErrNotConnecting, "an explicit disconnect is final")
}

func TestRefreshPairing_WebhookFailureKeepsOldSecret(t *testing.T) {
	h := newHarness(t)
	actor := Actor{TenantID: "clinic-1"}

	sess, err := h.ctrl.Connect(t.Context(), ConnectRequest{TenantID: "clinic-1", Shared: true})
	require.NoError(t, err)
	before, err := h.store.GetSession(t.Context(), sess.ID)
	require.NoError(t, err)

	h.now = h.now.Add(70 * time.Second)
	h.gateway.WebhookErr = errors.New("gateway down")
	_, err = h.ctrl.RefreshPairing(t.Context(), actor, sess.ID)
	require.Error(t, err)

	after, err := h.store.GetSession(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, before.WebhookSecretHash, after.WebhookSecretHash)
	assert.True(t, after.RegenerateRequested)

	h.gateway.WebhookErr = nil
	_, err = h.ctrl.RefreshPairing(t.Context(), actor, sess.ID)
	require.NoError(t, err)
	rotated, err := h.store.GetSession(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, before.WebhookSecretHash, rotated.WebhookSecretHash)
}

func TestRefreshPairing_NotConnecting(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "clinic-1", "g1", store.StatusConnected, nil)

	_, err := h.ctrl.RefreshPairing(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID)
	assert.ErrorIs(t, err, ErrNotConnecting)
}

func TestDisconnect_AlreadyDisconnectedIsNoop(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "clinic-1", "g1", store.StatusDisconnected, nil)

	out, err := h.ctrl.Disconnect(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, out.Status)
	assert.Empty(t, h.gateway.Teardowns)

	stored, err := h.store.GetSession(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestDisconnect_Connected(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "clinic-1", "g1", store.StatusConnected, nil)

	out, err := h.ctrl.Disconnect(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, out.Status)
	assert.Nil(t, out.ConnectedAt)
	assert.Equal(t, []string{"g1"}, h.gateway.Teardowns)

	tr, err := h.store.LatestTransition(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, tr.FromStatus)
	assert.Equal(t, store.StatusDisconnected, tr.ToStatus)
	assert.Equal(t, store.SourceOperator, tr.Source)
}

func TestDisconnect_TeardownFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "clinic-1", "g1", store.StatusConnected, nil)
	h.gateway.TeardownErr = errors.New("unreachable")

	_, err := h.ctrl.Disconnect(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID)
	require.Error(t, err)

	stored, err := h.store.GetSession(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, stored.Status)
}

func TestDelete_BestEffortTeardown(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "clinic-1", "g1", store.StatusConnected, nil)
	h.gateway.TeardownErr = errors.New("unreachable")

	require.NoError(t, h.ctrl.Delete(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID))

	_, err := h.store.GetSession(t.Context(), sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{"g1"}, h.gateway.Teardowns)
}

func TestAccess(t *testing.T) {
	h := newHarness(t)
	personal := h.seed(t, "clinic-1", "g1", store.StatusConnected, userPtr("alice"))

	_, err := h.ctrl.Get(t.Context(), Actor{TenantID: "clinic-1", UserID: "alice"}, personal.ID)
	assert.NoError(t, err)

	_, err = h.ctrl.Get(t.Context(), Actor{TenantID: "clinic-1", UserID: "bob"}, personal.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.ctrl.Get(t.Context(), Actor{TenantID: "clinic-2", UserID: "alice"}, personal.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = h.ctrl.Get(t.Context(), Actor{Operator: true}, personal.ID)
	assert.NoError(t, err)
}

func TestListAndResolve(t *testing.T) {
	h := newHarness(t)
	shared := h.seed(t, "clinic-1", "g-shared", store.StatusConnected, nil)
	h.seed(t, "clinic-1", "g-alice", store.StatusConnected, userPtr("alice"))
	bobs := h.seed(t, "clinic-1", "g-bob", store.StatusConnected, userPtr("bob"))
	h.seed(t, "clinic-2", "g-other", store.StatusConnected, nil)

	bob := Actor{TenantID: "clinic-1", UserID: "bob"}
	list, err := h.ctrl.ListSessions(t.Context(), bob)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, shared.ID, list[0].ID)
	assert.Equal(t, bobs.ID, list[1].ID)

	def, err := h.ctrl.ResolveSession(t.Context(), bob, "")
	require.NoError(t, err)
	assert.Equal(t, shared.ID, def.ID)

	explicit, err := h.ctrl.ResolveSession(t.Context(), bob, bobs.ID)
	require.NoError(t, err)
	assert.Equal(t, bobs.ID, explicit.ID)

	_, err = h.ctrl.ResolveSession(t.Context(), Actor{TenantID: "clinic-9"}, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	sess := h.seed(t, "clinic-1", "g1", store.StatusConnected, nil)
	_, err := h.ctrl.Disconnect(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID)
	require.NoError(t, err)

	hist, err := h.ctrl.History(t.Context(), Actor{TenantID: "clinic-1"}, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	_, err = h.ctrl.History(t.Context(), Actor{TenantID: "clinic-2"}, sess.ID, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
