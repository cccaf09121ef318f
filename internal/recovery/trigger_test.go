// ABOUTME: Tests for the gateway recovery trigger
// ABOUTME: Uses an httptest platform proxy and MockStore

package recovery

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairwatch/internal/store"
)

func seed(t *testing.T, st store.Store, tenant, name string, status store.Status, imageTTL time.Duration) *store.Session {
	t.Helper()
	sess := &store.Session{TenantID: tenant, GatewayName: name}
	sess.SetStatus(status, time.Now())
	if imageTTL != 0 {
		img := "data:image/png;base64,AAAA"
		exp := time.Now().Add(imageTTL)
		sess.PairingImage = &img
		sess.PairingExpiresAt = &exp
	}
	require.NoError(t, st.CreateSession(t.Context(), sess))
	return sess
}

func TestRestartGateway_MarksAllDisconnected(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	st := store.NewMockStore()
	connected := seed(t, st, "clinic-1", "g1", store.StatusConnected, 0)
	pairing := seed(t, st, "clinic-2", "g2", store.StatusConnecting, time.Minute)
	idle := seed(t, st, "clinic-2", "g3", store.StatusDisconnected, 0)

	tr := NewTrigger(st, Config{ProxyURL: srv.URL + "/", ServiceID: "gateway-svc", Token: "platform-token"}, nil)
	res, err := tr.RestartGateway(t.Context())
	require.NoError(t, err)

	assert.Equal(t, "/services/gateway-svc/redeploy", gotPath)
	assert.Equal(t, "Bearer platform-token", gotAuth)
	assert.Equal(t, Result{Sessions: 3, Disconnected: 2}, res)

	for _, id := range []string{connected.ID, pairing.ID, idle.ID} {
		got, err := st.GetSession(t.Context(), id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusDisconnected, got.Status)
		assert.Nil(t, got.ConnectedAt)
	}

	kept, err := st.GetSession(t.Context(), pairing.ID)
	require.NoError(t, err)
	require.NotNil(t, kept.PairingImage, "unexpired pairing image is retained")
	assert.True(t, kept.PairingValid(time.Now()))

	tr1, err := st.LatestTransition(t.Context(), connected.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SourceRecovery, tr1.Source)

	_, err = st.LatestTransition(t.Context(), idle.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestartGateway_PlatformFailureChangesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	st := store.NewMockStore()
	sess := seed(t, st, "clinic-1", "g1", store.StatusConnected, 0)

	_, err := NewTrigger(st, Config{ProxyURL: srv.URL, ServiceID: "svc"}, nil).RestartGateway(t.Context())
	var perr *PlatformError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadGateway, perr.StatusCode)
	assert.Equal(t, "upstream unavailable", perr.Message)

	got, err := st.GetSession(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, got.Status)
}

func TestRestartGateway_NotConfigured(t *testing.T) {
	tr := NewTrigger(store.NewMockStore(), Config{}, nil)
	assert.False(t, tr.Configured())

	_, err := tr.RestartGateway(t.Context())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRestartGateway_RetriesOnVersionConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	st := store.NewMockStore()
	sess := seed(t, st, "clinic-1", "g1", store.StatusConnected, 0)
	st.UpdateHook = func(cur *store.Session) { cur.Version++ }

	res, err := NewTrigger(st, Config{ProxyURL: srv.URL, ServiceID: "svc"}, nil).RestartGateway(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disconnected)

	got, err := st.GetSession(t.Context(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, got.Status)
}
