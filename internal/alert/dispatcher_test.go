// ABOUTME: Tests for the alert dispatcher and the Matrix mirror
// ABOUTME: Uses MockStore, the gateway fake and an httptest homeserver

package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairwatch/internal/evolution"
	"github.com/2389/pairwatch/internal/store"
)

type mirrorRecorder struct {
	texts []string
	err   error
}

func (m *mirrorRecorder) Mirror(ctx context.Context, text string) error {
	if m.err != nil {
		return m.err
	}
	m.texts = append(m.texts, text)
	return nil
}

func setupDispatch(t *testing.T, status store.Status) (*store.MockStore, *evolution.Fake) {
	t.Helper()
	st := store.NewMockStore()
	ops := &store.Session{TenantID: "ops", GatewayName: "ops-line"}
	ops.SetStatus(status, time.Now())
	if status == store.StatusConnecting {
		ops.RegenerateRequested = true
	}
	require.NoError(t, st.CreateSession(t.Context(), ops))
	require.NoError(t, st.SaveAlertConfig(t.Context(), &store.AlertChannelConfig{
		NotifyPhoneNumber:   "15550001111",
		DispatchSessionName: "ops-line",
		Enabled:             true,
	}))
	return st, evolution.NewFake()
}

var testEvent = Event{
	TenantID:    "clinic-1",
	SessionID:   "sess-2",
	GatewayName: "tclinic-1-1",
	DisplayName: "Reception",
	From:        store.StatusConnected,
	To:          store.StatusDisconnected,
	DetectedAt:  time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
}

func TestNotify_SendsThroughDispatchSession(t *testing.T) {
	st, gw := setupDispatch(t, store.StatusConnected)
	d := NewDispatcher(st, gw, nil, nil, nil)

	sent, err := d.Notify(t.Context(), testEvent)
	require.NoError(t, err)
	assert.True(t, sent)

	texts := gw.SentTexts()
	require.Len(t, texts, 1)
	assert.Equal(t, "ops-line", texts[0].Session)
	assert.Equal(t, "15550001111", texts[0].Phone)
	assert.Contains(t, texts[0].Text, "Reception (tclinic-1-1)")
	assert.Contains(t, texts[0].Text, "clinic-1")
}

func TestNotify_NoConfigOrDisabled(t *testing.T) {
	st := store.NewMockStore()
	gw := evolution.NewFake()
	d := NewDispatcher(st, gw, nil, nil, nil)

	sent, err := d.Notify(t.Context(), testEvent)
	require.NoError(t, err)
	assert.False(t, sent)

	require.NoError(t, st.SaveAlertConfig(t.Context(), &store.AlertChannelConfig{
		NotifyPhoneNumber:   "1555",
		DispatchSessionName: "ops-line",
		Enabled:             false,
	}))
	sent, err = d.Notify(t.Context(), testEvent)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, gw.SentTexts())
}

func TestNotify_DispatchSessionNotConnected(t *testing.T) {
	st, gw := setupDispatch(t, store.StatusConnecting)
	d := NewDispatcher(st, gw, nil, nil, nil)

	sent, err := d.Notify(t.Context(), testEvent)
	assert.ErrorIs(t, err, ErrDispatchUnavailable)
	assert.False(t, sent)
	assert.Empty(t, gw.SentTexts())
}

func TestNotify_CooldownSuppressesRepeat(t *testing.T) {
	st, gw := setupDispatch(t, store.StatusConnected)
	cd := NewCooldown(time.Hour, 10)
	defer cd.Close()
	d := NewDispatcher(st, gw, cd, nil, nil)

	sent, err := d.Notify(t.Context(), testEvent)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = d.Notify(t.Context(), testEvent)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, gw.SentTexts(), 1)
}

func TestNotify_FailedSendReleasesCooldown(t *testing.T) {
	st, gw := setupDispatch(t, store.StatusConnected)
	cd := NewCooldown(time.Hour, 10)
	defer cd.Close()
	d := NewDispatcher(st, gw, cd, nil, nil)

	gw.SendErr = errors.New("gateway down")
	_, err := d.Notify(t.Context(), testEvent)
	require.Error(t, err)

	gw.SendErr = nil
	sent, err := d.Notify(t.Context(), testEvent)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestNotify_MirrorDeliversWhenSendFails(t *testing.T) {
	st, gw := setupDispatch(t, store.StatusDisconnected)
	mirror := &mirrorRecorder{}
	d := NewDispatcher(st, gw, nil, mirror, nil)

	sent, err := d.Notify(t.Context(), testEvent)
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, mirror.texts, 1)
	assert.Equal(t, FormatMessage(testEvent), mirror.texts[0])
}

func TestNotify_MirrorFailureDoesNotFailSend(t *testing.T) {
	st, gw := setupDispatch(t, store.StatusConnected)
	d := NewDispatcher(st, gw, nil, &mirrorRecorder{err: errors.New("matrix down")}, nil)

	sent, err := d.Notify(t.Context(), testEvent)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestFormatMessage(t *testing.T) {
	msg := FormatMessage(Event{TenantID: "t1", GatewayName: "g1", From: store.StatusConnecting})
	assert.Equal(t, "Session disconnected: g1\nTenant: t1\nWas: connecting", msg)

	msg = FormatMessage(testEvent)
	assert.True(t, strings.HasSuffix(msg, "At: 2026-02-03T04:05:06Z"), msg)
}

func TestMatrixMirror(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPut, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"event_id":"$abc"}`))
	}))
	defer srv.Close()

	m, err := NewMatrixMirror(srv.URL, "@pairwatch:example.org", "syt_token", "!alerts:example.org")
	require.NoError(t, err)

	require.NoError(t, m.Mirror(t.Context(), "hello ops"))
	assert.Equal(t, "Bearer syt_token", gotAuth)
	assert.Contains(t, gotPath, "/send/m.room.message/")
	assert.Equal(t, "hello ops", gotBody["body"])
	assert.Equal(t, "m.text", gotBody["msgtype"])
}

func TestMatrixMirror_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not in room"}`))
	}))
	defer srv.Close()

	m, err := NewMatrixMirror(srv.URL, "@pairwatch:example.org", "tok", "!alerts:example.org")
	require.NoError(t, err)
	assert.Error(t, m.Mirror(t.Context(), "x"))
}
