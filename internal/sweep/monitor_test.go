// ABOUTME: Tests for the fleet health sweep
// ABOUTME: Covers regression detection, idempotent re-runs, failures, alert dedupe and single-flight

package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pairwatch/internal/alert"
	"github.com/2389/pairwatch/internal/evolution"
	"github.com/2389/pairwatch/internal/statussync"
	"github.com/2389/pairwatch/internal/store"
)

type recordingAlerter struct {
	mu     sync.Mutex
	events []alert.Event
	err    error
}

func (r *recordingAlerter) Notify(ctx context.Context, e alert.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.events = append(r.events, e)
	return true, nil
}

type fleet struct {
	store   *store.MockStore
	gateway *evolution.Fake
	alerter *recordingAlerter
	monitor *Monitor
}

func newFleet(t *testing.T, cfg Config, gw evolution.Gateway) *fleet {
	t.Helper()
	f := &fleet{
		store:   store.NewMockStore(),
		gateway: evolution.NewFake(),
		alerter: &recordingAlerter{},
	}
	if gw == nil {
		gw = f.gateway
	}
	syncer := statussync.New(f.store, gw, nil)
	f.monitor = NewMonitor(f.store, syncer, f.alerter, cfg, nil)
	return f
}

func (f *fleet) add(t *testing.T, tenant, name string, status store.Status, gw evolution.GatewayState) *store.Session {
	t.Helper()
	sess := &store.Session{TenantID: tenant, GatewayName: name}
	sess.SetStatus(status, time.Now())
	if status == store.StatusConnecting {
		sess.RegenerateRequested = true
	}
	require.NoError(t, f.store.CreateSession(t.Context(), sess))
	f.gateway.SetState(name, gw)
	return sess
}

func (f *fleet) transitions(t *testing.T, sessionID string) []*store.StatusTransition {
	t.Helper()
	list, err := f.store.ListTransitions(t.Context(), sessionID, 0)
	require.NoError(t, err)
	return list
}

func TestRun_DetectsDisconnectAndAlertsOnce(t *testing.T) {
	f := newFleet(t, Config{}, nil)
	s1 := f.add(t, "clinic-1", "g1", store.StatusConnected, evolution.GatewayStateOpen)
	s2 := f.add(t, "clinic-1", "g2", store.StatusConnected, evolution.GatewayStateClose)
	s3 := f.add(t, "clinic-2", "g3", store.StatusConnected, evolution.GatewayStateOpen)

	res, err := f.monitor.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 1, res.Disconnected)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Alerted)

	got, err := f.store.GetSession(t.Context(), s2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDisconnected, got.Status)
	assert.Nil(t, got.ConnectedAt)

	history := f.transitions(t, s2.ID)
	require.Len(t, history, 1)
	assert.Equal(t, store.SourceSweep, history[0].Source)
	assert.Empty(t, f.transitions(t, s1.ID))
	assert.Empty(t, f.transitions(t, s3.ID))

	require.Len(t, f.alerter.events, 1)
	assert.Equal(t, s2.ID, f.alerter.events[0].SessionID)
	assert.Equal(t, store.StatusConnected, f.alerter.events[0].From)
}

func TestRun_SecondRunIsNoop(t *testing.T) {
	f := newFleet(t, Config{}, nil)
	s := f.add(t, "clinic-1", "g1", store.StatusConnected, evolution.GatewayStateClose)

	_, err := f.monitor.Run(t.Context())
	require.NoError(t, err)

	res, err := f.monitor.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 0, res.Changed)
	assert.Equal(t, 0, res.Alerted)

	assert.Len(t, f.transitions(t, s.ID), 1)
	assert.Len(t, f.alerter.events, 1)
}

func TestRun_GatewayFailureLeavesSessionAndContinues(t *testing.T) {
	f := newFleet(t, Config{}, nil)
	s1 := f.add(t, "clinic-1", "g1", store.StatusConnected, evolution.GatewayStateOpen)
	f.add(t, "clinic-1", "g2", store.StatusConnected, evolution.GatewayStateClose)
	f.gateway.SetStatusErr("g1", &evolution.APIError{StatusCode: 503})

	res, err := f.monitor.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Disconnected)

	got, err := f.store.GetSession(t.Context(), s1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, got.Status)
}

func TestRun_ConnectingSessionDropsWhenImageGone(t *testing.T) {
	f := newFleet(t, Config{}, nil)
	sess := &store.Session{TenantID: "clinic-1", GatewayName: "g1", Status: store.StatusConnecting}
	expired := time.Now().Add(-70 * time.Second)
	img := "data:image/png;base64,AAAA"
	sess.PairingImage = &img
	sess.PairingExpiresAt = &expired
	require.NoError(t, f.store.CreateSession(t.Context(), sess))
	f.gateway.SetState("g1", evolution.GatewayStateClose)

	res, err := f.monitor.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disconnected)
	require.Len(t, f.alerter.events, 1)
	assert.Equal(t, store.StatusConnecting, f.alerter.events[0].From)
}

func TestRun_RecentDisconnectSuppressesAlert(t *testing.T) {
	f := newFleet(t, Config{AlertCooldown: 30 * time.Minute}, nil)
	s := f.add(t, "clinic-1", "g1", store.StatusConnected, evolution.GatewayStateClose)

	// the session flapped: dropped five minutes ago, then came back
	require.NoError(t, f.store.AppendTransition(t.Context(), &store.StatusTransition{
		SessionID: s.ID, TenantID: "clinic-1",
		FromStatus: store.StatusConnected, ToStatus: store.StatusDisconnected,
		Source: store.SourceSweep, ChangedAt: time.Now().Add(-5 * time.Minute),
	}))
	require.NoError(t, f.store.AppendTransition(t.Context(), &store.StatusTransition{
		SessionID: s.ID, TenantID: "clinic-1",
		FromStatus: store.StatusDisconnected, ToStatus: store.StatusConnected,
		Source: store.SourceWebhook, ChangedAt: time.Now().Add(-4 * time.Minute),
	}))

	res, err := f.monitor.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disconnected)
	assert.Equal(t, 0, res.Alerted)
	assert.Empty(t, f.alerter.events)
}

func TestRun_OldDisconnectDoesNotSuppress(t *testing.T) {
	f := newFleet(t, Config{AlertCooldown: 30 * time.Minute}, nil)
	s := f.add(t, "clinic-1", "g1", store.StatusConnected, evolution.GatewayStateClose)
	require.NoError(t, f.store.AppendTransition(t.Context(), &store.StatusTransition{
		SessionID: s.ID, TenantID: "clinic-1",
		FromStatus: store.StatusConnected, ToStatus: store.StatusDisconnected,
		Source: store.SourceSweep, ChangedAt: time.Now().Add(-2 * time.Hour),
	}))

	res, err := f.monitor.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerted)
}

func TestRun_AlertFailureDoesNotFailSweep(t *testing.T) {
	f := newFleet(t, Config{}, nil)
	f.alerter.err = errors.New("dispatch down")
	f.add(t, "clinic-1", "g1", store.StatusConnected, evolution.GatewayStateClose)

	res, err := f.monitor.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disconnected)
	assert.Equal(t, 0, res.Alerted)
}

// blockingGateway holds QueryStatus until released.
type blockingGateway struct {
	*evolution.Fake
	entered chan struct{}
	release chan struct{}
}

func (b *blockingGateway) QueryStatus(ctx context.Context, name string) (evolution.GatewayState, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Fake.QueryStatus(ctx, name)
}

func TestRun_SingleFlight(t *testing.T) {
	gw := &blockingGateway{Fake: evolution.NewFake(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := newFleet(t, Config{}, gw)
	f.add(t, "clinic-1", "g1", store.StatusConnected, evolution.GatewayStateOpen)

	done := make(chan error, 1)
	go func() {
		_, err := f.monitor.Run(context.Background())
		done <- err
	}()

	<-gw.entered
	_, err := f.monitor.Run(t.Context())
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(gw.release)
	require.NoError(t, <-done)

	_, err = f.monitor.Run(t.Context())
	assert.NoError(t, err, "a finished sweep frees the slot")
}

func TestSchedule(t *testing.T) {
	f := newFleet(t, Config{Interval: 10 * time.Millisecond}, nil)
	f.add(t, "clinic-1", "g1", store.StatusConnected, evolution.GatewayStateOpen)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	f.monitor.Schedule(ctx)

	assert.Positive(t, f.gateway.StatusCalls)
}

func TestSchedule_DisabledReturnsImmediately(t *testing.T) {
	f := newFleet(t, Config{}, nil)

	done := make(chan struct{})
	go func() {
		f.monitor.Schedule(t.Context())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Schedule with no interval should return")
	}
}
