// ABOUTME: Assembles the pairwatch components from configuration
// ABOUTME: Store, fan-out transports, gateway client, controllers, alerting, sweep and recovery

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/pairwatch/internal/alert"
	"github.com/2389/pairwatch/internal/auth"
	"github.com/2389/pairwatch/internal/config"
	"github.com/2389/pairwatch/internal/evolution"
	"github.com/2389/pairwatch/internal/fanout"
	"github.com/2389/pairwatch/internal/pairing"
	"github.com/2389/pairwatch/internal/recovery"
	"github.com/2389/pairwatch/internal/server"
	"github.com/2389/pairwatch/internal/statussync"
	"github.com/2389/pairwatch/internal/store"
	"github.com/2389/pairwatch/internal/sweep"
)

// alertCooldownEntries bounds the in-memory alert cooldown.
const alertCooldownEntries = 10_000

// app is the wired set of components shared by serve and sweep.
type app struct {
	store       store.Store
	broadcaster *fanout.Broadcaster
	health      *fanout.HealthMirror
	hub         *fanout.Hub
	relay       *fanout.RedisRelay
	kafka       *fanout.KafkaSink
	gateway     *evolution.Client
	sessions    *pairing.Controller
	sync        *statussync.Synchronizer
	cooldown    *alert.Cooldown
	dispatcher  *alert.Dispatcher
	monitor     *sweep.Monitor
	recovery    *recovery.Trigger
	verifier    *auth.JWTVerifier
	logger      *slog.Logger
}

// newApp opens the store and wires every component. The Redis relay is
// connected here but only relays once runRelay is started.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a := &app{
		broadcaster: fanout.NewBroadcaster(logger),
		health:      fanout.NewHealthMirror(logger),
		logger:      logger,
	}
	local := fanout.Multi{a.broadcaster, a.health}
	notifier := fanout.Multi{local}

	if r := cfg.Fanout.Redis; r.Enabled {
		a.relay, err = fanout.NewRedisRelay(ctx, fanout.RedisOptions{
			Addr:          r.Addr,
			Username:      r.Username,
			Password:      r.Password,
			DB:            r.DB,
			ChannelPrefix: r.ChannelPrefix,
		}, local, logger)
		if err != nil {
			sqlStore.Close()
			a.broadcaster.Close()
			return nil, err
		}
		notifier = append(notifier, a.relay)
		logger.Info("redis relay enabled", "addr", r.Addr, "instance_id", a.relay.InstanceID())
	}

	var sink fanout.TransitionSink
	if k := cfg.Fanout.Kafka; k.Enabled {
		a.kafka = fanout.NewKafkaSink(k.Brokers, k.Topic, logger)
		sink = a.kafka
		logger.Info("kafka transition sink enabled", "brokers", k.Brokers, "topic", k.Topic)
	}

	a.store = fanout.NewNotifyingStore(sqlStore, notifier, sink, logger)

	a.gateway = evolution.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
	if !a.gateway.Configured() {
		logger.Warn("gateway.base_url or gateway.api_key not set; gateway calls will fail")
	}

	a.sessions = pairing.NewController(a.store, a.gateway, pairing.Config{
		PublicURL:     cfg.Server.PublicURL,
		WebhookEvents: cfg.Gateway.WebhookEvents,
		PairingTTL:    cfg.Pairing.TTL,
	}, logger)
	a.sync = statussync.New(a.store, a.gateway, logger, statussync.WithWatchInterval(cfg.Pairing.PollInterval))

	var mirror alert.Mirror
	if m := cfg.Alert.Matrix; m.Enabled {
		mm, err := alert.NewMatrixMirror(m.Homeserver, m.UserID, m.AccessToken, m.RoomID)
		if err != nil {
			a.Close()
			return nil, err
		}
		mirror = mm
		logger.Info("matrix alert mirror enabled", "room_id", m.RoomID)
	}
	a.cooldown = alert.NewCooldown(cfg.Alert.Cooldown, alertCooldownEntries)
	a.dispatcher = alert.NewDispatcher(a.store, a.gateway, a.cooldown, mirror, logger)

	a.monitor = sweep.NewMonitor(a.store, a.sync, a.dispatcher, sweep.Config{
		Interval:      cfg.Sweep.Interval,
		AlertCooldown: cfg.Alert.Cooldown,
	}, logger)

	a.recovery = recovery.NewTrigger(a.store, recovery.Config{
		ProxyURL:  cfg.Recovery.ProxyURL,
		ServiceID: cfg.Recovery.ServiceID,
		Token:     cfg.Recovery.Token,
		Timeout:   cfg.Recovery.Timeout,
	}, logger)

	a.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	return a, nil
}

// seedHealth publishes the current status of every session to the gRPC health mirror.
func (a *app) seedHealth(ctx context.Context) error {
	sessions, err := a.store.ListAllSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	a.health.Seed(sessions)
	return nil
}

// serverDeps hands the components to the HTTP/gRPC server. The server closes the store.
func (a *app) serverDeps() server.Deps {
	a.hub = fanout.NewHub(a.broadcaster, nil, a.logger)
	return server.Deps{
		Store:    a.store,
		Sessions: a.sessions,
		Sync:     a.sync,
		Monitor:  a.monitor,
		Recovery: a.recovery,
		Hub:      a.hub,
		Health:   a.health,
		Verifier: a.verifier,
	}
}

// runRelay relays peer changes until ctx is done. No-op without Redis.
func (a *app) runRelay(ctx context.Context) {
	if a.relay == nil {
		return
	}
	if err := a.relay.Run(ctx); err != nil {
		a.logger.Error("redis relay stopped", "error", err)
	}
}

// closeTransports releases everything except the store.
func (a *app) closeTransports() error {
	var errs []error
	if a.cooldown != nil {
		a.cooldown.Close()
	}
	if a.relay != nil {
		errs = append(errs, a.relay.Close())
	}
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	a.broadcaster.Close()
	return errors.Join(errs...)
}

// Close releases every component including the store.
func (a *app) Close() error {
	err := a.closeTransports()
	if a.store != nil {
		err = errors.Join(err, a.store.Close())
	}
	return err
}
