// ABOUTME: Redis pub/sub relay of session changes between pairwatch instances
// ABOUTME: Changes carry the publishing instance id so an instance ignores its own echoes

package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	relayPublishTimeout = 2 * time.Second

	// relayQueueSize bounds local changes waiting to reach Redis.
	relayQueueSize = 256
)

// RedisOptions configures the relay connection.
type RedisOptions struct {
	Addr          string
	Username      string
	Password      string
	DB            int
	ChannelPrefix string
}

// RedisRelay publishes local changes to Redis and re-publishes changes from
// peer instances into the local notifier.
type RedisRelay struct {
	client     *redis.Client
	prefix     string
	instanceID string
	local      Notifier
	logger     *slog.Logger

	outbound chan Change
}

// NewRedisRelay connects to Redis and verifies the connection.
// local receives changes that originated on other instances.
func NewRedisRelay(ctx context.Context, opts RedisOptions, local Notifier, logger *slog.Logger) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return newRedisRelay(client, opts.ChannelPrefix, local, logger), nil
}

func newRedisRelay(client *redis.Client, prefix string, local Notifier, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.New().String(),
		local:      local,
		logger:     logger.With("component", "redis-relay"),
		outbound:   make(chan Change, relayQueueSize),
	}
}

// InstanceID identifies this process on the relay.
func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// Channel returns the pub/sub channel carrying a tenant's changes.
func (r *RedisRelay) Channel(tenantID string) string {
	return r.prefix + tenantID
}

// Publish queues a locally committed change for peers. It never blocks:
// local observers were already notified, so when Redis falls behind and the
// queue fills the change is dropped for peers only.
func (r *RedisRelay) Publish(c Change) {
	if c.Origin != "" && c.Origin != r.instanceID {
		// a peer's change being re-published locally; do not bounce it back
		return
	}
	c.Origin = r.instanceID

	select {
	case r.outbound <- c:
	default:
		r.logger.Warn("relay queue full, dropping change", "tenant_id", c.TenantID, "session_id", c.SessionID)
	}
}

// send writes one queued change to its tenant channel.
func (r *RedisRelay) send(ctx context.Context, c Change) {
	data, err := json.Marshal(c)
	if err != nil {
		r.logger.Error("encoding change", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, relayPublishTimeout)
	defer cancel()

	if err := r.client.Publish(ctx, r.Channel(c.TenantID), data).Err(); err != nil {
		r.logger.Warn("publishing change to redis", "tenant_id", c.TenantID, "error", err)
	}
}

// drain sends queued changes until ctx is done.
func (r *RedisRelay) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-r.outbound:
			r.send(ctx, c)
		}
	}
}

// Run subscribes to every tenant channel and relays peer changes until ctx is done.
// Queued local changes are sent to Redis for as long as Run is running.
func (r *RedisRelay) Run(ctx context.Context) error {
	go r.drain(ctx)

	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s*: %w", r.prefix, err)
	}

	r.logger.Info("redis relay subscribed", "pattern", r.prefix+"*", "instance_id", r.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}

// handleMessage decodes a relayed change and forwards peer changes locally.
// It reports whether the change was forwarded.
func (r *RedisRelay) handleMessage(channel string, payload []byte) bool {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		r.logger.Warn("dropping malformed relay message", "channel", channel, "error", err)
		return false
	}
	if c.Origin == r.instanceID {
		return false
	}
	if c.TenantID == "" {
		c.TenantID = strings.TrimPrefix(channel, r.prefix)
	}
	r.local.Publish(c)
	return true
}

// Close closes the Redis client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
