// ABOUTME: In-memory fan-out of session changes to per-tenant subscribers
// ABOUTME: Non-blocking publish; slow subscribers miss changes rather than stall writers

package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-process pub/sub of session changes keyed by tenant.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // tenantID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for changes to the tenant's sessions.
// The subscription is removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID string) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan Change)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "tenant_id", tenantID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()

	return ch, subID
}

// Publish delivers c to every subscriber of c.TenantID.
func (b *Broadcaster) Publish(c Change) {
	// sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[c.TenantID] {
		select {
		case ch <- c:
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"tenant_id", c.TenantID,
				"sub_id", subID,
				"session_id", c.SessionID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions for a tenant.
func (b *Broadcaster) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenantID])
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tenantID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, tenantID)
	}

	b.logger.Debug("broadcaster closed")
}
