// ABOUTME: Store decorator that fans out every committed session write
// ABOUTME: Also forwards appended status transitions to an optional sink

package fanout

import (
	"context"
	"log/slog"

	"github.com/2389/pairwatch/internal/store"
)

// TransitionSink receives every appended status transition.
type TransitionSink interface {
	RecordTransition(ctx context.Context, t *store.StatusTransition) error
}

// NotifyingStore wraps a store.Store and publishes a Change after each
// successful create, update or delete. Failed writes publish nothing.
type NotifyingStore struct {
	store.Store
	notifier Notifier
	sink     TransitionSink
	logger   *slog.Logger
}

// NewNotifyingStore decorates inner. sink may be nil.
func NewNotifyingStore(inner store.Store, notifier Notifier, sink TransitionSink, logger *slog.Logger) *NotifyingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyingStore{
		Store:    inner,
		notifier: notifier,
		sink:     sink,
		logger:   logger.With("component", "fanout"),
	}
}

// CreateSession creates the session and publishes an upsert.
func (n *NotifyingStore) CreateSession(ctx context.Context, s *store.Session) error {
	if err := n.Store.CreateSession(ctx, s); err != nil {
		return err
	}
	n.notifier.Publish(ChangeFromSession(ChangeUpsert, s))
	return nil
}

// UpdateSession commits the session and publishes an upsert.
func (n *NotifyingStore) UpdateSession(ctx context.Context, s *store.Session) error {
	if err := n.Store.UpdateSession(ctx, s); err != nil {
		return err
	}
	n.notifier.Publish(ChangeFromSession(ChangeUpsert, s))
	return nil
}

// DeleteSession removes the session and publishes a delete.
func (n *NotifyingStore) DeleteSession(ctx context.Context, id string) error {
	prev, _ := n.Store.GetSession(ctx, id)
	if err := n.Store.DeleteSession(ctx, id); err != nil {
		return err
	}
	if prev != nil {
		n.notifier.Publish(ChangeFromSession(ChangeDelete, prev))
	}
	return nil
}

// AppendTransition appends t and forwards it to the sink. Sink failures are
// logged; the transition is already committed.
func (n *NotifyingStore) AppendTransition(ctx context.Context, t *store.StatusTransition) error {
	if err := n.Store.AppendTransition(ctx, t); err != nil {
		return err
	}
	if n.sink != nil {
		if err := n.sink.RecordTransition(ctx, t); err != nil {
			n.logger.Warn("transition sink failed", "session_id", t.SessionID, "error", err)
		}
	}
	return nil
}

// Ensure NotifyingStore implements store.Store
var _ store.Store = (*NotifyingStore)(nil)
