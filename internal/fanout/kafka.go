// ABOUTME: Kafka sink for status transitions
// ABOUTME: Transitions are queued and written in batches as JSON messages keyed by session id

package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/2389/pairwatch/internal/store"
)

const (
	kafkaWriteTimeout = 5 * time.Second

	// kafkaQueueSize bounds transitions waiting for the writer.
	kafkaQueueSize = 1024
	kafkaMaxBatch  = 100
	kafkaFlushTick = 100 * time.Millisecond
)

// ErrSinkFull is returned when a transition is dropped because the writer
// has fallen behind.
var ErrSinkFull = errors.New("transition sink queue full")

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes status transitions to a Kafka topic. RecordTransition only
// enqueues; a background loop batches and writes, so a slow or absent broker
// never holds up the store write that produced the transition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *slog.Logger

	queue     chan kafka.Message
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // keep a session's transitions on one partition
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(w, topic, logger)
}

func newKafkaSink(w messageWriter, topic string, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KafkaSink{
		writer: w,
		topic:  topic,
		logger: logger.With("component", "kafka-sink", "topic", topic),
		queue:  make(chan kafka.Message, kafkaQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go k.loop()
	return k
}

// transitionMessage is the wire form of a StatusTransition.
type transitionMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TenantID  string    `json:"tenant_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Source    string    `json:"source"`
	ChangedAt time.Time `json:"changed_at"`
}

func transitionToMessage(t *store.StatusTransition) (kafka.Message, error) {
	value, err := json.Marshal(transitionMessage{
		ID:        t.ID,
		SessionID: t.SessionID,
		TenantID:  t.TenantID,
		From:      string(t.FromStatus),
		To:        string(t.ToStatus),
		Source:    string(t.Source),
		ChangedAt: t.ChangedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encoding transition: %w", err)
	}
	return kafka.Message{
		Key:   []byte(t.SessionID),
		Value: value,
		Time:  t.ChangedAt,
	}, nil
}

// RecordTransition queues t for the topic. It never blocks; when the queue
// is full the transition is dropped and ErrSinkFull returned.
func (k *KafkaSink) RecordTransition(ctx context.Context, t *store.StatusTransition) error {
	msg, err := transitionToMessage(t)
	if err != nil {
		return err
	}
	select {
	case k.queue <- msg:
		return nil
	default:
		return ErrSinkFull
	}
}

func (k *KafkaSink) loop() {
	defer close(k.done)

	batch := make([]kafka.Message, 0, kafkaMaxBatch)
	ticker := time.NewTicker(kafkaFlushTick)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
		defer cancel()
		if err := k.writer.WriteMessages(ctx, batch...); err != nil {
			k.logger.Warn("writing transitions to kafka", "count", len(batch), "error", err)
		} else {
			k.logger.Debug("transitions written", "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case msg := <-k.queue:
			batch = append(batch, msg)
			if len(batch) >= kafkaMaxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-k.stop:
			for {
				select {
				case msg := <-k.queue:
					batch = append(batch, msg)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes queued transitions and closes the writer.
func (k *KafkaSink) Close() error {
	k.closeOnce.Do(func() { close(k.stop) })
	<-k.done
	return k.writer.Close()
}
