// Package fanout delivers committed session changes to observers.
//
// NotifyingStore wraps the store and emits a Change after every committed
// create, update or delete. Changes flow to a Notifier, usually a Multi of:
//
//   - Broadcaster: in-process per-tenant subscriptions (websocket Hub, tests)
//   - HealthMirror: grpc health service "session/<gateway name>" per session
//   - RedisRelay: pub/sub to peer instances, which re-publish locally
//
// Appended status transitions can additionally be written to Kafka via KafkaSink.
//
// Publishing never blocks a writer. Slow subscribers lose changes; observers
// that care re-read the session.
package fanout
