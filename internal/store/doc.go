// Package store provides persistent storage for pairwatch using SQLite.
//
// # Data Models
//
//   - Session: one tenant's connection to the messaging gateway, keyed by a
//     unique gateway name, carrying status, pairing artifacts and a version
//   - StatusTransition: append-only history of committed status changes
//   - WebhookEvent: append-only log of gateway callbacks, for observability only
//   - AlertChannelConfig: deployment-wide alert routing singleton
//
// # Concurrency
//
// Several writers (poll, webhook, sweep, operator) race on the same session.
// UpdateSession is a compare-and-swap on Session.Version: it commits only if the
// stored version still matches and returns ErrVersionConflict otherwise.
// Callers re-read and reapply.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text so ORDER BY matches time order.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateSession: gateway name already taken
//   - ErrVersionConflict: a concurrent writer committed first
//
// # Testing
//
// Use NewMockStore() for unit tests. It mirrors the SQLite ordering and CAS
// behavior. Use NewSQLiteStore with a path under t.TempDir() for integration tests.
package store
