// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Session writes are compare-and-swap on a version column

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS gateway_sessions (
			id                   TEXT PRIMARY KEY,
			tenant_id            TEXT NOT NULL,
			gateway_name         TEXT NOT NULL UNIQUE,
			owner_user_id        TEXT,
			display_name         TEXT,
			phone_number         TEXT,
			pairing_image        TEXT,
			pairing_expires_at   TEXT,
			regenerate_requested INTEGER NOT NULL DEFAULT 0,
			status               TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			connected_at         TEXT,
			updated_at           TEXT NOT NULL,
			version              INTEGER NOT NULL DEFAULT 1,

			CHECK (status IN ('disconnected', 'connecting', 'connected')),
			CHECK ((status = 'connected') = (connected_at IS NOT NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_gateway_sessions_tenant
			ON gateway_sessions(tenant_id, created_at);

		CREATE TABLE IF NOT EXISTS status_transitions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			session_id  TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			source      TEXT NOT NULL,
			changed_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_status_transitions_session
			ON status_transitions(session_id, seq);

		CREATE TABLE IF NOT EXISTS webhook_events (
			seq                   INTEGER PRIMARY KEY AUTOINCREMENT,
			id                    TEXT NOT NULL UNIQUE,
			gateway_name          TEXT NOT NULL,
			tenant_id             TEXT,
			event_type            TEXT NOT NULL,
			status                TEXT NOT NULL,
			error_message         TEXT,
			observed_phone        TEXT,
			content_preview       TEXT,
			processing_latency_ms INTEGER,
			received_at           TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_webhook_events_tenant
			ON webhook_events(tenant_id, seq);

		CREATE TABLE IF NOT EXISTS alert_channel_config (
			id                    INTEGER PRIMARY KEY CHECK (id = 1),
			notify_phone_number   TEXT NOT NULL,
			dispatch_session_name TEXT NOT NULL,
			enabled               INTEGER NOT NULL,
			updated_at            TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "gateway_sessions",
			column: "webhook_secret_hash",
			apply:  `ALTER TABLE gateway_sessions ADD COLUMN webhook_secret_hash TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nullString returns nil for nil pointers, otherwise the string value
func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return formatTime(*p)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func ptrFromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

const sessionColumns = `
	id, tenant_id, gateway_name, owner_user_id, display_name, phone_number,
	pairing_image, pairing_expires_at, regenerate_requested, status,
	created_at, connected_at, updated_at, version, webhook_secret_hash
`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var owner, display, phone, image, expiresAt, connectedAt sql.NullString
	var createdAt, updatedAt, status string
	var regenerate int

	err := row.Scan(
		&sess.ID,
		&sess.TenantID,
		&sess.GatewayName,
		&owner,
		&display,
		&phone,
		&image,
		&expiresAt,
		&regenerate,
		&status,
		&createdAt,
		&connectedAt,
		&updatedAt,
		&sess.Version,
		&sess.WebhookSecretHash,
	)
	if err != nil {
		return nil, err
	}

	sess.OwnerUserID = ptrFromNull(owner)
	sess.DisplayName = ptrFromNull(display)
	sess.PhoneNumber = ptrFromNull(phone)
	sess.PairingImage = ptrFromNull(image)
	sess.RegenerateRequested = regenerate != 0
	sess.Status = Status(status)

	if sess.PairingExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing pairing_expires_at: %w", err)
	}
	if sess.ConnectedAt, err = parseNullTime(connectedAt); err != nil {
		return nil, fmt.Errorf("parsing connected_at: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &sess, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateSession inserts a new session. ID, CreatedAt and UpdatedAt are generated
// when empty and Version starts at 1.
// Returns ErrDuplicateSession if the gateway name is already taken.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if !sess.Status.Valid() {
		return fmt.Errorf("invalid session status %q", sess.Status)
	}
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Version = 1

	query := `
		INSERT INTO gateway_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.TenantID,
		sess.GatewayName,
		nullString(sess.OwnerUserID),
		nullString(sess.DisplayName),
		nullString(sess.PhoneNumber),
		nullString(sess.PairingImage),
		nullTime(sess.PairingExpiresAt),
		boolInt(sess.RegenerateRequested),
		string(sess.Status),
		formatTime(sess.CreatedAt),
		nullTime(sess.ConnectedAt),
		formatTime(sess.UpdatedAt),
		sess.Version,
		sess.WebhookSecretHash,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "tenant_id", sess.TenantID, "gateway_name", sess.GatewayName)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM gateway_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// GetSessionByGatewayName retrieves a session by the name the gateway knows it by.
// Returns ErrNotFound if no session has that name.
func (s *SQLiteStore) GetSessionByGatewayName(ctx context.Context, name string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM gateway_sessions WHERE gateway_name = ?`, name)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session by gateway name: %w", err)
	}
	return sess, nil
}

// ListSessionsByTenant returns the tenant's sessions, oldest first.
func (s *SQLiteStore) ListSessionsByTenant(ctx context.Context, tenantID string) ([]*Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM gateway_sessions WHERE tenant_id = ? ORDER BY created_at, rowid`, tenantID)
}

// ListAllSessions returns every session across all tenants, oldest first.
func (s *SQLiteStore) ListAllSessions(ctx context.Context) ([]*Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM gateway_sessions ORDER BY created_at, rowid`)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// UpdateSession writes every mutable field of sess if the stored version still
// equals sess.Version. On success sess.Version and sess.UpdatedAt are advanced.
// Returns ErrNotFound if the session is gone and ErrVersionConflict if another
// writer committed first.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session) error {
	if !sess.Status.Valid() {
		return fmt.Errorf("invalid session status %q", sess.Status)
	}
	now := time.Now().UTC()

	query := `
		UPDATE gateway_sessions
		SET display_name = ?, phone_number = ?, pairing_image = ?, pairing_expires_at = ?,
		    regenerate_requested = ?, status = ?, connected_at = ?, updated_at = ?,
		    webhook_secret_hash = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		nullString(sess.DisplayName),
		nullString(sess.PhoneNumber),
		nullString(sess.PairingImage),
		nullTime(sess.PairingExpiresAt),
		boolInt(sess.RegenerateRequested),
		string(sess.Status),
		nullTime(sess.ConnectedAt),
		formatTime(now),
		sess.WebhookSecretHash,
		sess.ID,
		sess.Version,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM gateway_sessions WHERE id = ?`, sess.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking session existence: %w", err)
		}
		return ErrVersionConflict
	}

	sess.Version++
	sess.UpdatedAt = now
	s.logger.Debug("updated session", "id", sess.ID, "status", sess.Status, "version", sess.Version)
	return nil
}

// DeleteSession removes a session record.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM gateway_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted session", "id", id)
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
