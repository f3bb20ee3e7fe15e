// Package store implements every persistence interface of the control plane
// on a single SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"agentdock/internal/domain"
)

// Store is the SQLite-backed registry. It holds no in-process cache: every
// read goes to the database.
type Store struct {
	db     *sql.DB
	cipher domain.SecretCipher
	now    func() time.Time
}

var (
	_ domain.RosterStore      = (*Store)(nil)
	_ domain.RuntimeStore     = (*Store)(nil)
	_ domain.ChannelStore     = (*Store)(nil)
	_ domain.ArtifactStore    = (*Store)(nil)
	_ domain.SecretStore      = (*Store)(nil)
	_ domain.IntegrationStore = (*Store)(nil)
	_ domain.ToolTokenStore   = (*Store)(nil)
	_ domain.MessageStore     = (*Store)(nil)
)

// Open opens (or creates) the database at dbPath and runs the schema
// migration. cipher seals secrets and tokens at rest; when nil, secret
// reads and writes fail.
func Open(dbPath string, cipher domain.SecretCipher) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db, cipher: cipher, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS spaces (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			root_channel_id TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS operators (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS channels (
			id          TEXT PRIMARY KEY,
			space_id    TEXT NOT NULL REFERENCES spaces(id),
			name        TEXT NOT NULL,
			tagline     TEXT NOT NULL DEFAULT '',
			mission     TEXT NOT NULL DEFAULT '',
			focus_slug  TEXT NOT NULL DEFAULT '',
			operator_id TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS roster (
			channel_id           TEXT NOT NULL REFERENCES channels(id),
			callsign             TEXT NOT NULL,
			agent_type           TEXT NOT NULL DEFAULT '',
			status               TEXT NOT NULL DEFAULT 'active',
			runtime_id           TEXT NOT NULL DEFAULT '',
			callback_url         TEXT NOT NULL DEFAULT '',
			tunnel_id            TEXT NOT NULL DEFAULT '',
			last_read_message_id TEXT NOT NULL DEFAULT '',
			last_delivery_at     INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			PRIMARY KEY (channel_id, callsign)
		);
		CREATE INDEX IF NOT EXISTS roster_runtime ON roster(runtime_id);
		CREATE TABLE IF NOT EXISTS runtimes (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'offline',
			connection_handle TEXT NOT NULL DEFAULT '',
			last_seen         INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS artifacts (
			space_id   TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			kind       TEXT NOT NULL,
			slug       TEXT NOT NULL,
			content    TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (space_id, channel_id, kind, slug)
		);
		CREATE TABLE IF NOT EXISTS secrets (
			space_id   TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			artifact   TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			PRIMARY KEY (space_id, channel_id, artifact, key)
		);
		CREATE TABLE IF NOT EXISTS integrations (
			id            TEXT PRIMARY KEY,
			space_id      TEXT NOT NULL,
			provider      TEXT NOT NULL,
			name          TEXT NOT NULL,
			transport     TEXT NOT NULL DEFAULT 'http',
			url           TEXT NOT NULL DEFAULT '',
			headers       TEXT NOT NULL DEFAULT '{}',
			access_token  TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type    TEXT NOT NULL DEFAULT '',
			expires_at    INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS tool_tokens (
			space_id      TEXT NOT NULL,
			channel_id    TEXT NOT NULL,
			slug          TEXT NOT NULL,
			access_token  TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			token_type    TEXT NOT NULL DEFAULT '',
			expires_at    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (space_id, channel_id, slug)
		);
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			channel_id  TEXT NOT NULL,
			sender      TEXT NOT NULL,
			content     TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS messages_channel ON messages(channel_id, id);
	`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed-width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// unixNano maps the zero time to 0 so "never" sorts below any real instant.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// lookupErr maps sql.ErrNoRows to a DomainError carrying sentinel.
func lookupErr(err error, op string, sentinel error, detail string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewDomainError(op, sentinel, detail)
	}
	return domain.WrapOp(op, err)
}

func (s *Store) seal(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	if s.cipher == nil {
		return "", domain.NewSubSystemError("store", "Store.seal", domain.ErrEncryption, "no cipher configured")
	}
	return s.cipher.Encrypt(v)
}

func (s *Store) unseal(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	if s.cipher == nil {
		return "", domain.NewSubSystemError("store", "Store.unseal", domain.ErrDecryption, "no cipher configured")
	}
	return s.cipher.Decrypt(v)
}
