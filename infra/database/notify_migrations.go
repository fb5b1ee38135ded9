package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// migration holds a single schema migration with its target version and SQL.
// Statements are separated by ";" and must run on both Postgres and SQLite.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	account_id  TEXT PRIMARY KEY,
	blacklisted BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
	mailbox_hash TEXT PRIMARY KEY,
	mailbox_enc  TEXT NOT NULL,
	token_enc    TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	valid        BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at   BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credentials_account ON credentials(account_id);
CREATE INDEX IF NOT EXISTS idx_credentials_valid ON credentials(valid);

CREATE TABLE IF NOT EXISTS seen_messages (
	mailbox_hash TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	seen_at      BIGINT NOT NULL,
	PRIMARY KEY (mailbox_hash, message_id)
);

CREATE INDEX IF NOT EXISTS idx_seen_messages_recent ON seen_messages(mailbox_hash, seen_at);

CREATE TABLE IF NOT EXISTS filter_settings (
	account_id         TEXT NOT NULL,
	mailbox_hash       TEXT NOT NULL,
	allow_list_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at         BIGINT NOT NULL,
	PRIMARY KEY (account_id, mailbox_hash)
);

CREATE TABLE IF NOT EXISTS filter_senders (
	account_id   TEXT NOT NULL,
	mailbox_hash TEXT NOT NULL,
	list_kind    TEXT NOT NULL,
	sender_hash  TEXT NOT NULL,
	sender_enc   TEXT NOT NULL,
	created_at   BIGINT NOT NULL,
	PRIMARY KEY (account_id, mailbox_hash, list_kind, sender_hash)
);

CREATE TABLE IF NOT EXISTS mailbox_bindings (
	account_id   TEXT NOT NULL,
	mailbox_hash TEXT NOT NULL,
	provider     TEXT NOT NULL,
	mailbox_enc  TEXT NOT NULL,
	created_at   BIGINT NOT NULL,
	PRIMARY KEY (account_id, mailbox_hash, provider)
);

CREATE INDEX IF NOT EXISTS idx_bindings_mailbox ON mailbox_bindings(mailbox_hash, provider)
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS watch_registrations (
	mailbox_hash TEXT PRIMARY KEY,
	mailbox_enc  TEXT NOT NULL,
	history_id   BIGINT NOT NULL DEFAULT 0,
	expires_at   BIGINT NOT NULL DEFAULT 0,
	renewed_at   BIGINT NOT NULL,
	last_error   TEXT NOT NULL DEFAULT ''
)
`,
	},
}

// Migrate applies outstanding migrations in order, each in its own
// transaction together with its schema_version row.
func Migrate(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	if err := db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.InTx(ctx, func(s sqlx.ExtContext) error {
			for _, stmt := range splitStatements(m.sql) {
				if _, err := s.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("statement %q: %w", firstLine(stmt), err)
				}
			}
			_, err := s.ExecContext(ctx, db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Version reports the applied schema version.
func Version(ctx context.Context, db *DB) (int, error) {
	var v int
	err := db.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	return v, err
}

func splitStatements(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
