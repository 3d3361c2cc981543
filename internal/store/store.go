// Package store persists organizations, WhatsApp instances, conversations,
// messages and session backups behind a sqlx-backed repository.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store wraps the database connection and exposes typed repository methods.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database identified by driver ("postgres" or
// "sqlite") and dsn, and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return &Store{db: db, driver: driver}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// DB exposes the underlying connection for components that manage their own
// tables, such as the whatsmeow session container.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to the driver's bind variant.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		business_hours TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS whatsapp_instances (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		phone_number TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'uninitialized',
		jid TEXT NOT NULL DEFAULT '',
		reconnect_attempts INTEGER NOT NULL DEFAULT 0,
		last_connected_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_org ON whatsapp_instances(organization_id)`,
	`CREATE TABLE IF NOT EXISTS authorized_owner_numbers (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		phone_number TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (organization_id, phone_number)
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		phone_number TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (organization_id, phone_number)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		contact_id TEXT NOT NULL REFERENCES contacts(id),
		status TEXT NOT NULL DEFAULT 'active',
		escalated BOOLEAN NOT NULL DEFAULT FALSE,
		unread_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_contact ON conversations(contact_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active ON conversations(contact_id) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		external_message_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content TEXT NOT NULL,
		media_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (external_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS ai_interactions (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		conversation_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		intent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'success',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_org ON ai_interactions(organization_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS session_backups (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		payload BYTEA NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}

// InitSchema creates all tables if they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if s.driver == "sqlite" {
			stmt = strings.ReplaceAll(stmt, "BYTEA", "BLOB")
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	log.Info().Msg("Database schema initialized")
	return nil
}
