package backend

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	schemaVersion      = 1
	defaultBusyTimeout = 5 * time.Second
)

var keystoreSchema = []string{
	`CREATE TABLE IF NOT EXISTS secrets (
		service TEXT NOT NULL DEFAULT '',
		access_group TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (service, access_group, key)
	)`,
	`CREATE TABLE IF NOT EXISTS keystore_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		store_id TEXT NOT NULL,
		schema_version INTEGER NOT NULL,
		kdf_salt TEXT NOT NULL,
		key_check TEXT,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("keystore: apply pragma %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keystore: begin schema transaction: %w", err)
	}

	for _, stmt := range keystoreSchema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("keystore: apply schema statement %q: %w", abbreviate(stmt), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keystore: commit schema transaction: %w", err)
	}

	return nil
}

// seedMeta inserts the singleton metadata row on first open: a fresh store
// id and KDF salt. ON CONFLICT DO NOTHING makes concurrent first opens race
// safely; exactly one id and salt win and everyone reads the winner's.
func seedMeta(ctx context.Context, db *sql.DB) error {
	salt, err := newSalt()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO keystore_meta (id, store_id, schema_version, kdf_salt)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, uuid.NewString(), schemaVersion, base64.StdEncoding.EncodeToString(salt))
	if err != nil {
		return fmt.Errorf("keystore: seed metadata: %w", err)
	}
	return nil
}

func abbreviate(stmt string) string {
	const maxLen = 64
	trimmed := strings.Join(strings.Fields(stmt), " ")
	if len(trimmed) <= maxLen {
		return trimmed
	}
	return trimmed[:maxLen] + "…"
}
