package postgres

import (
	"context"
	"fmt"
)

// Authority table names.
const (
	rowsTable     = "sync_rows"
	acksTable     = "sync_acks"
	archiveTable  = "sync_archive"
	sequenceTable = "sync_sequence"
	devicesTable  = "sync_devices"
)

// schemaDDL creates the authority tables. Statements are idempotent so
// Ensure can run on every start.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS ` + rowsTable + ` (
		table_name TEXT NOT NULL,
		record_pk  TEXT NOT NULL,
		device_id  BIGINT NOT NULL,
		client_ts  BIGINT NOT NULL,
		server_ts  BIGINT NOT NULL,
		deleted    BOOLEAN NOT NULL DEFAULT FALSE,
		data       JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (table_name, record_pk)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_` + rowsTable + `_server_ts
		ON ` + rowsTable + ` (table_name, server_ts)`,

	`CREATE TABLE IF NOT EXISTS ` + acksTable + ` (
		device_id   BIGINT NOT NULL,
		client_txid BIGINT NOT NULL,
		server_txid BIGINT NOT NULL,
		table_name  TEXT NOT NULL,
		record_pk   TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, client_txid)
	)`,

	`CREATE TABLE IF NOT EXISTS ` + archiveTable + ` (
		id                 UUID PRIMARY KEY,
		device_id          BIGINT NOT NULL,
		client_txid        BIGINT NOT NULL,
		server_txid        BIGINT NOT NULL,
		table_name         TEXT NOT NULL,
		record_pk          TEXT NOT NULL,
		action             TEXT NOT NULL,
		payload            JSONB,
		payload_compressed BYTEA,
		compression_algo   TEXT NOT NULL DEFAULT 'none',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_` + archiveTable + `_record
		ON ` + archiveTable + ` (table_name, record_pk)`,

	`CREATE TABLE IF NOT EXISTS ` + sequenceTable + ` (
		id      INT PRIMARY KEY CHECK (id = 1),
		counter BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ` + devicesTable + ` (
		id           BIGINT PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		secret_hash  TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at TIMESTAMPTZ
	)`,
}

// Ensure creates the authority schema when missing.
func Ensure(ctx context.Context, pool *Pool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure authority schema: %w", err)
		}
	}
	return nil
}
