// Package authority implements the reference remote authority: the single
// writer that assigns authoritative timestamps, keeps the canonical copy of
// every synchronized row, and fans accepted changes out to connected
// devices. Clients speak to it through the sync wire protocol.
package authority

import (
	"context"
	"encoding/json"
	"time"

	"driftsync/internal/core/clock"
	"driftsync/internal/core/id"
)

// SequencerDeviceID is the device identity reserved for the authority's
// own timestamp sequencer. Device registration starts above it, so an
// authoritative timestamp is recognizable by its zero device bits.
const SequencerDeviceID = 0

// Row is the canonical copy of one synchronized record. Data holds the
// full row as a wire-encoded JSON object with server_ts already patched
// in, so snapshots and broadcasts reuse it byte for byte.
type Row struct {
	TableName string          `db:"table_name"`
	RecordPK  string          `db:"record_pk"`
	DeviceID  int64           `db:"device_id"`
	ClientTS  int64           `db:"client_ts"`
	ServerTS  int64           `db:"server_ts"`
	Deleted   bool            `db:"deleted"`
	Data      json.RawMessage `db:"data"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// Ack is one entry of the idempotency ledger. A re-uploaded change is
// answered from here with its original authoritative timestamp instead of
// being applied twice.
type Ack struct {
	DeviceID   int64     `db:"device_id"`
	ClientTxid int64     `db:"client_txid"`
	ServerTxid int64     `db:"server_txid"`
	TableName  string    `db:"table_name"`
	RecordPK   string    `db:"record_pk"`
	CreatedAt  time.Time `db:"created_at"`
}

// ArchiveRecord preserves an accepted change's original payload for
// diagnostics and replay. Large payloads are stored compressed.
type ArchiveRecord struct {
	ID                id.ID           `db:"id"`
	DeviceID          int64           `db:"device_id"`
	ClientTxid        int64           `db:"client_txid"`
	ServerTxid        int64           `db:"server_txid"`
	TableName         string          `db:"table_name"`
	RecordPK          string          `db:"record_pk"`
	Action            string          `db:"action"`
	Payload           json.RawMessage `db:"payload"`
	PayloadCompressed []byte          `db:"payload_compressed"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo"`
	CreatedAt         time.Time       `db:"created_at"`
}

// Store is the authority's persistence contract. It also persists the
// sequencer counter, so a restart never reissues a timestamp.
type Store interface {
	clock.CounterStore

	// GetRow fetches the canonical copy of one record.
	GetRow(ctx context.Context, table, pk string) (Row, bool, error)

	// UpsertRow replaces the canonical copy of one record.
	UpsertRow(ctx context.Context, row Row) error

	// SnapshotTable returns every canonical row of a table, tombstones
	// included, ordered by server timestamp.
	SnapshotTable(ctx context.Context, table string) ([]Row, error)

	// GetAck looks up the idempotency ledger.
	GetAck(ctx context.Context, deviceID, clientTxid int64) (Ack, bool, error)

	// PutAck records an accepted change in the ledger.
	PutAck(ctx context.Context, ack Ack) error

	// AppendArchive stores the original change payload.
	AppendArchive(ctx context.Context, rec ArchiveRecord) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
