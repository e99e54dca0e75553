package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"driftsync/internal/authority"
)

// Compile-time check that Store implements the authority persistence
// contract.
var _ authority.Store = (*Store)(nil)

// Store is the durable authority store. All statements run through the
// transaction manager's querier, so calls inside RunInTransaction share
// the surrounding transaction.
type Store struct {
	pool *Pool
	txm  *TxManager
}

// NewStore creates the store. Ensure must have run against the pool.
func NewStore(pool *Pool, txm *TxManager) *Store {
	return &Store{pool: pool, txm: txm}
}

// builder returns a squirrel builder with PostgreSQL placeholders.
func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

var rowColumns = []string{
	"table_name", "record_pk", "device_id", "client_ts",
	"server_ts", "deleted", "data", "updated_at",
}

// rowQuery builds the single-row lookup.
func rowQuery(table, pk string) (string, []any, error) {
	return builder().
		Select(rowColumns...).
		From(rowsTable).
		Where(squirrel.Eq{"table_name": table}).
		Where(squirrel.Eq{"record_pk": pk}).
		Limit(1).
		ToSql()
}

// snapshotQuery builds the full-table snapshot, ordered by server
// timestamp so receivers apply rows in authoritative order.
func snapshotQuery(table string) (string, []any, error) {
	return builder().
		Select(rowColumns...).
		From(rowsTable).
		Where(squirrel.Eq{"table_name": table}).
		OrderBy("server_ts ASC").
		ToSql()
}

// GetRow fetches the canonical copy of one record.
func (s *Store) GetRow(ctx context.Context, table, pk string) (authority.Row, bool, error) {
	sql, args, err := rowQuery(table, pk)
	if err != nil {
		return authority.Row{}, false, fmt.Errorf("build row query: %w", err)
	}

	var row authority.Row
	querier := s.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &row, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return authority.Row{}, false, nil
		}
		return authority.Row{}, false, fmt.Errorf("get row %s[%s]: %w", table, pk, err)
	}
	return row, true, nil
}

// UpsertRow replaces the canonical copy of one record.
func (s *Store) UpsertRow(ctx context.Context, row authority.Row) error {
	sql := `
		INSERT INTO ` + rowsTable + ` (
			table_name, record_pk, device_id, client_ts,
			server_ts, deleted, data, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (table_name, record_pk) DO UPDATE SET
			device_id  = EXCLUDED.device_id,
			client_ts  = EXCLUDED.client_ts,
			server_ts  = EXCLUDED.server_ts,
			deleted    = EXCLUDED.deleted,
			data       = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.txm.GetQuerier(ctx).Exec(ctx, sql,
		row.TableName, row.RecordPK, row.DeviceID, row.ClientTS,
		row.ServerTS, row.Deleted, row.Data, row.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert row %s[%s]: %w", row.TableName, row.RecordPK, err)
	}
	return nil
}

// SnapshotTable returns every canonical row of a table ordered by server
// timestamp, tombstones included.
func (s *Store) SnapshotTable(ctx context.Context, table string) ([]authority.Row, error) {
	sql, args, err := snapshotQuery(table)
	if err != nil {
		return nil, fmt.Errorf("build snapshot query: %w", err)
	}

	var rows []authority.Row
	querier := s.txm.GetQuerier(ctx)
	if err := pgxscan.Select(ctx, querier, &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", table, err)
	}
	return rows, nil
}

// ackQuery builds the idempotency ledger lookup.
func ackQuery(deviceID, clientTxid int64) (string, []any, error) {
	return builder().
		Select("device_id", "client_txid", "server_txid", "table_name", "record_pk", "created_at").
		From(acksTable).
		Where(squirrel.Eq{"device_id": deviceID}).
		Where(squirrel.Eq{"client_txid": clientTxid}).
		Limit(1).
		ToSql()
}

// GetAck looks up the idempotency ledger.
func (s *Store) GetAck(ctx context.Context, deviceID, clientTxid int64) (authority.Ack, bool, error) {
	sql, args, err := ackQuery(deviceID, clientTxid)
	if err != nil {
		return authority.Ack{}, false, fmt.Errorf("build ack query: %w", err)
	}

	var ack authority.Ack
	querier := s.txm.GetQuerier(ctx)
	if err := pgxscan.Get(ctx, querier, &ack, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return authority.Ack{}, false, nil
		}
		return authority.Ack{}, false, fmt.Errorf("get ack %d/%d: %w", deviceID, clientTxid, err)
	}
	return ack, true, nil
}

// PutAck records an accepted change in the ledger. Replays are answered
// from the existing entry, so conflicts keep the original timestamp.
func (s *Store) PutAck(ctx context.Context, ack authority.Ack) error {
	sql := `
		INSERT INTO ` + acksTable + ` (
			device_id, client_txid, server_txid, table_name, record_pk, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id, client_txid) DO NOTHING
	`
	_, err := s.txm.GetQuerier(ctx).Exec(ctx, sql,
		ack.DeviceID, ack.ClientTxid, ack.ServerTxid,
		ack.TableName, ack.RecordPK, ack.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record ack %d/%d: %w", ack.DeviceID, ack.ClientTxid, err)
	}
	return nil
}

// AppendArchive stores the original change payload.
func (s *Store) AppendArchive(ctx context.Context, rec authority.ArchiveRecord) error {
	sql := `
		INSERT INTO ` + archiveTable + ` (
			id, device_id, client_txid, server_txid, table_name, record_pk,
			action, payload, payload_compressed, compression_algo, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.txm.GetQuerier(ctx).Exec(ctx, sql,
		rec.ID, rec.DeviceID, rec.ClientTxid, rec.ServerTxid,
		rec.TableName, rec.RecordPK, rec.Action,
		rec.Payload, rec.PayloadCompressed, rec.CompressionAlgo, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("archive change %d/%d: %w", rec.DeviceID, rec.ClientTxid, err)
	}
	return nil
}

// LoadCounter returns the sequencer counter, zero on first start.
func (s *Store) LoadCounter(ctx context.Context) (int64, error) {
	var counter int64
	err := s.txm.GetQuerier(ctx).
		QueryRow(ctx, `SELECT counter FROM `+sequenceTable+` WHERE id = 1`).
		Scan(&counter)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load sequencer counter: %w", err)
	}
	return counter, nil
}

// StoreCounter persists the sequencer counter.
func (s *Store) StoreCounter(ctx context.Context, value int64) error {
	sql := `
		INSERT INTO ` + sequenceTable + ` (id, counter) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET counter = EXCLUDED.counter
	`
	if _, err := s.txm.GetQuerier(ctx).Exec(ctx, sql, value); err != nil {
		return fmt.Errorf("persist sequencer counter: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
