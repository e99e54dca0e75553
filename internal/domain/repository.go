// Package domain provides the shared contracts the synchronization services
// are built on. Storage implementations live in infrastructure/storage.
package domain

import (
	"context"

	"driftsync/internal/core/colval"
)

// Overlay columns every synchronized table carries.
const (
	ColClientTS = "client_ts"
	ColServerTS = "server_ts"
	ColDeviceID = "device_id"
	ColDeleteTS = "delete_ts"
)

// TableConfig names a watched table and its primary-key column.
type TableConfig struct {
	Name       string
	PrimaryKey string
}

// TableSchema describes a watched table: its configuration plus the column
// kinds, overlay columns included. Schemas are read once at startup and are
// immutable afterwards.
type TableSchema struct {
	Config  TableConfig
	Columns map[string]colval.Kind
}

// HasColumn reports whether the table carries the column.
func (s TableSchema) HasColumn(col string) bool {
	_, ok := s.Columns[col]
	return ok
}

// RowStore is the engine's surface over the watched tables.
//
// Upsert performs a full replace: columns absent from the row keep their
// SQL defaults on insert and are overwritten to those defaults on conflict,
// so callers must pass complete rows.
type RowStore interface {
	// Tables returns the schemas of all watched tables.
	Tables() []TableSchema

	// Schema returns the schema of one watched table.
	Schema(table string) (TableSchema, bool)

	// Get reads a row by primary key. found is false when the row does
	// not exist.
	Get(ctx context.Context, table, pk string) (row colval.RowSnapshot, found bool, err error)

	// Upsert inserts the row or fully replaces the existing one.
	Upsert(ctx context.Context, table, pk string, row colval.RowSnapshot) error

	// SetServerTS writes the authoritative timestamp onto a row.
	SetServerTS(ctx context.Context, table, pk string, serverTS int64) error

	// Purge permanently removes a row. Removing an absent row is not an
	// error; existed reports whether anything was deleted.
	Purge(ctx context.Context, table, pk string) (existed bool, err error)

	// MaxServerTS scans the table for the highest acknowledged timestamp.
	// ok is false when no row carries one.
	MaxServerTS(ctx context.Context, table string) (ts int64, ok bool, err error)
}

// StateStore is the reserved attribute table holding the device identity,
// the clock counter, and the per-table watermarks.
type StateStore interface {
	// DeviceID returns the persisted device identity.
	// found is false on a fresh store.
	DeviceID(ctx context.Context) (id int64, found bool, err error)

	// SetDeviceID persists the device identity. Called exactly once per
	// store lifetime.
	SetDeviceID(ctx context.Context, id int64) error

	// LoadCounter returns the last issued clock value (zero on a fresh
	// store).
	LoadCounter(ctx context.Context) (int64, error)

	// StoreCounter persists the clock value, joining the surrounding
	// transaction when one is active.
	StoreCounter(ctx context.Context, value int64) error

	// Watermark returns the cached maximum server_ts for a table.
	Watermark(ctx context.Context, table string) (ts int64, found bool, err error)

	// SetWatermark caches the maximum server_ts for a table.
	SetWatermark(ctx context.Context, table string, ts int64) error
}
