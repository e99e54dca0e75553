package sync

import (
	"context"
	"fmt"
	"strconv"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/colval"
	"driftsync/internal/core/tx"
	"driftsync/internal/domain"
	"driftsync/internal/domain/changelog"
	"driftsync/pkg/logger"
)

// Outcome is the terminal state of applying one inbound row.
type Outcome int

const (
	// Applied means the row was upserted locally.
	Applied Outcome = iota
	// Skipped means the row was discarded: it originated here, or the
	// local copy is at least as new.
	Skipped
	// Purged means the row carried a delete marker and the local copy
	// was permanently removed.
	Purged
)

// String returns the outcome name for logs.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	case Purged:
		return "purged"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Origin records where an inbound row came from.
type Origin string

const (
	OriginBulkLoad Origin = "bulk-load"
	OriginRealtime Origin = "realtime"
)

// Applier applies inbound rows to the local store under Last-Write-Wins
// and loop-prevention rules, and finalizes soft deletes into hard deletes.
type Applier struct {
	rows        domain.RowStore
	capture     *changelog.Capture
	txm         tx.Manager
	localDevice int64
	logger      *logger.Logger
}

// NewApplier creates the inbound row applier.
func NewApplier(rows domain.RowStore, capture *changelog.Capture, txm tx.Manager, localDevice int64, lg *logger.Logger) *Applier {
	if lg == nil {
		lg = logger.Default()
	}
	return &Applier{
		rows:        rows,
		capture:     capture,
		txm:         txm,
		localDevice: localDevice,
		logger:      lg.WithComponent("applier"),
	}
}

// Apply routes one inbound row into the local store.
//
// Rules, in order: rows stamped with the local device identity are skipped
// before any storage access; rows carrying a delete marker purge the local
// copy whether or not one exists; otherwise the row wins only when its
// authoritative timestamp is newer than the local one, ties favoring the
// existing local row. Applying the same row twice is a no-op.
func (a *Applier) Apply(ctx context.Context, table, pk string, row colval.RowSnapshot, origin Origin) (Outcome, error) {
	if dev, ok := row.Int(domain.ColDeviceID); ok && dev == a.localDevice {
		return Skipped, nil
	}

	if _, deleted := row.Int(domain.ColDeleteTS); deleted {
		if _, err := a.rows.Purge(ctx, table, pk); err != nil {
			return Skipped, fmt.Errorf("purge %s[%s]: %w", table, pk, err)
		}
		a.logger.Debugw("row purged", "table", table, "pk", pk, "origin", string(origin))
		return Purged, nil
	}

	schema, ok := a.rows.Schema(table)
	if !ok {
		a.logger.Warnw("row for unknown table dropped", "table", table, "origin", string(origin))
		return Skipped, nil
	}

	filtered := a.filterColumns(schema, row, origin)

	outcome := Skipped
	err := a.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		local, exists, err := a.rows.Get(ctx, table, pk)
		if err != nil {
			return fmt.Errorf("read %s[%s]: %w", table, pk, err)
		}

		if exists {
			localTS, hasLocal := local.Int(domain.ColServerTS)
			rowTS, hasRow := row.Int(domain.ColServerTS)
			// Absent local timestamp means never acknowledged: any
			// authoritative row wins. Otherwise strictly newer wins.
			if hasLocal && (!hasRow || rowTS <= localTS) {
				return nil
			}
		}

		if err := a.capture.WriteRow(ctx, table, pk, filtered); err != nil {
			return err
		}
		outcome = Applied
		return nil
	})
	if err != nil {
		return Skipped, err
	}
	return outcome, nil
}

// filterColumns drops columns the local schema does not carry. Columns
// present locally but absent from the payload keep their existing values.
func (a *Applier) filterColumns(schema domain.TableSchema, row colval.RowSnapshot, origin Origin) colval.RowSnapshot {
	var dropped []string
	filtered := make(colval.RowSnapshot, len(row))
	for col, v := range row {
		if !schema.HasColumn(col) {
			dropped = append(dropped, col)
			continue
		}
		filtered[col] = v
	}
	if len(dropped) > 0 {
		a.logger.Warnw("unknown columns dropped",
			"origin", string(origin),
			"error", apperror.NewSchemaMismatch(schema.Config.Name, dropped),
		)
	}
	return filtered
}

// PKString extracts a row's primary-key value as the wire string form.
func PKString(row colval.RowSnapshot, pkColumn string) (string, error) {
	v, ok := row[pkColumn]
	if !ok {
		return "", fmt.Errorf("row carries no %s column", pkColumn)
	}
	switch v.Kind() {
	case colval.KindString:
		return v.StringVal(), nil
	case colval.KindInt:
		return strconv.FormatInt(v.IntVal(), 10), nil
	}
	return "", fmt.Errorf("unsupported primary key kind %v", v.Kind())
}
