package sync

import (
	"context"
	"fmt"

	"driftsync/internal/core/colval"
	"driftsync/internal/domain"
	"driftsync/pkg/logger"
)

// HydrateStats summarizes one bulk load.
type HydrateStats struct {
	Tables  int
	Applied int
	Skipped int
	Purged  int
	Failed  int
}

// Hydrator pulls full table snapshots from the authority and routes every
// row through the applier. Used on first run and whenever a device has been
// offline past the reach of the realtime stream.
type Hydrator struct {
	transport Transport
	applier   *Applier
	rows      domain.RowStore
	state     domain.StateStore
	logger    *logger.Logger
}

// NewHydrator creates the bulk-load service.
func NewHydrator(transport Transport, applier *Applier, rows domain.RowStore, state domain.StateStore, lg *logger.Logger) *Hydrator {
	if lg == nil {
		lg = logger.Default()
	}
	return &Hydrator{
		transport: transport,
		applier:   applier,
		rows:      rows,
		state:     state,
		logger:    lg.WithComponent("hydrator"),
	}
}

// Hydrate bulk-loads the named tables, or every watched table when tables
// is empty. A failure applying one row is logged and counted, never fatal
// for the batch; a transport failure aborts the whole load.
func (h *Hydrator) Hydrate(ctx context.Context, tables []string) (HydrateStats, error) {
	if len(tables) == 0 {
		for _, schema := range h.rows.Tables() {
			tables = append(tables, schema.Config.Name)
		}
	}
	if len(tables) == 0 {
		return HydrateStats{}, nil
	}

	resp, err := h.transport.BulkLoad(ctx, tables)
	if err != nil {
		return HydrateStats{}, fmt.Errorf("bulk load: %w", err)
	}

	stats := HydrateStats{}
	for table, rawRows := range resp {
		schema, ok := h.rows.Schema(table)
		if !ok {
			h.logger.Warnw("bulk load returned unknown table", "table", table)
			continue
		}
		stats.Tables++

		maxServerTS := int64(0)
		for _, raw := range rawRows {
			row, err := colval.DecodeSnapshot(raw, schema.Columns)
			if err != nil {
				stats.Failed++
				h.logger.Warnw("undecodable row dropped", "table", table, "error", err)
				continue
			}
			pk, err := PKString(row, schema.Config.PrimaryKey)
			if err != nil {
				stats.Failed++
				h.logger.Warnw("row without usable primary key dropped", "table", table, "error", err)
				continue
			}

			outcome, err := h.applier.Apply(ctx, table, pk, row, OriginBulkLoad)
			if err != nil {
				stats.Failed++
				h.logger.Warnw("row application failed", "table", table, "pk", pk, "error", err)
				continue
			}
			switch outcome {
			case Applied:
				stats.Applied++
			case Skipped:
				stats.Skipped++
			case Purged:
				stats.Purged++
			}

			if ts, ok := row.Int(domain.ColServerTS); ok && ts > maxServerTS {
				maxServerTS = ts
			}
		}

		if maxServerTS > 0 {
			if err := h.advanceWatermark(ctx, table, maxServerTS); err != nil {
				h.logger.Warnw("watermark refresh failed", "table", table, "error", err)
			}
		}
	}

	h.logger.Infow("hydration completed",
		"tables", stats.Tables,
		"applied", stats.Applied,
		"skipped", stats.Skipped,
		"purged", stats.Purged,
		"failed", stats.Failed,
	)
	return stats, nil
}

// RefreshWatermark recomputes each named table's watermark from the rows
// actually present locally and overwrites the stored value, even downward.
// Meant for recovery paths, e.g. a database restored from backup whose
// stored watermark runs ahead of its data. Empty tables means every
// watched table.
func (h *Hydrator) RefreshWatermark(ctx context.Context, tables []string) error {
	if len(tables) == 0 {
		for _, schema := range h.rows.Tables() {
			tables = append(tables, schema.Config.Name)
		}
	}
	for _, table := range tables {
		ts, found, err := h.rows.MaxServerTS(ctx, table)
		if err != nil {
			return fmt.Errorf("max server_ts of %s: %w", table, err)
		}
		if !found {
			ts = 0
		}
		if err := h.state.SetWatermark(ctx, table, ts); err != nil {
			return fmt.Errorf("set watermark of %s: %w", table, err)
		}
		h.logger.Infow("watermark refreshed", "table", table, "server_ts", ts)
	}
	return nil
}

func (h *Hydrator) advanceWatermark(ctx context.Context, table string, ts int64) error {
	current, found, err := h.state.Watermark(ctx, table)
	if err != nil {
		return err
	}
	if found && current >= ts {
		return nil
	}
	return h.state.SetWatermark(ctx, table, ts)
}
