package changelog

import (
	"context"
	"fmt"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/clock"
	"driftsync/internal/core/colval"
	"driftsync/internal/core/tx"
	"driftsync/internal/domain"
	"driftsync/pkg/logger"
)

// Capture intercepts writes to watched tables. It stamps identity and
// timestamp onto each row, performs the write, and appends a change entry
// in the same transaction, but only for rows carrying the local device
// identity. Replicated rows pass through without being re-captured, which
// is what keeps a device's own writes from echoing back out.
type Capture struct {
	rows     domain.RowStore
	log      Repository
	clock    *clock.Authority
	txm      tx.Manager
	logger   *logger.Logger
	onCommit func()
}

// NewCapture creates the write interceptor.
func NewCapture(rows domain.RowStore, log Repository, authority *clock.Authority, txm tx.Manager, lg *logger.Logger) *Capture {
	if lg == nil {
		lg = logger.Default()
	}
	return &Capture{
		rows:   rows,
		log:    log,
		clock:  authority,
		txm:    txm,
		logger: lg.WithComponent("capture"),
	}
}

// OnCommit registers a listener notified after every commit that appended
// a change entry. The auto-sync scheduler uses this as its change-growth
// signal; replicated writes never fire it.
func (c *Capture) OnCommit(fn func()) {
	c.onCommit = fn
}

// Write applies a locally originated mutation. Columns absent from values
// keep their current content; the row is created when it does not exist.
func (c *Capture) Write(ctx context.Context, table, pk string, values map[string]any) error {
	schema, err := c.schemaFor(table, pk)
	if err != nil {
		return err
	}

	patch, err := colval.FromMap(values)
	if err != nil {
		return apperror.NewValidation("unsupported column value").WithCause(err).WithDetail("table", table)
	}
	if err := c.checkColumns(schema, patch); err != nil {
		return err
	}

	explicit := make(map[string]bool, len(patch))
	for col := range patch {
		explicit[col] = true
	}

	return c.commit(ctx, schema, pk, func(old colval.RowSnapshot) colval.RowSnapshot {
		next := old.Clone()
		if next == nil {
			next = make(colval.RowSnapshot, len(patch)+4)
		}
		for col, v := range patch {
			next[col] = v
		}
		return next
	}, explicit)
}

// WriteRow is Write for callers that already hold typed column values.
// Every column in row counts as writer-set: a foreign device identity is
// stored untouched and never logged. This is the path replicated rows take.
func (c *Capture) WriteRow(ctx context.Context, table, pk string, row colval.RowSnapshot) error {
	schema, err := c.schemaFor(table, pk)
	if err != nil {
		return err
	}
	if err := c.checkColumns(schema, row); err != nil {
		return err
	}

	explicit := make(map[string]bool, len(row))
	for col := range row {
		explicit[col] = true
	}

	return c.commit(ctx, schema, pk, func(old colval.RowSnapshot) colval.RowSnapshot {
		next := old.Clone()
		if next == nil {
			next = make(colval.RowSnapshot, len(row)+4)
		}
		for col, v := range row {
			next[col] = v
		}
		return next
	}, explicit)
}

// SoftDelete marks a row deleted without removing it, so the deletion can
// propagate through sync before physical removal. The minted timestamp
// serves as delete marker, client_ts and change txid alike.
func (c *Capture) SoftDelete(ctx context.Context, table, pk string) error {
	ts, err := c.clock.Next(ctx)
	if err != nil {
		return fmt.Errorf("soft delete %s[%s]: %w", table, pk, err)
	}
	return c.Write(ctx, table, pk, map[string]any{
		domain.ColDeleteTS: ts,
		domain.ColClientTS: ts,
	})
}

func (c *Capture) schemaFor(table, pk string) (domain.TableSchema, error) {
	if pk == "" {
		return domain.TableSchema{}, apperror.NewValidation("empty primary key").WithDetail("table", table)
	}
	schema, ok := c.rows.Schema(table)
	if !ok {
		return domain.TableSchema{}, apperror.NewValidation("table is not synchronized").WithDetail("table", table)
	}
	return schema, nil
}

func (c *Capture) checkColumns(schema domain.TableSchema, row colval.RowSnapshot) error {
	for col := range row {
		if !schema.HasColumn(col) {
			return apperror.NewValidation("unknown column").
				WithDetail("table", schema.Config.Name).
				WithDetail("column", col)
		}
	}
	return nil
}

// commit runs the read-stamp-write-log sequence in one transaction.
func (c *Capture) commit(ctx context.Context, schema domain.TableSchema, pk string, build func(old colval.RowSnapshot) colval.RowSnapshot, explicit map[string]bool) error {
	table := schema.Config.Name

	logged := false
	err := c.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		old, exists, err := c.rows.Get(ctx, table, pk)
		if err != nil {
			return fmt.Errorf("read %s[%s]: %w", table, pk, err)
		}

		next := build(old)
		if !next.Has(schema.Config.PrimaryKey) {
			next[schema.Config.PrimaryKey] = colval.String(pk)
		}

		txid, err := c.stamp(ctx, next, explicit)
		if err != nil {
			return err
		}

		if err := c.rows.Upsert(ctx, table, pk, next); err != nil {
			return fmt.Errorf("write %s[%s]: %w", table, pk, err)
		}

		deviceID, _ := next.Int(domain.ColDeviceID)
		if deviceID != c.clock.DeviceID() {
			// Replicated write: stored, never re-captured.
			return nil
		}

		action := classifyAction(exists, old, next)
		payload := Payload{New: next}
		if exists {
			payload.Old = old
		}
		encoded, err := EncodePayload(payload)
		if err != nil {
			return err
		}

		entry := Entry{
			Txid:      txid,
			TableName: table,
			RecordPK:  pk,
			DeviceID:  deviceID,
			Action:    action,
			Payload:   encoded,
		}
		if err := c.log.Append(ctx, entry); err != nil {
			return fmt.Errorf("append change entry: %w", err)
		}
		logged = true
		return nil
	})
	if err != nil {
		return err
	}

	if logged && c.onCommit != nil {
		c.onCommit()
	}
	return nil
}

// stamp fills device_id and client_ts unless the writer set them, and
// returns the client_ts that doubles as the change txid. An explicitly
// written device_id is honored even when it is zero; zero is a valid
// identity, and the replicated-row path depends on pass-through.
func (c *Capture) stamp(ctx context.Context, row colval.RowSnapshot, explicit map[string]bool) (int64, error) {
	if !explicit[domain.ColDeviceID] {
		row[domain.ColDeviceID] = colval.Int(c.clock.DeviceID())
	}

	ts, ok := row.Int(domain.ColClientTS)
	if !explicit[domain.ColClientTS] || !ok || ts == 0 {
		fresh, err := c.clock.Next(ctx)
		if err != nil {
			return 0, fmt.Errorf("issue timestamp: %w", err)
		}
		row[domain.ColClientTS] = colval.Int(fresh)
		return fresh, nil
	}
	return ts, nil
}

// classifyAction separates the delete transition (delete_ts going null to
// non-null) from ordinary updates.
func classifyAction(exists bool, old, next colval.RowSnapshot) Action {
	if !exists {
		return ActionInsert
	}
	_, wasDeleted := old.Int(domain.ColDeleteTS)
	_, isDeleted := next.Int(domain.ColDeleteTS)
	if !wasDeleted && isDeleted {
		return ActionDelete
	}
	return ActionUpdate
}
