package sqlite

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"driftsync/internal/core/apperror"
	"driftsync/internal/domain/changelog"
)

// Compile-time check that ChangeLogRepo implements changelog.Repository.
var _ changelog.Repository = (*ChangeLogRepo)(nil)

var changeColumns = []string{"txid", "table_name", "record_pk", "device_id", "action", "payload"}

// ChangeLogRepo stores pending change entries in the bookkeeping table.
type ChangeLogRepo struct {
	txm     *TxManager
	builder squirrel.StatementBuilderType
}

// NewChangeLogRepo creates the change-log repository.
func NewChangeLogRepo(txm *TxManager) *ChangeLogRepo {
	return &ChangeLogRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

// Append adds an entry. The txid primary key makes double-appends of the
// same timestamp a hard error rather than silent corruption.
func (r *ChangeLogRepo) Append(ctx context.Context, entry changelog.Entry) error {
	q := r.builder.Insert(changesTable).
		Columns(changeColumns...).
		Values(entry.Txid, entry.TableName, entry.RecordPK, entry.DeviceID, string(entry.Action), string(entry.Payload))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		return apperror.NewDatabase("append change entry", err)
	}
	return nil
}

// ListPending returns all entries ordered by txid ascending.
func (r *ChangeLogRepo) ListPending(ctx context.Context) ([]changelog.Entry, error) {
	q := r.builder.Select(changeColumns...).
		From(changesTable).
		OrderBy("txid ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var entries []changelog.Entry
	if err := sqlscan.Select(ctx, r.txm.GetQuerier(ctx), &entries, sqlStr, args...); err != nil {
		return nil, apperror.NewDatabase("list pending changes", err)
	}
	return entries, nil
}

// Count returns the number of pending entries.
func (r *ChangeLogRepo) Count(ctx context.Context) (int64, error) {
	q := r.builder.Select("COUNT(*)").From(changesTable)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build select: %w", err)
	}

	var n int64
	if err := r.txm.GetQuerier(ctx).QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, apperror.NewDatabase("count pending changes", err)
	}
	return n, nil
}

// DeleteByTxids removes individually acknowledged entries.
func (r *ChangeLogRepo) DeleteByTxids(ctx context.Context, txids []int64) error {
	if len(txids) == 0 {
		return nil
	}

	q := r.builder.Delete(changesTable).Where(squirrel.Eq{"txid": txids})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		return apperror.NewDatabase("delete change entries", err)
	}
	return nil
}

// DeleteThrough removes every entry up to and including maxTxid. Entries
// appended after the batch was read keep higher txids and stay queued.
func (r *ChangeLogRepo) DeleteThrough(ctx context.Context, maxTxid int64) error {
	q := r.builder.Delete(changesTable).Where(squirrel.LtOrEq{"txid": maxTxid})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		return apperror.NewDatabase("prune change log", err)
	}
	return nil
}
