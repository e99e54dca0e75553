package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	gosync "sync"
	"time"

	"github.com/Masterminds/squirrel"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/colval"
	"driftsync/internal/domain"
)

// Compile-time check that RowStore implements domain.RowStore.
var _ domain.RowStore = (*RowStore)(nil)

// RowStore reads and writes watched application tables by primary key.
// Tables become visible through Register, normally called by the engine
// right after Schema.Watch.
type RowStore struct {
	txm     *TxManager
	builder squirrel.StatementBuilderType

	mu      gosync.RWMutex
	schemas map[string]domain.TableSchema
}

// NewRowStore creates the watched-table store.
func NewRowStore(txm *TxManager) *RowStore {
	return &RowStore{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		schemas: make(map[string]domain.TableSchema),
	}
}

// Register makes a watched table addressable.
func (r *RowStore) Register(schema domain.TableSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Config.Name] = schema
}

// Tables returns every registered schema, ordered by table name.
func (r *RowStore) Tables() []domain.TableSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TableSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Schema returns the schema of a registered table.
func (r *RowStore) Schema(table string) (domain.TableSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[table]
	return s, ok
}

// Get reads one row. NULL columns are absent from the snapshot.
func (r *RowStore) Get(ctx context.Context, table, pk string) (colval.RowSnapshot, bool, error) {
	schema, ok := r.Schema(table)
	if !ok {
		return nil, false, apperror.NewValidation("table is not watched").WithDetail("table", table)
	}
	names := columnNames(schema)

	q := r.builder.Select(names...).
		From(table).
		Where(squirrel.Eq{schema.Config.PrimaryKey: pk})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build select: %w", err)
	}

	rows, err := r.txm.GetQuerier(ctx).QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, false, apperror.NewDatabase("read row", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, apperror.NewDatabase("read row", err)
		}
		return nil, false, nil
	}

	raw := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, apperror.NewDatabase("scan row", err)
	}

	snap := make(colval.RowSnapshot, len(names))
	for i, name := range names {
		if raw[i] == nil {
			continue
		}
		v, err := driverValue(raw[i], schema.Columns[name])
		if err != nil {
			return nil, false, fmt.Errorf("column %s.%s: %w", table, name, err)
		}
		snap[name] = v
	}
	return snap, true, nil
}

// Upsert replaces the full row. Columns absent from the snapshot fall back
// to their declared defaults.
func (r *RowStore) Upsert(ctx context.Context, table, pk string, row colval.RowSnapshot) error {
	schema, ok := r.Schema(table)
	if !ok {
		return apperror.NewValidation("table is not watched").WithDetail("table", table)
	}

	names := row.Columns()
	if !row.Has(schema.Config.PrimaryKey) {
		names = append(names, schema.Config.PrimaryKey)
		sort.Strings(names)
	}
	values := make([]any, 0, len(names))
	for _, name := range names {
		if name == schema.Config.PrimaryKey && !row.Has(name) {
			values = append(values, pk)
			continue
		}
		values = append(values, row[name].Any())
	}

	q := r.builder.Insert(table).
		Options("OR REPLACE").
		Columns(names...).
		Values(values...)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		return apperror.NewDatabase("write row", err)
	}
	return nil
}

// SetServerTS writes the authoritative timestamp onto a row.
func (r *RowStore) SetServerTS(ctx context.Context, table, pk string, serverTS int64) error {
	schema, ok := r.Schema(table)
	if !ok {
		return apperror.NewValidation("table is not watched").WithDetail("table", table)
	}

	q := r.builder.Update(table).
		Set(domain.ColServerTS, serverTS).
		Where(squirrel.Eq{schema.Config.PrimaryKey: pk})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		return apperror.NewDatabase("write server_ts", err)
	}
	return nil
}

// Purge permanently removes a row. Purging an absent row is not an error.
func (r *RowStore) Purge(ctx context.Context, table, pk string) (bool, error) {
	schema, ok := r.Schema(table)
	if !ok {
		return false, apperror.NewValidation("table is not watched").WithDetail("table", table)
	}

	q := r.builder.Delete(table).Where(squirrel.Eq{schema.Config.PrimaryKey: pk})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete: %w", err)
	}

	res, err := r.txm.GetQuerier(ctx).ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, apperror.NewDatabase("purge row", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperror.NewDatabase("purge row", err)
	}
	return affected > 0, nil
}

// MaxServerTS returns the newest authoritative timestamp present in the
// table, used to seed watermarks.
func (r *RowStore) MaxServerTS(ctx context.Context, table string) (int64, bool, error) {
	if _, ok := r.Schema(table); !ok {
		return 0, false, apperror.NewValidation("table is not watched").WithDetail("table", table)
	}

	q := r.builder.Select("MAX(" + domain.ColServerTS + ")").From(table)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("build select: %w", err)
	}

	var max *int64
	if err := r.txm.GetQuerier(ctx).QueryRowContext(ctx, sqlStr, args...).Scan(&max); err != nil {
		return 0, false, apperror.NewDatabase("read max server_ts", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

// columnNames returns a schema's columns in stable order.
func columnNames(schema domain.TableSchema) []string {
	names := make([]string, 0, len(schema.Columns))
	for name := range schema.Columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// driverValue converts a raw driver value into the declared kind. SQLite's
// flexible typing means the stored representation can lag the declared one.
func driverValue(raw any, kind colval.Kind) (colval.Value, error) {
	switch v := raw.(type) {
	case int64:
		switch kind {
		case colval.KindBool:
			return colval.Bool(v != 0), nil
		case colval.KindFloat:
			return colval.Float(float64(v)), nil
		}
		return colval.Int(v), nil
	case float64:
		if kind == colval.KindInt {
			return colval.Int(int64(v)), nil
		}
		return colval.Float(v), nil
	case bool:
		return colval.Bool(v), nil
	case string:
		switch kind {
		case colval.KindBytes:
			return colval.Bytes([]byte(v)), nil
		case colval.KindInt:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return colval.Int(n), nil
			}
		case colval.KindFloat:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return colval.Float(f), nil
			}
		}
		return colval.String(v), nil
	case []byte:
		if kind == colval.KindString {
			return colval.String(string(v)), nil
		}
		return colval.Bytes(v), nil
	case time.Time:
		return colval.String(v.UTC().Format(time.RFC3339Nano)), nil
	}
	return colval.Value{}, fmt.Errorf("unsupported driver value %T", raw)
}
