package sqlite

import (
	"context"
	"fmt"
	"strings"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/colval"
	"driftsync/internal/domain"
	"driftsync/pkg/logger"
)

const (
	changesTable = "driftsync_changes"
	stateTable   = "driftsync_state"
)

// Schema prepares a database for synchronization: the bookkeeping tables,
// and the overlay columns on each watched application table.
type Schema struct {
	txm    *TxManager
	logger *logger.Logger
}

// NewSchema creates the schema manager.
func NewSchema(txm *TxManager, lg *logger.Logger) *Schema {
	if lg == nil {
		lg = logger.Default()
	}
	return &Schema{txm: txm, logger: lg.WithComponent("schema")}
}

// EnsureCore creates the change-log and state tables when absent.
func (s *Schema) EnsureCore(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + changesTable + ` (
			txid       INTEGER PRIMARY KEY,
			table_name TEXT NOT NULL,
			record_pk  TEXT NOT NULL,
			device_id  INTEGER NOT NULL,
			action     TEXT NOT NULL,
			payload    TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + stateTable + ` (
			attribute  TEXT PRIMARY KEY,
			num_value  INTEGER NOT NULL DEFAULT 0,
			text_value TEXT
		)`,
	}

	q := s.txm.GetQuerier(ctx)
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create sync tables: %w", err)
		}
	}
	return nil
}

// Watch ensures table carries the sync overlay columns and returns its full
// schema with column kinds read back from the database. Calling Watch on an
// already-watched table is a no-op.
func (s *Schema) Watch(ctx context.Context, cfg domain.TableConfig) (domain.TableSchema, error) {
	cols, err := s.tableColumns(ctx, cfg.Name)
	if err != nil {
		return domain.TableSchema{}, err
	}
	if len(cols) == 0 {
		return domain.TableSchema{}, apperror.NewValidation("table does not exist").WithDetail("table", cfg.Name)
	}
	if _, ok := cols[cfg.PrimaryKey]; !ok {
		return domain.TableSchema{}, apperror.NewValidation("primary key column missing").
			WithDetail("table", cfg.Name).
			WithDetail("column", cfg.PrimaryKey)
	}

	overlay := []struct {
		name string
		ddl  string
	}{
		{domain.ColClientTS, domain.ColClientTS + " INTEGER NOT NULL DEFAULT 0"},
		{domain.ColServerTS, domain.ColServerTS + " INTEGER"},
		{domain.ColDeviceID, domain.ColDeviceID + " INTEGER NOT NULL DEFAULT 0"},
		{domain.ColDeleteTS, domain.ColDeleteTS + " INTEGER"},
	}

	q := s.txm.GetQuerier(ctx)
	for _, col := range overlay {
		if _, ok := cols[col.name]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %q ADD COLUMN %s", cfg.Name, col.ddl)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return domain.TableSchema{}, fmt.Errorf("add column %s to %s: %w", col.name, cfg.Name, err)
		}
		cols[col.name] = colval.KindInt
		s.logger.Infow("overlay column added", "table", cfg.Name, "column", col.name)
	}

	return domain.TableSchema{Config: cfg, Columns: cols}, nil
}

// tableColumns reads a table's columns and maps declared types to kinds.
func (s *Schema) tableColumns(ctx context.Context, table string) (map[string]colval.Kind, error) {
	rows, err := s.txm.GetQuerier(ctx).QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]colval.Kind)
	for rows.Next() {
		var (
			cid      int
			name     string
			declType string
			notNull  int
			dflt     any
			pk       int
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols[name] = kindOf(declType)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inspect table %s: %w", table, err)
	}
	return cols, nil
}

// kindOf maps a declared SQLite column type to a value kind, following the
// affinity rules.
func kindOf(declType string) colval.Kind {
	t := strings.ToUpper(declType)
	switch {
	case strings.Contains(t, "BOOL"):
		return colval.KindBool
	case strings.Contains(t, "INT"):
		return colval.KindInt
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"):
		return colval.KindString
	case strings.Contains(t, "BLOB"), t == "":
		return colval.KindBytes
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"),
		strings.Contains(t, "DOUB"), strings.Contains(t, "NUM"), strings.Contains(t, "DEC"):
		return colval.KindFloat
	}
	return colval.KindString
}
