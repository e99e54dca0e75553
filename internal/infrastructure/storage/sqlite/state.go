package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/clock"
	"driftsync/internal/domain"
)

// State attribute keys.
const (
	attrDeviceID     = "device_id"
	attrClockCounter = "clock_counter"
	watermarkPrefix  = "watermark:"
)

// Compile-time checks: StateStore backs both the engine state and the
// clock counter persistence.
var (
	_ domain.StateStore  = (*StateStore)(nil)
	_ clock.CounterStore = (*StateStore)(nil)
)

// StateStore persists engine bookkeeping in a single attribute table: the
// device identity, the clock counter, and per-table server watermarks.
type StateStore struct {
	txm     *TxManager
	builder squirrel.StatementBuilderType
}

// NewStateStore creates the state repository.
func NewStateStore(txm *TxManager) *StateStore {
	return &StateStore{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

// DeviceID returns the persisted device identity.
func (s *StateStore) DeviceID(ctx context.Context) (int64, bool, error) {
	return s.num(ctx, attrDeviceID)
}

// SetDeviceID persists the device identity. It is written once and never
// changes for the lifetime of the database.
func (s *StateStore) SetDeviceID(ctx context.Context, id int64) error {
	return s.setNum(ctx, attrDeviceID, id)
}

// LoadCounter returns the persisted clock counter, zero when never stored.
func (s *StateStore) LoadCounter(ctx context.Context) (int64, error) {
	v, _, err := s.num(ctx, attrClockCounter)
	return v, err
}

// StoreCounter persists the clock counter.
func (s *StateStore) StoreCounter(ctx context.Context, value int64) error {
	return s.setNum(ctx, attrClockCounter, value)
}

// Watermark returns a table's cached high-water server timestamp.
func (s *StateStore) Watermark(ctx context.Context, table string) (int64, bool, error) {
	return s.num(ctx, watermarkPrefix+table)
}

// SetWatermark stores a table's high-water server timestamp.
func (s *StateStore) SetWatermark(ctx context.Context, table string, ts int64) error {
	return s.setNum(ctx, watermarkPrefix+table, ts)
}

func (s *StateStore) num(ctx context.Context, attribute string) (int64, bool, error) {
	q := s.builder.Select("num_value").
		From(stateTable).
		Where(squirrel.Eq{"attribute": attribute})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("build select: %w", err)
	}

	var value int64
	err = s.txm.GetQuerier(ctx).QueryRowContext(ctx, sqlStr, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperror.NewDatabase("read state "+attribute, err)
	}
	return value, true, nil
}

func (s *StateStore) setNum(ctx context.Context, attribute string, value int64) error {
	q := s.builder.Insert(stateTable).
		Columns("attribute", "num_value").
		Values(attribute, value).
		Suffix("ON CONFLICT(attribute) DO UPDATE SET num_value = excluded.num_value")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := s.txm.GetQuerier(ctx).ExecContext(ctx, sqlStr, args...); err != nil {
		return apperror.NewDatabase("write state "+attribute, err)
	}
	return nil
}
