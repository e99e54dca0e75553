package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"driftsync/internal/auth"
	"driftsync/internal/core/apperror"
)

// Compile-time check that DeviceRepo implements auth.DeviceRepository.
var _ auth.DeviceRepository = (*DeviceRepo)(nil)

// DeviceRepo persists device accounts.
type DeviceRepo struct {
	txm *TxManager
}

// NewDeviceRepo creates the repository.
func NewDeviceRepo(txm *TxManager) *DeviceRepo {
	return &DeviceRepo{txm: txm}
}

// Create stores a new device account.
func (r *DeviceRepo) Create(ctx context.Context, device *auth.DeviceAccount) error {
	sql := `
		INSERT INTO ` + devicesTable + ` (id, name, secret_hash, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.txm.GetQuerier(ctx).Exec(ctx, sql,
		device.ID, device.Name, device.SecretHash, device.CreatedAt, device.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetByName fetches a device account by its unique name.
func (r *DeviceRepo) GetByName(ctx context.Context, name string) (*auth.DeviceAccount, error) {
	sql := `
		SELECT id, name, secret_hash, created_at, last_seen_at
		FROM ` + devicesTable + `
		WHERE name = $1
	`
	var device auth.DeviceAccount
	err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, name).Scan(
		&device.ID, &device.Name, &device.SecretHash, &device.CreatedAt, &device.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NewNotFound("device", name)
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return &device, nil
}

// GetByID fetches a device account by its clock identity.
func (r *DeviceRepo) GetByID(ctx context.Context, deviceID int64) (*auth.DeviceAccount, error) {
	sql := `
		SELECT id, name, secret_hash, created_at, last_seen_at
		FROM ` + devicesTable + `
		WHERE id = $1
	`
	var device auth.DeviceAccount
	err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, deviceID).Scan(
		&device.ID, &device.Name, &device.SecretHash, &device.CreatedAt, &device.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NewNotFound("device", deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return &device, nil
}

// Exists reports whether a device name is taken.
func (r *DeviceRepo) Exists(ctx context.Context, name string) (bool, error) {
	sql := `SELECT EXISTS(SELECT 1 FROM ` + devicesTable + ` WHERE name = $1)`

	var exists bool
	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check device exists: %w", err)
	}
	return exists, nil
}

// NextID returns the next unassigned device id. Runs inside the
// registration transaction, so concurrent registrations serialize on the
// insert's primary key.
func (r *DeviceRepo) NextID(ctx context.Context) (int64, error) {
	sql := `SELECT COALESCE(MAX(id), 0) + 1 FROM ` + devicesTable

	var next int64
	if err := r.txm.GetQuerier(ctx).QueryRow(ctx, sql).Scan(&next); err != nil {
		return 0, fmt.Errorf("next device id: %w", err)
	}
	return next, nil
}

// TouchLastSeen records a successful login.
func (r *DeviceRepo) TouchLastSeen(ctx context.Context, deviceID int64, at time.Time) error {
	sql := `UPDATE ` + devicesTable + ` SET last_seen_at = $2 WHERE id = $1`
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, deviceID, at); err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}
