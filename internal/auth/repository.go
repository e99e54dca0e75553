package auth

import (
	"context"
	"time"
)

// DeviceRepository persists device accounts.
type DeviceRepository interface {
	// Create stores a new device account.
	Create(ctx context.Context, device *DeviceAccount) error

	// GetByName fetches a device account by its unique name.
	GetByName(ctx context.Context, name string) (*DeviceAccount, error)

	// GetByID fetches a device account by its clock identity.
	GetByID(ctx context.Context, deviceID int64) (*DeviceAccount, error)

	// Exists reports whether a device name is taken.
	Exists(ctx context.Context, name string) (bool, error)

	// NextID returns the next unassigned device id. Called inside the
	// registration transaction so two registrations never share an id.
	NextID(ctx context.Context) (int64, error)

	// TouchLastSeen records a successful login.
	TouchLastSeen(ctx context.Context, deviceID int64, at time.Time) error
}
