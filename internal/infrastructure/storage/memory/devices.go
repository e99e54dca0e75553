package memory

import (
	"context"
	gosync "sync"
	"time"

	"driftsync/internal/auth"
	"driftsync/internal/core/apperror"
)

// Compile-time check that DeviceRepo implements auth.DeviceRepository.
var _ auth.DeviceRepository = (*DeviceRepo)(nil)

// DeviceRepo keeps device accounts in process memory.
type DeviceRepo struct {
	mu     gosync.Mutex
	byName map[string]*auth.DeviceAccount
	byID   map[int64]*auth.DeviceAccount
	maxID  int64
}

// NewDeviceRepo creates an empty repository.
func NewDeviceRepo() *DeviceRepo {
	return &DeviceRepo{
		byName: make(map[string]*auth.DeviceAccount),
		byID:   make(map[int64]*auth.DeviceAccount),
	}
}

// Create stores a new device account.
func (r *DeviceRepo) Create(_ context.Context, device *auth.DeviceAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *device
	r.byName[cp.Name] = &cp
	r.byID[cp.ID] = &cp
	if cp.ID > r.maxID {
		r.maxID = cp.ID
	}
	return nil
}

// GetByName fetches a device account by its unique name.
func (r *DeviceRepo) GetByName(_ context.Context, name string) (*auth.DeviceAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byName[name]
	if !ok {
		return nil, apperror.NewNotFound("device", name)
	}
	cp := *device
	return &cp, nil
}

// GetByID fetches a device account by its clock identity.
func (r *DeviceRepo) GetByID(_ context.Context, deviceID int64) (*auth.DeviceAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byID[deviceID]
	if !ok {
		return nil, apperror.NewNotFound("device", deviceID)
	}
	cp := *device
	return &cp, nil
}

// Exists reports whether a device name is taken.
func (r *DeviceRepo) Exists(_ context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	return ok, nil
}

// NextID returns the next unassigned device id.
func (r *DeviceRepo) NextID(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxID + 1, nil
}

// TouchLastSeen records a successful login.
func (r *DeviceRepo) TouchLastSeen(_ context.Context, deviceID int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if device, ok := r.byID[deviceID]; ok {
		device.LastSeenAt = &at
	}
	return nil
}
