// Package clock issues the hybrid logical timestamps that order every
// synchronized write. A timestamp is a single int64 packing milliseconds
// since a fixed epoch in the high bits and the device id in the low bits,
// so values are globally unique and causally ordered without coordination.
package clock

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"driftsync/internal/core/apperror"
)

const (
	// DeviceIDBits is the width reserved for the device id in the low-order
	// bits of every timestamp.
	DeviceIDBits = 12

	// MaxDeviceID is the largest device id that fits the reserved width.
	MaxDeviceID = 1<<DeviceIDBits - 1

	// tick is one logical increment: the smallest step that advances a
	// packed timestamp without touching its device bits.
	tick = 1 << DeviceIDBits
)

// Epoch anchors the physical component. 2020-01-01T00:00:00Z.
var Epoch = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultSkewThreshold is how far an authoritative timestamp may differ from
// the client-issued one before a warning is logged: 30 seconds of timestamp
// space at the packed layout.
const DefaultSkewThreshold = int64(30_000) << DeviceIDBits

// Pack combines milliseconds since Epoch with a device id into a timestamp.
func Pack(elapsedMs, deviceID int64) int64 {
	return elapsedMs<<DeviceIDBits | (deviceID & MaxDeviceID)
}

// DeviceIDOf extracts the device id encoded in a timestamp.
func DeviceIDOf(ts int64) int64 {
	return ts & MaxDeviceID
}

// WallTimeOf returns the wall-clock instant encoded in a timestamp.
func WallTimeOf(ts int64) time.Time {
	return Epoch.Add(time.Duration(ts>>DeviceIDBits) * time.Millisecond)
}

// ValidateDeviceID rejects device ids that do not fit the reserved bit
// width. A failure here is fatal: the engine must refuse writes rather than
// mint colliding timestamps.
func ValidateDeviceID(id int64) error {
	if id < 0 || id > MaxDeviceID {
		return apperror.NewIdentityConfig(
			fmt.Sprintf("device id %d outside the reserved %d-bit range [0, %d]", id, DeviceIDBits, MaxDeviceID))
	}
	return nil
}

// GenerateDeviceID draws a random device id within the reserved width.
// Used on first run when no identity was supplied. Zero is skipped so
// generated identities never collide with the unstamped column default.
func GenerateDeviceID() (int64, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate device id: %w", err)
		}
		if id := int64(binary.BigEndian.Uint64(buf[:]) & MaxDeviceID); id != 0 {
			return id, nil
		}
	}
}

// CounterStore persists the last issued timestamp. The store must apply
// writes atomically with respect to the surrounding transaction so a crash
// never rolls the counter behind an already-visible timestamp.
type CounterStore interface {
	LoadCounter(ctx context.Context) (int64, error)
	StoreCounter(ctx context.Context, value int64) error
}

// Authority mints strictly increasing, device-tagged timestamps. There must
// be exactly one Authority per store instance; every component that needs a
// timestamp goes through it.
type Authority struct {
	mu       sync.Mutex
	deviceID int64
	counter  int64
	loaded   bool
	store    CounterStore
	now      func() time.Time
}

// Option customizes an Authority.
type Option func(*Authority)

// WithNowFunc overrides the wall-clock source. Tests use this to simulate
// clock regression.
func WithNowFunc(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates the clock authority for the given device identity.
// Returns an identity configuration error when the id exceeds the reserved
// bit width; callers must treat that as fatal.
func NewAuthority(store CounterStore, deviceID int64, opts ...Option) (*Authority, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	a := &Authority{
		deviceID: deviceID,
		store:    store,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// DeviceID returns the identity encoded into every issued timestamp.
func (a *Authority) DeviceID() int64 {
	return a.deviceID
}

// Next issues the next timestamp: max(counter + one tick, now packed with the
// device bits), persisted before it is returned. Monotonic even when the
// wall clock is set backward between calls.
func (a *Authority) Next(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.loaded {
		stored, err := a.store.LoadCounter(ctx)
		if err != nil {
			return 0, fmt.Errorf("load clock counter: %w", err)
		}
		a.counter = stored
		a.loaded = true
	}

	candidate := Pack(a.elapsedMs(), a.deviceID)
	next := a.counter + tick
	if candidate > next {
		next = candidate
	}

	if err := a.store.StoreCounter(ctx, next); err != nil {
		return 0, fmt.Errorf("persist clock counter: %w", err)
	}
	a.counter = next
	return next, nil
}

// Current returns the last issued timestamp without advancing the clock.
// Zero means nothing was issued yet by this process.
func (a *Authority) Current() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counter
}

func (a *Authority) elapsedMs() int64 {
	elapsed := a.now().UTC().Sub(Epoch).Milliseconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
