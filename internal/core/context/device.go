// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// DeviceContext contains the authenticated device information for a request.
type DeviceContext struct {
	DeviceID   int64
	DeviceName string
	SessionID  string
}

type deviceContextKey struct{}

// WithDevice adds DeviceContext to context.
func WithDevice(ctx context.Context, device *DeviceContext) context.Context {
	return context.WithValue(ctx, deviceContextKey{}, device)
}

// GetDevice returns DeviceContext from context.
func GetDevice(ctx context.Context) *DeviceContext {
	if v, ok := ctx.Value(deviceContextKey{}).(*DeviceContext); ok {
		return v
	}
	return nil
}

// GetDeviceID returns the device id from context, or -1 when no device is
// authenticated. Zero is a valid device id, so the absent case must be
// distinguishable.
func GetDeviceID(ctx context.Context) int64 {
	if d := GetDevice(ctx); d != nil {
		return d.DeviceID
	}
	return -1
}

// GetDeviceName returns the device name from context or empty string.
func GetDeviceName(ctx context.Context) string {
	if d := GetDevice(ctx); d != nil {
		return d.DeviceName
	}
	return ""
}
