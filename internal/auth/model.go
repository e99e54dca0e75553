// Package auth registers devices with the authority and issues the bearer
// tokens the sync transport presents. A device account owns one clock
// identity for its whole life; the id is assigned at registration and
// never reused.
package auth

import (
	"time"
)

// DeviceAccount is one registered device. ID is the clock identity baked
// into every timestamp the device mints.
type DeviceAccount struct {
	ID         int64      `db:"id"`
	Name       string     `db:"name"`
	SecretHash string     `db:"secret_hash"`
	CreatedAt  time.Time  `db:"created_at"`
	LastSeenAt *time.Time `db:"last_seen_at"`
}

// Credentials is a device login request.
type Credentials struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// RegisterRequest creates a new device account.
type RegisterRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// Token is an issued bearer token.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
