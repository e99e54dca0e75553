package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	appctx "driftsync/internal/core/context"
)

// JWTConfig holds token configuration.
type JWTConfig struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}

// DefaultJWTConfig returns default token configuration. Device tokens live
// long; an expired one just triggers a fresh login on the next sync cycle.
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		Secret:   secret,
		Issuer:   "driftsync",
		TokenTTL: 24 * time.Hour,
	}
}

// Claims are the device token claims.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID   int64  `json:"did"`
	DeviceName string `json:"dname"`
}

// JWTService signs and validates device tokens.
type JWTService struct {
	config JWTConfig
}

// NewJWTService creates the token service.
func NewJWTService(config JWTConfig) *JWTService {
	return &JWTService{config: config}
}

// GenerateToken issues a token for an authenticated device.
func (s *JWTService) GenerateToken(device *DeviceAccount) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.config.TokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   strconv.FormatInt(device.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DeviceID:   device.ID,
		DeviceName: device.Name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ValidateToken validates a token and returns the device context.
func (s *JWTService) ValidateToken(tokenString string) (*appctx.DeviceContext, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &appctx.DeviceContext{
		DeviceID:   claims.DeviceID,
		DeviceName: claims.DeviceName,
	}, nil
}
