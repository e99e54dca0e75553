package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"driftsync/internal/core/apperror"
	appctx "driftsync/internal/core/context"
)

// HeaderDeviceID carries the sender's device identity. Clients set it on
// every call; when present it must agree with the token.
const HeaderDeviceID = "X-Device-ID"

// TokenValidator validates bearer tokens issued to devices.
type TokenValidator interface {
	ValidateToken(tokenString string) (*appctx.DeviceContext, error)
}

// DeviceAuth middleware validates device JWT tokens and populates device
// context for everything downstream (handlers, logging, the sequencer).
func DeviceAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		device, err := validator.ValidateToken(parts[1])
		if err != nil {
			_ = c.Error(apperror.NewUnauthorized("invalid token"))
			c.Abort()
			return
		}

		// Enforce identity match: the X-Device-ID header, when sent, must
		// name the same device the token was issued to.
		if header := c.GetHeader(HeaderDeviceID); header != "" {
			headerID, parseErr := strconv.ParseInt(header, 10, 64)
			if parseErr != nil || headerID != device.DeviceID {
				_ = c.Error(
					apperror.NewForbidden("device mismatch").
						WithDetail("header_device_id", header).
						WithDetail("token_device_id", device.DeviceID),
				)
				c.Abort()
				return
			}
		}

		ctx := appctx.WithDevice(c.Request.Context(), device)
		c.Request = c.Request.WithContext(ctx)

		// Store in gin context for easy access
		c.Set("device_id", device.DeviceID)
		c.Set("device_name", device.DeviceName)

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	_ = c.Error(apperror.NewUnauthorized(message))
	c.Abort()
}
