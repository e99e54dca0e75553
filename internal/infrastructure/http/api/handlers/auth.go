package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"driftsync/internal/auth"
)

// AuthHandler handles device registration and login.
type AuthHandler struct {
	*BaseHandler
	service *auth.Service
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(base *BaseHandler, service *auth.Service) *AuthHandler {
	return &AuthHandler{
		BaseHandler: base,
		service:     service,
	}
}

// DeviceResponse describes a registered device.
type DeviceResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// LoginResponse carries the issued token together with the device identity
// the client must adopt for change stamping.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	DeviceID  int64     `json:"deviceId"`
	Name      string    `json:"name"`
}

// Register handles POST /auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	ctx := c.Request.Context()

	var req auth.RegisterRequest
	if !h.BindJSON(c, &req) {
		return
	}

	device, err := h.service.Register(ctx, req)
	if err != nil {
		h.Error(c, err)
		return
	}

	c.JSON(http.StatusCreated, DeviceResponse{
		ID:        device.ID,
		Name:      device.Name,
		CreatedAt: device.CreatedAt,
	})
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	ctx := c.Request.Context()

	var req auth.Credentials
	if !h.BindJSON(c, &req) {
		return
	}

	token, device, err := h.service.Login(ctx, req)
	if err != nil {
		h.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
		DeviceID:  device.ID,
		Name:      device.Name,
	})
}

// RegisterRoutes registers auth routes.
func (h *AuthHandler) RegisterRoutes(public *gin.RouterGroup) {
	public.POST("/register", h.Register)
	public.POST("/login", h.Login)
}
