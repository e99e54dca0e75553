package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"driftsync/internal/core/apperror"
	"driftsync/internal/core/clock"
	"driftsync/internal/core/tx"
	"driftsync/pkg/logger"
)

// ServiceConfig holds auth service configuration.
type ServiceConfig struct {
	SecretMinLength int
}

// DefaultServiceConfig returns default configuration.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		SecretMinLength: 8,
	}
}

// Service registers devices and authenticates logins.
type Service struct {
	devices DeviceRepository
	txm     tx.Manager
	jwt     *JWTService
	config  ServiceConfig
	logger  *logger.Logger
}

// NewService creates the auth service.
func NewService(devices DeviceRepository, txm tx.Manager, jwtService *JWTService, config ServiceConfig, lg *logger.Logger) *Service {
	if lg == nil {
		lg = logger.Default()
	}
	return &Service{
		devices: devices,
		txm:     txm,
		jwt:     jwtService,
		config:  config,
		logger:  lg.WithComponent("auth"),
	}
}

// Register creates a device account and assigns its clock identity. Ids
// are handed out sequentially from 1; identity 0 belongs to the authority
// sequencer and is never assigned.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*DeviceAccount, error) {
	if req.Name == "" {
		return nil, apperror.NewValidation("device name is required").WithDetail("field", "name")
	}
	if len(req.Secret) < s.config.SecretMinLength {
		return nil, apperror.NewValidation(
			fmt.Sprintf("secret must be at least %d characters", s.config.SecretMinLength),
		).WithDetail("field", "secret")
	}

	exists, err := s.devices.Exists(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("check device exists: %w", err)
	}
	if exists {
		return nil, apperror.NewConflict("device name already registered").WithDetail("name", req.Name)
	}

	secretHash, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash secret: %w", err)
	}

	device := &DeviceAccount{
		Name:       req.Name,
		SecretHash: string(secretHash),
		CreatedAt:  time.Now().UTC(),
	}

	err = s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		nextID, err := s.devices.NextID(ctx)
		if err != nil {
			return fmt.Errorf("assign device id: %w", err)
		}
		if nextID > clock.MaxDeviceID {
			return apperror.NewConflict("device id space exhausted").
				WithDetail("max", clock.MaxDeviceID)
		}
		device.ID = nextID
		if err := s.devices.Create(ctx, device); err != nil {
			return fmt.Errorf("create device: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infow("device registered", "device_id", device.ID, "name", device.Name)
	return device, nil
}

// Login authenticates a device and issues a bearer token.
func (s *Service) Login(ctx context.Context, creds Credentials) (*Token, *DeviceAccount, error) {
	device, err := s.devices.GetByName(ctx, creds.Name)
	if err != nil {
		return nil, nil, apperror.NewUnauthorized("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(device.SecretHash), []byte(creds.Secret)); err != nil {
		return nil, nil, apperror.NewUnauthorized("invalid credentials")
	}

	tokenString, expiresAt, err := s.jwt.GenerateToken(device)
	if err != nil {
		return nil, nil, fmt.Errorf("generate token: %w", err)
	}

	now := time.Now().UTC()
	if err := s.devices.TouchLastSeen(ctx, device.ID, now); err != nil {
		s.logger.Warnw("record last seen failed", "device_id", device.ID, "error", err)
	}
	device.LastSeenAt = &now

	s.logger.Infow("device logged in", "device_id", device.ID, "name", device.Name)
	return &Token{Token: tokenString, ExpiresAt: expiresAt}, device, nil
}
