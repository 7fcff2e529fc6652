package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"gorm.io/gorm"
)

var foldCase = cases.Fold()

// normalizeForUniqueness folds case and trims whitespace so "Alice"
// and "alice" collide on the same handle or email.
func normalizeForUniqueness(value string) string {
	trimmed := strings.TrimSpace(value)
	return foldCase.String(trimmed)
}

var (
	// ErrHandleTaken indicates the requested handle is already registered.
	ErrHandleTaken = errors.New("identity: handle already registered")
	// ErrEmailTaken indicates the requested email is already registered.
	ErrEmailTaken = errors.New("identity: email already registered")
	// ErrUserNotFound indicates no user matches the supplied handle.
	ErrUserNotFound = errors.New("identity: user not found")
	// ErrInvalidCredentials indicates a login attempt failed verification.
	// It is deliberately the same error for an unknown handle and a
	// wrong password, so callers cannot probe for registered handles.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrDeviceNotFound indicates no device matches the supplied id.
	ErrDeviceNotFound = errors.New("identity: device not found")
	// ErrDeviceRevoked indicates the device's access has been withdrawn.
	ErrDeviceRevoked = errors.New("identity: device revoked")
)

// PasswordHasher hashes and verifies passwords. Implemented by
// internal/auth so identity never depends on the KDF's internals.
type PasswordHasher interface {
	HashPassword(plaintext string) (string, error)
	VerifyPassword(plaintext, verifier string) (bool, error)
}

// Config describes the dependencies required to construct a Service.
type Config struct {
	Database *gorm.DB
	Hasher   PasswordHasher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages user registration, login, and device authorization.
type Service struct {
	db     *gorm.DB
	hasher PasswordHasher
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("identity: password hasher required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, hasher: cfg.Hasher, clock: clock, logger: logger}, nil
}

// RegisterUser creates a new account. handle and email uniqueness are
// enforced case-insensitively via the *_normalized unique indexes.
func (s *Service) RegisterUser(ctx context.Context, handle, email, password string) (User, error) {
	handle = strings.TrimSpace(handle)
	email = strings.TrimSpace(email)
	if handle == "" || email == "" || password == "" {
		return User{}, fmt.Errorf("identity: handle, email, and password are required")
	}

	verifier, err := s.hasher.HashPassword(password)
	if err != nil {
		return User{}, fmt.Errorf("identity: password hashing failed: %w", err)
	}

	rawID, err := uuid.NewV7()
	if err != nil {
		return User{}, err
	}

	user := User{
		UserID:           rawID.String(),
		Handle:           handle,
		HandleNormalized: normalizeForUniqueness(handle),
		Email:            email,
		EmailNormalized:  normalizeForUniqueness(email),
		PasswordVerifier: verifier,
		CreatedAt:        s.clock().UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isUniqueConstraintViolation(err, "users.handle_normalized") {
			return User{}, ErrHandleTaken
		}
		if isUniqueConstraintViolation(err, "users.email_normalized") {
			return User{}, ErrEmailTaken
		}
		s.logger.Error("user registration failed", zap.Error(err))
		return User{}, err
	}
	return user, nil
}

// Login verifies handle/password and returns the matching user. It
// always performs the constant-time verifier comparison even when the
// handle does not exist, comparing against a fixed dummy verifier, so
// that response timing does not distinguish "unknown handle" from
// "wrong password".
func (s *Service) Login(ctx context.Context, handle, password string) (User, error) {
	handle = strings.TrimSpace(handle)
	normalized := normalizeForUniqueness(handle)

	var user User
	err := s.db.WithContext(ctx).
		Where("handle_normalized = ?", normalized).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_, _ = s.hasher.VerifyPassword(password, dummyVerifier)
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}

	ok, err := s.hasher.VerifyPassword(password, user.PasswordVerifier)
	if err != nil {
		s.logger.Warn("password verification error", zap.Error(err))
		return User{}, ErrInvalidCredentials
	}
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// AuthorizeDevice registers a new device for userID under a freshly
// generated UUIDv7 device id. It does not reactivate a revoked device.
func (s *Service) AuthorizeDevice(ctx context.Context, userID, deviceType string, pushToken string) (Device, error) {
	rawID, err := uuid.NewV7()
	if err != nil {
		return Device{}, err
	}

	device := Device{
		DeviceID:     rawID.String(),
		UserID:       userID,
		DeviceType:   deviceType,
		PushToken:    pushToken,
		Status:       DeviceStatusActive,
		AuthorizedAt: s.clock().UTC(),
		LastSeenAt:   s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&device).Error; err != nil {
		return Device{}, err
	}
	return device, nil
}

// RevokeDevice withdraws a device's authorization. Its past oplog
// entries remain valid; future entries it submits are rejected by the
// merge engine's AuthorizationChecker.
func (s *Service) RevokeDevice(ctx context.Context, deviceID string) error {
	result := s.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ?", deviceID).
		Update("status", DeviceStatusRevoked)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// IsDeviceAuthorized implements engine.AuthorizationChecker: it
// reports whether deviceID is an active device belonging to userID.
func (s *Service) IsDeviceAuthorized(ctx context.Context, userID, deviceID string) (bool, error) {
	var device Device
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND user_id = ?", deviceID, userID).
		Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return device.Status == DeviceStatusActive, nil
}

// dummyVerifier is compared against when no user exists, so Login
// always performs one real KDF pass regardless of whether the handle
// is known.
const dummyVerifier = "$argon2id$v=19$m=65536,t=1,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// isUniqueConstraintViolation reports whether err is SQLite's unique
// violation for column, which it names as "table.column".
func isUniqueConstraintViolation(err error, column string) bool {
	return err != nil && strings.Contains(err.Error(), column)
}
