// Package auth implements the engine's authentication primitives: the
// memory-hard password KDF used at registration/login, and the device
// capability tokens issued at login and checked by the HTTP management
// plane's bearer-token middleware.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// DeviceClaims identifies the device and user a capability token was
// issued for.
type DeviceClaims struct {
	UserID   string
	DeviceID string
}

// TokenIssuerConfig configures the device capability token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates device capability tokens, which let
// a device act on behalf of its owning user against the HTTP management
// plane. A token carries whatever device id the caller supplies at
// login; the issuer does not check that the device was authorized.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// deviceTokenClaims carries DeviceClaims fields inside the registered
// JWT claim set.
type deviceTokenClaims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// IssueDeviceToken produces a signed capability token and its expiry
// (seconds) for an authorized device.
func (i *TokenIssuer) IssueDeviceToken(_ context.Context, claims DeviceClaims) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if claims.UserID == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := deviceTokenClaims{
		DeviceID: claims.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.UserID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the capability token is well formed and
// returns the claims it carries.
func (i *TokenIssuer) ValidateToken(tokenString string) (DeviceClaims, error) {
	if len(i.config.SigningSecret) == 0 {
		return DeviceClaims{}, errMissingSigningSecret
	}

	claims := &deviceTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return DeviceClaims{}, err
	}
	if claims.Subject == "" {
		return DeviceClaims{}, errMissingSubjectClaim
	}
	return DeviceClaims{UserID: claims.Subject, DeviceID: claims.DeviceID}, nil
}
