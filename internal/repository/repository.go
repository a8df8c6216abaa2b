package repository

import (
	"context"
	"errors"
	"time"

	"storefront-auth/internal/models"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")

	ErrOTPNotFound          = errors.New("otp request not found")
	ErrOTPExpired           = errors.New("otp request expired")
	ErrOTPAttemptsExhausted = errors.New("otp attempts exhausted")
)

// UserRepository is the credential store. At most one user exists per
// (kind, identifier); Create reports a lost race as ErrUserExists.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, userID string) (*models.User, error)
	GetByIdentifier(ctx context.Context, kind models.IdentifierKind, identifier string) (*models.User, error)
	SetSafeKeyHash(ctx context.Context, userID, hash string, at time.Time) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	HealthCheck(ctx context.Context) error
}

// OTPLedger holds short-lived, single-use OTP request records.
type OTPLedger interface {
	Create(ctx context.Context, record *models.OTPRecord) error

	// ReserveAttempt atomically checks the record and, if it is still
	// usable, increments its attempt counter and returns the record with
	// the new count. Expired and exhausted records are deleted on the way
	// out and reported as ErrOTPExpired and ErrOTPAttemptsExhausted.
	ReserveAttempt(ctx context.Context, requestID string, now time.Time, maxAttempts int) (*models.OTPRecord, error)

	// Consume deletes the record. Exactly one caller observes success;
	// every other caller gets ErrOTPNotFound.
	Consume(ctx context.Context, requestID string) error

	Delete(ctx context.Context, requestID string) error
	HealthCheck(ctx context.Context) error
}

// RevocationStore remembers revoked token ids until the token would have
// expired anyway.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// RateLimiter counts hits against a key within a fixed window.
type RateLimiter interface {
	// Allow records one hit. When the limit is already reached it returns
	// false and the time left until the window resets.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Reset(ctx context.Context, key string) error
}
