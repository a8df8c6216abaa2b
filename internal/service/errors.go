package service

import (
	"errors"
	"fmt"
	"time"

	"storefront-auth/internal/repository"
	"storefront-auth/internal/token"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrOTPNotFound          = repository.ErrOTPNotFound
	ErrOTPExpired           = repository.ErrOTPExpired
	ErrOTPAttemptsExhausted = repository.ErrOTPAttemptsExhausted
	ErrOTPInvalidCode       = errors.New("invalid code")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrUnauthorized         = token.ErrInvalidToken
	ErrAccountInactive      = errors.New("account is not active")
	ErrUserNotFound         = repository.ErrUserNotFound
	ErrRateLimited          = errors.New("too many requests")
	ErrServiceUnavailable   = errors.New("service unavailable")
)

// ValidationError carries a message that is safe to show to the caller.
// It matches ErrInvalidInput.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func invalidInput(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// RateLimitError matches ErrRateLimited and says when to retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests, retry in %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}
