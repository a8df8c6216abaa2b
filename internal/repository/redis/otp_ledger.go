package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/models"
	"storefront-auth/internal/repository"
	"storefront-auth/internal/util"
)

const (
	otpRequestPrefix = "otp:req:"
	opTimeout        = 5 * time.Second
)

// reserveAttemptLua checks an OTP request record and spends one attempt on it.
// KEYS[1] = record key
// ARGV[1] = now, unix millis
// ARGV[2] = max attempts
//
// Returns {identifier, identifier_kind, purpose, code_hash, attempts, expires_at, created_at}
// with attempts already incremented, or an error reply:
// "not_found", "expired", "attempts_exhausted". The last two delete the record.
var reserveAttemptLua = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'identifier', 'identifier_kind', 'purpose', 'code_hash', 'attempts', 'expires_at', 'created_at')
if not f[4] then
  return {err='not_found'}
end

local now = tonumber(ARGV[1])
local maxAttempts = tonumber(ARGV[2])

if now > tonumber(f[6]) then
  redis.call('DEL', KEYS[1])
  return {err='expired'}
end

if tonumber(f[5]) >= maxAttempts then
  redis.call('DEL', KEYS[1])
  return {err='attempts_exhausted'}
end

local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
return {f[1], f[2], f[3], f[4], attempts, f[6], f[7]}
`)

// OTPLedger stores OTP request records as Redis hashes with a native TTL.
type OTPLedger struct {
	client *client.RedisClient
}

var _ repository.OTPLedger = (*OTPLedger)(nil)

func NewOTPLedger(client *client.RedisClient) *OTPLedger {
	return &OTPLedger{client: client}
}

func otpKey(requestID string) string {
	return otpRequestPrefix + requestID
}

func (l *OTPLedger) Create(ctx context.Context, record *models.OTPRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttl := record.ExpiresAt.Sub(record.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("failed to create otp request: non-positive lifetime %s", ttl)
	}

	key := otpKey(record.RequestID)
	pipe := l.client.TxPipeline()
	pipe.HSet(ctx, key,
		"identifier", record.Identifier,
		"identifier_kind", string(record.IdentifierKind),
		"purpose", string(record.Purpose),
		"code_hash", record.CodeHash,
		"attempts", record.Attempts,
		"expires_at", record.ExpiresAt.UnixMilli(),
		"created_at", record.CreatedAt.UnixMilli(),
	)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to create otp request",
			zap.String("request_id", record.RequestID),
			zap.Error(err))
		return fmt.Errorf("failed to create otp request: %w", err)
	}

	util.Debug("OTP request stored",
		zap.String("request_id", record.RequestID),
		zap.String("identifier_kind", string(record.IdentifierKind)),
		zap.Duration("ttl", ttl))
	return nil
}

func (l *OTPLedger) ReserveAttempt(ctx context.Context, requestID string, now time.Time, maxAttempts int) (*models.OTPRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := l.client.RunScript(ctx, reserveAttemptLua,
		[]string{otpKey(requestID)},
		now.UnixMilli(),
		maxAttempts,
	).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return nil, repository.ErrOTPNotFound
		case "expired":
			return nil, repository.ErrOTPExpired
		case "attempts_exhausted":
			return nil, repository.ErrOTPAttemptsExhausted
		default:
			util.Error("Failed to reserve otp attempt",
				zap.String("request_id", requestID),
				zap.Error(err))
			return nil, fmt.Errorf("failed to reserve otp attempt: %w", err)
		}
	}

	fields, ok := result.([]interface{})
	if !ok || len(fields) != 7 {
		return nil, fmt.Errorf("failed to reserve otp attempt: unexpected script reply %T", result)
	}

	attempts, err := toInt64(fields[4])
	if err != nil {
		return nil, fmt.Errorf("failed to decode attempts: %w", err)
	}
	expiresAt, err := toInt64(fields[5])
	if err != nil {
		return nil, fmt.Errorf("failed to decode expires_at: %w", err)
	}
	createdAt, err := toInt64(fields[6])
	if err != nil {
		return nil, fmt.Errorf("failed to decode created_at: %w", err)
	}

	return &models.OTPRecord{
		RequestID:      requestID,
		Identifier:     toString(fields[0]),
		IdentifierKind: models.IdentifierKind(toString(fields[1])),
		Purpose:        models.OTPPurpose(toString(fields[2])),
		CodeHash:       toString(fields[3]),
		Attempts:       int(attempts),
		ExpiresAt:      time.UnixMilli(expiresAt).UTC(),
		CreatedAt:      time.UnixMilli(createdAt).UTC(),
	}, nil
}

func (l *OTPLedger) Consume(ctx context.Context, requestID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	deleted, err := l.client.Del(ctx, otpKey(requestID))
	if err != nil {
		return fmt.Errorf("failed to consume otp request: %w", err)
	}
	if deleted == 0 {
		return repository.ErrOTPNotFound
	}
	return nil
}

func (l *OTPLedger) Delete(ctx context.Context, requestID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := l.client.Del(ctx, otpKey(requestID)); err != nil {
		return fmt.Errorf("failed to delete otp request: %w", err)
	}
	return nil
}

func (l *OTPLedger) HealthCheck(ctx context.Context) error {
	return l.client.HealthCheck(ctx)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
