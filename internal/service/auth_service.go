package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storefront-auth/internal/audit"
	"storefront-auth/internal/config"
	"storefront-auth/internal/dispatch"
	"storefront-auth/internal/hashing"
	"storefront-auth/internal/models"
	"storefront-auth/internal/repository"
	"storefront-auth/internal/token"
	"storefront-auth/internal/util"
)

const (
	MaxKeyLength = 128

	defaultOTPTTL      = 5 * time.Minute
	defaultMaxAttempts = 5

	otpCodeMin  = 100000
	otpCodeSpan = 900000
)

// AuthConfig holds the tunables. Hashing costs arrive here rather than being
// fixed in the hasher.
type AuthConfig struct {
	Hashing        hashing.Config
	OTPTTL         time.Duration
	MaxOTPAttempts int
	RateLimit      config.RateLimitConfig
	// Now defaults to time.Now.
	Now func() time.Time
}

// Dependencies are the collaborators of AuthService. Revocations, Limiter
// and Audit are optional.
type Dependencies struct {
	Users       repository.UserRepository
	Ledger      repository.OTPLedger
	Revocations repository.RevocationStore
	Limiter     repository.RateLimiter
	Tokens      *token.Manager
	Dispatcher  dispatch.Dispatcher
	Audit       *audit.Recorder
	Logger      *zap.Logger
}

// AuthService implements the OTP and safe-key flows.
type AuthService struct {
	users       repository.UserRepository
	ledger      repository.OTPLedger
	revocations repository.RevocationStore
	limiter     repository.RateLimiter
	tokens      *token.Manager
	dispatcher  dispatch.Dispatcher
	audit       *audit.Recorder
	hasher      *hashing.Hasher
	logger      *zap.Logger

	otpTTL      time.Duration
	maxAttempts int
	rateLimit   config.RateLimitConfig
	now         func() time.Time
}

type OTPRequest struct {
	Identifier string
	Purpose    string
	ClientIP   string
}

type OTPChallenge struct {
	RequestID string
	ExpiresAt time.Time
}

type VerifyRequest struct {
	RequestID string
	Code      string
	ClientIP  string
}

type VerifyResult struct {
	User       *models.PublicUser
	HasKey     bool
	Registered bool
}

type SetKeyRequest struct {
	Identifier string
	Key        string
	// KeyConfirm is checked only when non-empty.
	KeyConfirm string
	ClientIP   string
}

type LoginRequest struct {
	Identifier string
	Key        string
	ClientIP   string
}

// Session is an issued token together with the user it belongs to.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *models.PublicUser
}

func NewAuthService(cfg AuthConfig, deps Dependencies) (*AuthService, error) {
	if deps.Users == nil || deps.Ledger == nil {
		return nil, errors.New("auth service requires a user store and an OTP ledger")
	}
	if deps.Tokens == nil {
		return nil, errors.New("auth service requires a token manager")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("auth service requires an OTP dispatcher")
	}

	hasher, err := hashing.NewHasher(cfg.Hashing)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}

	s := &AuthService{
		users:       deps.Users,
		ledger:      deps.Ledger,
		revocations: deps.Revocations,
		limiter:     deps.Limiter,
		tokens:      deps.Tokens,
		dispatcher:  deps.Dispatcher,
		audit:       deps.Audit,
		hasher:      hasher,
		logger:      deps.Logger,
		otpTTL:      cfg.OTPTTL,
		maxAttempts: cfg.MaxOTPAttempts,
		rateLimit:   cfg.RateLimit,
		now:         cfg.Now,
	}
	if s.logger == nil {
		s.logger = util.Get()
	}
	if s.otpTTL <= 0 {
		s.otpTTL = defaultOTPTTL
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// RequestOTP issues a new code for identifier and hands it to the
// dispatcher. Earlier outstanding codes for the same identifier stay valid.
func (s *AuthService) RequestOTP(ctx context.Context, req OTPRequest) (*OTPChallenge, error) {
	kind, identifier, err := classify(req.Identifier)
	if err != nil {
		return nil, err
	}
	purpose, err := models.ParseOTPPurpose(strings.TrimSpace(req.Purpose))
	if err != nil {
		return nil, invalidInput("%s", err.Error())
	}

	if err := s.allow(ctx, "otp:"+string(kind)+":"+identifier, s.rateLimit.OTPRequests, s.rateLimit.OTPWindow); err != nil {
		return nil, err
	}

	code, err := generateCode()
	if err != nil {
		return nil, unavailable(err)
	}
	codeHash, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, unavailable(err)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	record := &models.OTPRecord{
		RequestID:      uuid.NewString(),
		Identifier:     identifier,
		IdentifierKind: kind,
		Purpose:        purpose,
		CodeHash:       codeHash,
		ExpiresAt:      now.Add(s.otpTTL),
		CreatedAt:      now,
	}
	if err := s.ledger.Create(ctx, record); err != nil {
		s.logger.Error("Failed to persist OTP request", util.ErrorField(err))
		return nil, unavailable(err)
	}

	err = s.dispatcher.Dispatch(ctx, dispatch.OTP{
		RequestID:      record.RequestID,
		Identifier:     identifier,
		IdentifierKind: kind,
		Purpose:        purpose,
		Code:           code,
		ExpiresAt:      record.ExpiresAt,
	})
	if err != nil {
		s.logger.Error("Failed to dispatch OTP",
			util.String("request_id", record.RequestID),
			util.ErrorField(err),
		)
		if delErr := s.ledger.Delete(ctx, record.RequestID); delErr != nil {
			s.logger.Warn("Failed to drop undelivered OTP request",
				util.String("request_id", record.RequestID),
				util.ErrorField(delErr),
			)
		}
		return nil, unavailable(err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:           models.EventOTPRequested,
		Identifier:     identifier,
		IdentifierKind: kind,
		RequestID:      record.RequestID,
		ClientIP:       req.ClientIP,
		Success:        true,
		Details:        string(purpose),
	})

	return &OTPChallenge{RequestID: record.RequestID, ExpiresAt: record.ExpiresAt}, nil
}

// VerifyOTP checks a code against its request. The attempt is reserved
// before the comparison, so no request sees more than maxAttempts
// comparisons however many callers race on it.
func (s *AuthService) VerifyOTP(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	requestID := strings.TrimSpace(req.RequestID)
	code := strings.TrimSpace(req.Code)
	if requestID == "" {
		return nil, invalidInput("requestId is required")
	}
	if code == "" {
		return nil, invalidInput("otpCode is required")
	}

	record, err := s.ledger.ReserveAttempt(ctx, requestID, s.now().UTC(), s.maxAttempts)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrOTPNotFound):
		return nil, ErrOTPNotFound
	case errors.Is(err, repository.ErrOTPExpired):
		s.recordOTPFailure(ctx, models.EventOTPFailed, requestID, nil, req.ClientIP, "expired")
		return nil, ErrOTPExpired
	case errors.Is(err, repository.ErrOTPAttemptsExhausted):
		s.recordOTPFailure(ctx, models.EventOTPExhausted, requestID, nil, req.ClientIP, "exhausted")
		return nil, ErrOTPAttemptsExhausted
	default:
		return nil, unavailable(err)
	}

	ok, err := s.hasher.VerifyOTP(code, record.CodeHash)
	if err != nil {
		s.logger.Error("Stored OTP hash is unreadable",
			util.String("request_id", requestID),
			util.ErrorField(err),
		)
		return nil, unavailable(err)
	}
	if !ok {
		if record.Attempts >= s.maxAttempts {
			if err := s.ledger.Delete(ctx, requestID); err != nil {
				s.logger.Warn("Failed to delete exhausted OTP request", util.ErrorField(err))
			}
			s.recordOTPFailure(ctx, models.EventOTPExhausted, requestID, record, req.ClientIP, "exhausted")
			return nil, ErrOTPAttemptsExhausted
		}
		s.recordOTPFailure(ctx, models.EventOTPFailed, requestID, record, req.ClientIP,
			fmt.Sprintf("attempt %d of %d", record.Attempts, s.maxAttempts))
		return nil, ErrOTPInvalidCode
	}

	if err := s.ledger.Consume(ctx, requestID); err != nil {
		if errors.Is(err, repository.ErrOTPNotFound) {
			return nil, ErrOTPNotFound
		}
		return nil, unavailable(err)
	}

	// The code is spent from here on; a storage failure below means the
	// caller has to request a new one.
	identity, err := s.resolve(ctx, record.IdentifierKind, record.Identifier)
	if err != nil {
		s.logConsumedWithoutUser(requestID, record, err)
		return nil, err
	}

	user := identity.User()
	registered := false
	if !identity.IsKnown() {
		user, registered, err = s.Register(ctx, identity, req.ClientIP)
		if err != nil {
			s.logConsumedWithoutUser(requestID, record, err)
			return nil, err
		}
	}

	s.audit.Record(ctx, audit.Event{
		Type:           models.EventOTPVerified,
		UserID:         user.UserID,
		Identifier:     record.Identifier,
		IdentifierKind: record.IdentifierKind,
		RequestID:      requestID,
		ClientIP:       req.ClientIP,
		Success:        true,
		Details:        string(record.Purpose),
	})

	return &VerifyResult{
		User:       user.Public(),
		HasKey:     user.HasKey(),
		Registered: registered,
	}, nil
}

func (s *AuthService) logConsumedWithoutUser(requestID string, record *models.OTPRecord, err error) {
	s.logger.Error("OTP consumed but user could not be resolved",
		util.String("request_id", requestID),
		util.String("identifier_kind", string(record.IdentifierKind)),
		util.ErrorField(err),
	)
}

// Register creates the user for an unregistered identity. It reports false
// when another caller registered the same identifier first; the winner's
// record is returned in that case.
func (s *AuthService) Register(ctx context.Context, identity models.Identity, clientIP string) (*models.User, bool, error) {
	if identity.IsKnown() {
		return identity.User(), false, nil
	}
	if !identity.Kind().Valid() || identity.Identifier() == "" {
		return nil, false, invalidInput("identifier is required")
	}

	now := s.now().UTC()
	user := &models.User{
		UserID:         uuid.NewString(),
		Identifier:     identity.Identifier(),
		IdentifierKind: identity.Kind(),
		Role:           models.RoleCustomer,
		Status:         models.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.users.Create(ctx, user)
	if errors.Is(err, repository.ErrUserExists) {
		winner, err := s.users.GetByIdentifier(ctx, identity.Kind(), identity.Identifier())
		if err != nil {
			return nil, false, unavailable(err)
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}

	s.logger.Info("Registered new user",
		util.String("user_id", user.UserID),
		util.String("identifier_kind", string(user.IdentifierKind)),
	)
	s.audit.Record(ctx, audit.Event{
		Type:           models.EventIdentityRegistered,
		UserID:         user.UserID,
		Identifier:     user.Identifier,
		IdentifierKind: user.IdentifierKind,
		ClientIP:       clientIP,
		Success:        true,
	})
	return user, true, nil
}

// SetKey sets or replaces the user's safe key and signs them in. Replacing
// an existing key does not require the old one.
func (s *AuthService) SetKey(ctx context.Context, req SetKeyRequest) (*Session, error) {
	if strings.TrimSpace(req.Identifier) == "" {
		return nil, invalidInput("identifier is required")
	}
	if req.Key == "" {
		return nil, invalidInput("key is required")
	}
	if req.KeyConfirm != "" && req.KeyConfirm != req.Key {
		return nil, invalidInput("keys do not match")
	}
	if utf8.RuneCountInString(req.Key) > MaxKeyLength {
		return nil, invalidInput("key must be at most %d characters", MaxKeyLength)
	}

	kind, identifier, err := classify(req.Identifier)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByIdentifier(ctx, kind, identifier)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if !user.IsActive() {
		return nil, ErrAccountInactive
	}

	hash, err := s.hasher.HashSafeKey(req.Key)
	if err != nil {
		return nil, unavailable(err)
	}

	rotated := user.HasKey()
	now := s.now().UTC()
	if err := s.users.SetSafeKeyHash(ctx, user.UserID, hash, now); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, unavailable(err)
	}
	user.SafeKeyHash = hash
	user.KeyUpdatedAt = &now

	eventType := models.EventSafeKeySet
	if rotated {
		eventType = models.EventSafeKeyRotated
	}
	s.audit.Record(ctx, audit.Event{
		Type:           eventType,
		UserID:         user.UserID,
		Identifier:     user.Identifier,
		IdentifierKind: user.IdentifierKind,
		ClientIP:       req.ClientIP,
		Success:        true,
	})

	return s.startSession(ctx, user)
}

// LoginWithKey signs a user in with identifier and safe key. Unknown
// users, users without a key and wrong keys are indistinguishable.
func (s *AuthService) LoginWithKey(ctx context.Context, req LoginRequest) (*Session, error) {
	if strings.TrimSpace(req.Identifier) == "" {
		return nil, invalidInput("identifier is required")
	}
	if req.Key == "" {
		return nil, invalidInput("key is required")
	}

	kind, identifier, err := classify(req.Identifier)
	if err != nil {
		return nil, err
	}

	identityKey := "login:" + string(kind) + ":" + identifier
	if req.ClientIP != "" {
		if err := s.allow(ctx, "login:ip:"+req.ClientIP, s.rateLimit.LoginAttempts, s.rateLimit.LoginWindow); err != nil {
			return nil, err
		}
	}
	if err := s.allow(ctx, identityKey, s.rateLimit.LoginAttempts, s.rateLimit.LoginWindow); err != nil {
		return nil, err
	}

	user, err := s.users.GetByIdentifier(ctx, kind, identifier)
	if err != nil && !errors.Is(err, repository.ErrUserNotFound) {
		return nil, unavailable(err)
	}

	if user == nil || !user.HasKey() {
		s.hasher.BurnKeyVerification(req.Key)
		s.recordLoginFailure(ctx, user, kind, identifier, req.ClientIP)
		return nil, ErrInvalidCredentials
	}

	ok, err := s.hasher.VerifySafeKey(req.Key, user.SafeKeyHash)
	if err != nil {
		s.logger.Error("Stored safe key hash is unreadable",
			util.String("user_id", user.UserID),
			util.ErrorField(err),
		)
	}
	if !ok {
		s.recordLoginFailure(ctx, user, kind, identifier, req.ClientIP)
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive() {
		s.recordLoginFailure(ctx, user, kind, identifier, req.ClientIP)
		return nil, ErrAccountInactive
	}

	if s.hasher.NeedsRehash(user.SafeKeyHash) {
		s.upgradeKeyHash(ctx, user, req.Key)
	}
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, identityKey); err != nil {
			s.logger.Warn("Failed to reset login rate limit", util.ErrorField(err))
		}
	}

	s.audit.Record(ctx, audit.Event{
		Type:           models.EventLoginSucceeded,
		UserID:         user.UserID,
		Identifier:     identifier,
		IdentifierKind: kind,
		ClientIP:       req.ClientIP,
		Success:        true,
	})

	return s.startSession(ctx, user)
}

// Refresh issues a new token for the holder of a valid one. The presented
// token stays valid until it expires.
func (s *AuthService) Refresh(ctx context.Context, tokenStr string) (*Session, error) {
	user, _, err := s.Authenticate(ctx, tokenStr)
	if err != nil {
		return nil, err
	}

	grant, err := s.tokens.Issue(user)
	if err != nil {
		return nil, unavailable(err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:           models.EventTokenRefreshed,
		UserID:         user.UserID,
		IdentifierKind: user.IdentifierKind,
		Success:        true,
	})

	return &Session{Token: grant.Token, ExpiresAt: grant.ExpiresAt, User: user.Public()}, nil
}

// Authenticate resolves a bearer token to an active user.
func (s *AuthService) Authenticate(ctx context.Context, tokenStr string) (*models.User, *token.Claims, error) {
	// Parse errors already match ErrUnauthorized.
	claims, err := s.tokens.Parse(tokenStr)
	if err != nil {
		return nil, nil, err
	}

	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, nil, unavailable(err)
		}
		if revoked {
			return nil, nil, ErrUnauthorized
		}
	}

	user, err := s.users.GetByID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, nil, ErrUnauthorized
	}
	if err != nil {
		return nil, nil, unavailable(err)
	}
	if !user.IsActive() {
		return nil, nil, ErrUnauthorized
	}
	return user, claims, nil
}

// Logout revokes the token until its own expiry.
func (s *AuthService) Logout(ctx context.Context, tokenStr string) error {
	user, claims, err := s.Authenticate(ctx, tokenStr)
	if err != nil {
		return err
	}

	if s.revocations != nil {
		if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return unavailable(err)
		}
	}

	s.audit.Record(ctx, audit.Event{
		Type:           models.EventTokenRevoked,
		UserID:         user.UserID,
		IdentifierKind: user.IdentifierKind,
		Success:        true,
	})
	return nil
}

// HealthCheck pings the user store and the OTP ledger concurrently.
func (s *AuthService) HealthCheck(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.users.HealthCheck(ctx); err != nil {
			return fmt.Errorf("user store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.ledger.HealthCheck(ctx); err != nil {
			return fmt.Errorf("otp ledger: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Cleanup waits for pending audit writes.
func (s *AuthService) Cleanup(ctx context.Context) error {
	return s.audit.Flush(ctx)
}

func (s *AuthService) startSession(ctx context.Context, user *models.User) (*Session, error) {
	grant, err := s.tokens.Issue(user)
	if err != nil {
		return nil, unavailable(err)
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.UserID, now); err != nil {
		s.logger.Warn("Failed to record last login",
			util.String("user_id", user.UserID),
			util.ErrorField(err),
		)
	} else {
		user.LastLogin = &now
	}

	return &Session{Token: grant.Token, ExpiresAt: grant.ExpiresAt, User: user.Public()}, nil
}

func (s *AuthService) resolve(ctx context.Context, kind models.IdentifierKind, identifier string) (models.Identity, error) {
	user, err := s.users.GetByIdentifier(ctx, kind, identifier)
	if errors.Is(err, repository.ErrUserNotFound) {
		return models.Unregistered(kind, identifier), nil
	}
	if err != nil {
		return models.Identity{}, unavailable(err)
	}
	return models.Known(user), nil
}

// upgradeKeyHash re-hashes a verified key under the current profile.
// Failure leaves the old hash in place.
func (s *AuthService) upgradeKeyHash(ctx context.Context, user *models.User, key string) {
	hash, err := s.hasher.HashSafeKey(key)
	if err == nil {
		err = s.users.SetSafeKeyHash(ctx, user.UserID, hash, s.now().UTC())
	}
	if err != nil {
		s.logger.Warn("Failed to upgrade safe key hash",
			util.String("user_id", user.UserID),
			util.ErrorField(err),
		)
		return
	}
	user.SafeKeyHash = hash
}

func (s *AuthService) allow(ctx context.Context, key string, limit int, window time.Duration) error {
	if s.limiter == nil || !s.rateLimit.Enabled || limit <= 0 || window <= 0 {
		return nil
	}
	ok, retryAfter, err := s.limiter.Allow(ctx, key, limit, window)
	if err != nil {
		s.logger.Warn("Rate limiter unavailable", util.ErrorField(err))
		return nil
	}
	if !ok {
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}

func (s *AuthService) recordOTPFailure(ctx context.Context, eventType models.SecurityEventType, requestID string, record *models.OTPRecord, clientIP, details string) {
	ev := audit.Event{
		Type:      eventType,
		RequestID: requestID,
		ClientIP:  clientIP,
		Details:   details,
	}
	if record != nil {
		ev.Identifier = record.Identifier
		ev.IdentifierKind = record.IdentifierKind
	}
	s.audit.Record(ctx, ev)
}

func (s *AuthService) recordLoginFailure(ctx context.Context, user *models.User, kind models.IdentifierKind, identifier, clientIP string) {
	ev := audit.Event{
		Type:           models.EventLoginFailed,
		Identifier:     identifier,
		IdentifierKind: kind,
		ClientIP:       clientIP,
	}
	if user != nil {
		ev.UserID = user.UserID
	}
	s.audit.Record(ctx, ev)
}

func classify(raw string) (models.IdentifierKind, string, error) {
	kind, identifier, err := models.ClassifyIdentifier(raw)
	if err != nil {
		return "", "", invalidInput("%s", err.Error())
	}
	return kind, identifier, nil
}

// generateCode returns a uniformly distributed six-digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(otpCodeSpan))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+otpCodeMin), nil
}
