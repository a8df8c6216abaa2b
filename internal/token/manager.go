package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-auth/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	MethodHS256 = "HS256"
	MethodEdDSA = "EDDSA"
)

var ErrInvalidToken = errors.New("invalid or expired token")

type Config struct {
	SigningMethod string
	// Secret signs and verifies HS256 tokens.
	Secret []byte
	// PrivateKey and PublicKey are PEM-encoded Ed25519 keys for EDDSA.
	PrivateKey []byte
	PublicKey  []byte
	TTL        time.Duration
	Issuer     string
	Audience   string
	Leeway     time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Claims are the session token claims. Subject is the user id.
type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Grant is a freshly issued token.
type Grant struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

type Manager struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	ttl       time.Duration
	issuer    string
	audience  string
	leeway    time.Duration
	now       func() time.Time
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("token TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("token leeway must be between 0 and 2m")
	}

	m := &Manager{
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.Leeway,
		now:      cfg.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}

	switch strings.ToUpper(cfg.SigningMethod) {
	case "", MethodHS256:
		if len(cfg.Secret) == 0 {
			return nil, errors.New("HS256 requires a secret")
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.Secret
		m.verifyKey = cfg.Secret
	case MethodEdDSA:
		priv, err := parseEdPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		pub, err := parseEdPublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		m.method = jwt.SigningMethodEdDSA
		m.signKey = priv
		m.verifyKey = pub
	default:
		return nil, fmt.Errorf("unsupported signing method %q", cfg.SigningMethod)
	}

	return m, nil
}

// TTL is the lifetime of every issued token.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a new token for user. Every call gets its own jti, so two
// tokens issued within the same second are still distinct.
func (m *Manager) Issue(user *models.User) (*Grant, error) {
	if user == nil || user.UserID == "" {
		return nil, errors.New("cannot issue token without a user id")
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	id := uuid.NewString()

	claims := Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.UserID,
			ID:        id,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	// NumericDate truncates to the second; report what the token actually says.
	return &Grant{Token: signed, ID: id, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Parse verifies signature, algorithm, expiry, issuer and audience. Every
// failure is reported as ErrInvalidToken wrapping the cause.
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.leeway > 0 {
		options = append(options, jwt.WithLeeway(m.leeway))
	}
	if m.issuer != "" {
		options = append(options, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		options = append(options, jwt.WithAudience(m.audience))
	}

	parsed, err := jwt.NewParser(options...).ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.verifyKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func parseEdPrivateKey(pem []byte) (ed25519.PrivateKey, error) {
	if len(pem) == 0 {
		return nil, errors.New("EDDSA requires a private key")
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return key, nil
}

func parseEdPublicKey(pem []byte) (ed25519.PublicKey, error) {
	if len(pem) == 0 {
		return nil, errors.New("EDDSA requires a public key")
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return key, nil
}
