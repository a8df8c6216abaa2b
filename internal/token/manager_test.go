package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"storefront-auth/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newHS256(t *testing.T, clock *fakeClock) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		TTL:      15 * time.Minute,
		Issuer:   "storefront-auth",
		Audience: "storefront",
		Now:      clock.Now,
	})
	require.NoError(t, err)
	return m
}

func testUser() *models.User {
	return &models.User{UserID: "user-1", Role: models.RoleSeller}
}

func TestIssueAndParse(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := newHS256(t, clock)

	grant, err := m.Issue(testUser())
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(15*time.Minute), grant.ExpiresAt)

	claims, err := m.Parse(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, grant.ID, claims.ID)
	assert.Equal(t, models.RoleSeller, claims.Role)
	assert.Equal(t, "storefront-auth", claims.Issuer)
}

func TestTokensIssuedTogetherDiffer(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := newHS256(t, clock)

	a, err := m.Issue(testUser())
	require.NoError(t, err)
	b, err := m.Issue(testUser())
	require.NoError(t, err)

	assert.NotEqual(t, a.Token, b.Token)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestExpiredTokenRejected(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := newHS256(t, clock)

	grant, err := m.Issue(testUser())
	require.NoError(t, err)

	clock.now = clock.now.Add(15*time.Minute + time.Second)
	_, err = m.Parse(grant.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTamperedAndForeignTokensRejected(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := newHS256(t, clock)

	grant, err := m.Issue(testUser())
	require.NoError(t, err)

	_, err = m.Parse(grant.Token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewManager(Config{
		Secret: []byte("another-secret-another-secret-xx"),
		TTL:    15 * time.Minute,
		Issuer: "storefront-auth",
		Now:    clock.Now,
	})
	require.NoError(t, err)
	foreign, err := other.Issue(testUser())
	require.NoError(t, err)
	_, err = m.Parse(foreign.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Parse("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNoneAlgorithmRejected(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := newHS256(t, clock)

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ID:        "jti",
		Issuer:    "storefront-auth",
		Audience:  jwt.ClaimStrings{"storefront"},
		ExpiresAt: jwt.NewNumericDate(clock.now.Add(time.Hour)),
	}}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	m, err := NewManager(Config{
		SigningMethod: "eddsa",
		PrivateKey:    pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		PublicKey:     pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		TTL:           time.Minute,
		Now:           clock.Now,
	})
	require.NoError(t, err)

	grant, err := m.Issue(testUser())
	require.NoError(t, err)
	claims, err := m.Parse(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	_, err := NewManager(Config{TTL: time.Minute})
	assert.Error(t, err)

	_, err = NewManager(Config{Secret: []byte("s"), TTL: 0})
	assert.Error(t, err)

	_, err = NewManager(Config{SigningMethod: "RS256", Secret: []byte("s"), TTL: time.Minute})
	assert.Error(t, err)

	_, err = NewManager(Config{SigningMethod: MethodEdDSA, TTL: time.Minute})
	assert.Error(t, err)
}

func TestIssueRequiresUser(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := newHS256(t, clock)

	_, err := m.Issue(nil)
	assert.Error(t, err)
}
