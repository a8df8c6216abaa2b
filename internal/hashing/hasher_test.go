package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testConfig() Config {
	return Config{
		OTP:           Params{Memory: 64, Iterations: 1, Parallelism: 1},
		SafeKey:       Params{Memory: 128, Iterations: 2, Parallelism: 1},
		Pepper:        "test-pepper",
		PepperVersion: 2,
	}
}

func TestHashAndVerifyOTP(t *testing.T) {
	h, err := NewHasher(testConfig())
	require.NoError(t, err)

	encoded, err := h.HashOTP("123456")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(encoded, "$argon2id$v=19$m=64,t=1,p=1,k=2$"))

	ok, err := h.VerifyOTP("123456", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyOTP("654321", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaltedHashesDiffer(t *testing.T) {
	h, err := NewHasher(testConfig())
	require.NoError(t, err)

	a, err := h.HashSafeKey("correct horse")
	require.NoError(t, err)
	b, err := h.HashSafeKey("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOTPHashDoesNotVerifyAsKey(t *testing.T) {
	h, err := NewHasher(testConfig())
	require.NoError(t, err)

	encoded, err := h.HashOTP("123456")
	require.NoError(t, err)

	ok, err := h.VerifySafeKey("123456", encoded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOldPepperStillVerifies(t *testing.T) {
	old := testConfig()
	old.Pepper = "retired"
	old.PepperVersion = 1
	oldHasher, err := NewHasher(old)
	require.NoError(t, err)

	encoded, err := oldHasher.HashSafeKey("my-key")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.OldPeppers = map[int]string{1: "retired"}
	h, err := NewHasher(cfg)
	require.NoError(t, err)

	ok, err := h.VerifySafeKey("my-key", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, h.NeedsRehash(encoded))
}

func TestUnknownPepperVersion(t *testing.T) {
	old := testConfig()
	old.PepperVersion = 7
	oldHasher, err := NewHasher(old)
	require.NoError(t, err)

	encoded, err := oldHasher.HashSafeKey("my-key")
	require.NoError(t, err)

	h, err := NewHasher(testConfig())
	require.NoError(t, err)

	_, err = h.VerifySafeKey("my-key", encoded)
	assert.ErrorIs(t, err, ErrUnknownPepper)
}

func TestLegacyBcryptKey(t *testing.T) {
	h, err := NewHasher(testConfig())
	require.NoError(t, err)

	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy-password"), bcrypt.MinCost)
	require.NoError(t, err)

	ok, err := h.VerifySafeKey("legacy-password", string(legacy))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifySafeKey("wrong", string(legacy))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, h.NeedsRehash(string(legacy)))
}

func TestMalformedHash(t *testing.T) {
	h, err := NewHasher(testConfig())
	require.NoError(t, err)

	for _, encoded := range []string{
		"",
		"plain",
		"$argon2i$v=19$m=64,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=64,t=1,p=1,k=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=0,t=1,p=1,k=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=64,t=1,p=1,z=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=64,t=1,p=1,k=2$***$aGFzaA",
	} {
		_, err := h.VerifyOTP("123456", encoded)
		assert.Error(t, err, encoded)
	}
}

func TestKeyProfileMustNotBeCheaper(t *testing.T) {
	cfg := testConfig()
	cfg.SafeKey = Params{Memory: 32, Iterations: 1, Parallelism: 1}

	_, err := NewHasher(cfg)
	assert.Error(t, err)
}

func TestInvalidParams(t *testing.T) {
	cfg := testConfig()
	cfg.OTP = Params{Memory: 64, Iterations: 0, Parallelism: 1}
	_, err := NewHasher(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.SafeKey = Params{Memory: 4, Iterations: 100, Parallelism: 1}
	_, err = NewHasher(cfg)
	assert.Error(t, err)
}

func TestEphemeralPepper(t *testing.T) {
	cfg := testConfig()
	cfg.Pepper = ""
	h, err := NewHasher(cfg)
	require.NoError(t, err)

	encoded, err := h.HashSafeKey("k")
	require.NoError(t, err)
	ok, err := h.VerifySafeKey("k", encoded)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, h.NeedsRehash(encoded))
}
