package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"storefront-auth/internal/util"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const (
	contextOTP     = "otp"
	contextSafeKey = "safe_key"

	defaultSaltLength = 16
	defaultKeyLength  = 32
)

// Params is one argon2id cost profile.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (p Params) withDefaults() Params {
	if p.SaltLength == 0 {
		p.SaltLength = defaultSaltLength
	}
	if p.KeyLength == 0 {
		p.KeyLength = defaultKeyLength
	}
	return p
}

func (p Params) validate(name string) error {
	if p.Iterations < 1 || p.Parallelism < 1 {
		return fmt.Errorf("%s params: iterations and parallelism must be at least 1", name)
	}
	if p.Memory < 8*uint32(p.Parallelism) {
		return fmt.Errorf("%s params: memory must be at least 8 KiB per lane", name)
	}
	return nil
}

func (p Params) cost() uint64 {
	return uint64(p.Memory) * uint64(p.Iterations)
}

// Config carries the cost profiles and peppers. OTP codes live for minutes,
// safe keys for the life of the account, so SafeKey must not be cheaper.
type Config struct {
	OTP           Params
	SafeKey       Params
	Pepper        string
	PepperVersion int
	OldPeppers    map[int]string
}

type Hasher struct {
	otp            Params
	safeKey        Params
	peppers        map[int]string
	currentVersion int
	dummyKeyHash   string
}

func NewHasher(cfg Config) (*Hasher, error) {
	otp := cfg.OTP.withDefaults()
	key := cfg.SafeKey.withDefaults()
	if err := otp.validate("otp"); err != nil {
		return nil, err
	}
	if err := key.validate("safe key"); err != nil {
		return nil, err
	}
	if key.cost() < otp.cost() {
		return nil, errors.New("safe key hashing cost must not be lower than OTP hashing cost")
	}

	version := cfg.PepperVersion
	if version <= 0 {
		version = 1
	}
	pepper := cfg.Pepper
	if pepper == "" {
		generated, err := randomPepper()
		if err != nil {
			return nil, err
		}
		pepper = generated
		util.Warn("No hash pepper configured; using an ephemeral one. Stored safe keys will not verify after restart",
			util.Int("pepper_version", version))
	}

	peppers := make(map[int]string, len(cfg.OldPeppers)+1)
	for v, p := range cfg.OldPeppers {
		peppers[v] = p
	}
	peppers[version] = pepper

	h := &Hasher{
		otp:            otp,
		safeKey:        key,
		peppers:        peppers,
		currentVersion: version,
	}

	dummy, err := h.HashSafeKey("dummy-key-for-timing")
	if err != nil {
		return nil, err
	}
	h.dummyKeyHash = dummy

	return h, nil
}

func (h *Hasher) HashOTP(code string) (string, error) {
	return h.hash(code, contextOTP, h.otp)
}

func (h *Hasher) VerifyOTP(code, encoded string) (bool, error) {
	return h.verify(code, encoded, contextOTP)
}

func (h *Hasher) HashSafeKey(key string) (string, error) {
	return h.hash(key, contextSafeKey, h.safeKey)
}

// VerifySafeKey also accepts bcrypt hashes carried over from the legacy
// password store.
func (h *Hasher) VerifySafeKey(key, encoded string) (bool, error) {
	if isBcrypt(encoded) {
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(key))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
		return true, nil
	}
	return h.verify(key, encoded, contextSafeKey)
}

// BurnKeyVerification runs a full safe-key verification against a fixed hash
// so callers without a real hash spend the same time as callers with one.
func (h *Hasher) BurnKeyVerification(key string) {
	_, _ = h.verify(key, h.dummyKeyHash, contextSafeKey)
}

// NeedsRehash reports whether a stored safe key hash was produced with a
// different profile or pepper than the current one.
func (h *Hasher) NeedsRehash(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}
	p, version, _, _, err := decode(encoded)
	if err != nil {
		return true
	}
	return version != h.currentVersion ||
		p.Memory != h.safeKey.Memory ||
		p.Iterations != h.safeKey.Iterations ||
		p.Parallelism != h.safeKey.Parallelism
}

func (h *Hasher) hash(secret, context string, p Params) (string, error) {
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	pepper := h.peppers[h.currentVersion]
	sum := argon2.IDKey([]byte(secret+pepper+context), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d,k=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism, h.currentVersion,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

func (h *Hasher) verify(secret, encoded, context string) (bool, error) {
	p, version, salt, expected, err := decode(encoded)
	if err != nil {
		return false, err
	}
	pepper, ok := h.peppers[version]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, version)
	}

	computed := argon2.IDKey([]byte(secret+pepper+context), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// decode parses $argon2id$v=19$m=..,t=..,p=..,k=<pepper version>$salt$hash.
func decode(encoded string) (Params, int, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Params{}, 0, nil, nil, ErrInvalidHash
	}

	var v int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &v); err != nil {
		return Params{}, 0, nil, nil, ErrInvalidHash
	}
	if v != argon2.Version {
		return Params{}, 0, nil, nil, ErrIncompatibleVersion
	}

	var p Params
	pepperVersion := 0
	for _, kv := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return Params{}, 0, nil, nil, ErrInvalidHash
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return Params{}, 0, nil, nil, ErrInvalidHash
		}
		switch name {
		case "m":
			p.Memory = uint32(n)
		case "t":
			p.Iterations = uint32(n)
		case "p":
			if n > 255 {
				return Params{}, 0, nil, nil, ErrInvalidHash
			}
			p.Parallelism = uint8(n)
		case "k":
			pepperVersion = int(n)
		default:
			return Params{}, 0, nil, nil, ErrInvalidHash
		}
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return Params{}, 0, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Params{}, 0, nil, nil, ErrInvalidHash
	}
	sum, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(sum) == 0 {
		return Params{}, 0, nil, nil, ErrInvalidHash
	}

	return p, pepperVersion, salt, sum, nil
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") || strings.HasPrefix(encoded, "$2b$") || strings.HasPrefix(encoded, "$2y$")
}

func randomPepper() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate pepper: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
