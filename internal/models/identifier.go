package models

import (
	"errors"
	"regexp"
	"strings"
)

// IdentifierKind is stored with every user and OTP record so lookups never
// have to guess the format again.
type IdentifierKind string

const (
	IdentifierEmail IdentifierKind = "email"
	IdentifierPhone IdentifierKind = "phone"
)

var (
	ErrIdentifierRequired     = errors.New("identifier is required")
	ErrIdentifierUnrecognized = errors.New("identifier must be a valid email address or phone number")

	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^\+?[1-9]\d{6,14}$`)
	phoneNoise   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

func (k IdentifierKind) Valid() bool {
	return k == IdentifierEmail || k == IdentifierPhone
}

// ClassifyIdentifier normalizes raw and decides its kind. Emails are
// lower-cased; phones lose formatting characters but keep a leading '+'.
// Input that fits neither format is rejected rather than guessed at.
func ClassifyIdentifier(raw string) (IdentifierKind, string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", ErrIdentifierRequired
	}

	if strings.Contains(s, "@") {
		email := strings.ToLower(s)
		if !emailPattern.MatchString(email) {
			return "", "", ErrIdentifierUnrecognized
		}
		return IdentifierEmail, email, nil
	}

	phone := phoneNoise.Replace(s)
	if !phonePattern.MatchString(phone) {
		return "", "", ErrIdentifierUnrecognized
	}
	return IdentifierPhone, phone, nil
}
