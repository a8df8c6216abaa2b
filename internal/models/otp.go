package models

import (
	"fmt"
	"time"
)

type OTPPurpose string

const (
	PurposeLogin    OTPPurpose = "login"
	PurposeSignup   OTPPurpose = "signup"
	PurposeResetKey OTPPurpose = "reset-key"
)

// ParseOTPPurpose maps an empty value to login and rejects anything unknown.
func ParseOTPPurpose(raw string) (OTPPurpose, error) {
	switch p := OTPPurpose(raw); p {
	case "":
		return PurposeLogin, nil
	case PurposeLogin, PurposeSignup, PurposeResetKey:
		return p, nil
	default:
		return "", fmt.Errorf("unknown OTP purpose %q", raw)
	}
}

// OTPRecord is one ledger entry. CodeHash is the encoded hash of the code;
// the code itself is never stored.
type OTPRecord struct {
	RequestID      string
	Identifier     string
	IdentifierKind IdentifierKind
	Purpose        OTPPurpose
	CodeHash       string
	Attempts       int
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

func (r *OTPRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
