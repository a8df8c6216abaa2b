package models

import "time"

type SecurityEventType string

const (
	EventOTPRequested       SecurityEventType = "otp_requested"
	EventOTPVerified        SecurityEventType = "otp_verified"
	EventOTPFailed          SecurityEventType = "otp_failed"
	EventOTPExhausted       SecurityEventType = "otp_exhausted"
	EventIdentityRegistered SecurityEventType = "identity_registered"
	EventSafeKeySet         SecurityEventType = "safe_key_set"
	EventSafeKeyRotated     SecurityEventType = "safe_key_rotated"
	EventLoginSucceeded     SecurityEventType = "login_succeeded"
	EventLoginFailed        SecurityEventType = "login_failed"
	EventTokenRefreshed     SecurityEventType = "token_refreshed"
	EventTokenRevoked       SecurityEventType = "token_revoked"
)

// SecurityEvent is one audit record. IdentifierHash is a SHA-256 of the
// normalized identifier; raw identifiers are not written to audit sinks.
type SecurityEvent struct {
	EventID        string            `db:"event_id" json:"eventId"`
	EventBucket    int               `db:"event_bucket" json:"eventBucket"`
	EventDate      string            `db:"event_date" json:"eventDate"`
	EventTime      time.Time         `db:"event_time" json:"eventTime"`
	EventType      SecurityEventType `db:"event_type" json:"eventType"`
	UserID         string            `db:"user_id" json:"userId,omitempty"`
	IdentifierHash string            `db:"identifier_hash" json:"identifierHash,omitempty"`
	IdentifierKind IdentifierKind    `db:"identifier_kind" json:"identifierKind,omitempty"`
	RequestID      string            `db:"request_id" json:"requestId,omitempty"`
	IPAddress      string            `db:"ip_address" json:"ipAddress,omitempty"`
	Success        bool              `db:"success" json:"success"`
	Details        string            `db:"details" json:"details,omitempty"`
}
