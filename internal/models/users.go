package models

import "time"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
	RoleAdmin    Role = "admin"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// User is the persisted credential record. SafeKeyHash never leaves the
// service; use Public for anything that is sent to a client.
type User struct {
	UserBucket     int            `db:"user_bucket" json:"-"`
	UserID         string         `db:"user_id" json:"id"`
	Identifier     string         `db:"identifier" json:"identifier"`
	IdentifierKind IdentifierKind `db:"identifier_kind" json:"identifierKind"`
	Role           Role           `db:"role" json:"role"`
	Status         Status         `db:"status" json:"status"`
	SafeKeyHash    string         `db:"safe_key_hash" json:"-"`
	KeyUpdatedAt   *time.Time     `db:"key_updated_at" json:"-"`
	LastLogin      *time.Time     `db:"last_login" json:"lastLoginAt,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updatedAt"`
}

// HasKey reports whether a safe key has been provisioned.
func (u *User) HasKey() bool {
	return u != nil && u.SafeKeyHash != ""
}

func (u *User) IsActive() bool {
	return u != nil && u.Status == StatusActive
}

// PublicUser is the sanitized view returned over the API.
type PublicUser struct {
	ID             string         `json:"id"`
	Identifier     string         `json:"identifier"`
	IdentifierKind IdentifierKind `json:"identifierKind"`
	Role           Role           `json:"role"`
	Status         Status         `json:"status"`
	HasKey         bool           `json:"hasKey"`
	LastLoginAt    *time.Time     `json:"lastLoginAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

func (u *User) Public() *PublicUser {
	if u == nil {
		return nil
	}
	return &PublicUser{
		ID:             u.UserID,
		Identifier:     u.Identifier,
		IdentifierKind: u.IdentifierKind,
		Role:           u.Role,
		Status:         u.Status,
		HasKey:         u.HasKey(),
		LastLoginAt:    u.LastLogin,
		CreatedAt:      u.CreatedAt,
	}
}
