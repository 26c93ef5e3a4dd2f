package models

import "time"

// User is a dashboard/management-API account authenticated by password and
// issued a JWT session.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// APIKeyScope distinguishes inference-only keys from keys that may also
// call the management API.
type APIKeyScope string

// Supported API key scopes.
const (
	APIKeyScopeInference APIKeyScope = "inference"
	APIKeyScopeAdmin     APIKeyScope = "admin"
)

// APIKey is a long-lived bearer credential. Only KeyHash is persisted; the
// plaintext key is shown to the caller once, at creation time.
type APIKey struct {
	ID         string
	KeyHash    string
	Owner      string
	Scope      APIKeyScope
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Active reports whether the key can still authenticate a request.
func (k *APIKey) Active() bool { return k.RevokedAt == nil }

// InvitationCode gates new-user signup.
type InvitationCode struct {
	ID        string
	CodeHash  string
	CreatedAt time.Time
	ExpiresAt *time.Time
	UsedAt    *time.Time
	UsedBy    *string
}

// Active reports whether the code can still be redeemed.
func (i *InvitationCode) Active(now time.Time) bool {
	if i.UsedAt != nil {
		return false
	}
	if i.ExpiresAt != nil && now.After(*i.ExpiresAt) {
		return false
	}
	return true
}
