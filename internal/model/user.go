package model

import "time"

// Role is the coarse authorization class of a user.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User represents an application user record as stored in the `users`
// table.  PasswordHash always holds a bcrypt digest; the plaintext only
// exists transiently inside register, login and password-change calls.
// The struct carries no json tags on purpose: responses use SafeUser.
type User struct {
	ID           uint64    // users.id
	Username     string    // users.username (unique, 3-50 chars)
	Email        string    // users.email (unique)
	PasswordHash string    // users.password_hash
	Role         Role      // users.role
	IsActive     bool      // users.is_active
	CreatedAt    time.Time // users.created_at
	UpdatedAt    time.Time // users.updated_at
}

// Safe returns the sanitized view of u.
func (u User) Safe() SafeUser {
	return SafeUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// SafeUser is the user view exposed in responses and request contexts.
type SafeUser struct {
	ID        uint64    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProfileUpdate is a partial update of the mutable profile fields; nil
// fields are left untouched.
type ProfileUpdate struct {
	Username *string
	Email    *string
}

// Empty reports whether the update changes nothing.
func (p ProfileUpdate) Empty() bool { return p.Username == nil && p.Email == nil }

// RefreshToken models a row in the `refresh_tokens` table.  Only the
// SHA-256 digest of the token value is stored.  A row is rotated in place
// on refresh: TokenHash and ExpiresAt change, ID and UserID do not.
type RefreshToken struct {
	ID        uint64    // refresh_tokens.id
	UserID    uint64    // refresh_tokens.user_id (ON DELETE CASCADE)
	TokenHash string    // refresh_tokens.token_hash
	ExpiresAt time.Time // refresh_tokens.expires_at
	CreatedAt time.Time // refresh_tokens.created_at
	UpdatedAt time.Time // refresh_tokens.updated_at
}

// Expired reports whether the stored expiry has passed at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
