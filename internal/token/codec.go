// Package token signs and verifies the two JWT categories the broker
// issues.  Access tokens carry the identity (id, username, email, role) and
// live minutes; refresh tokens carry only the user id plus a random jti and
// live days.  Each category has its own HMAC secret.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/iliyamo/auth-broker/internal/autherr"
	"github.com/iliyamo/auth-broker/internal/config"
	"github.com/iliyamo/auth-broker/internal/model"
)

const issuer = "auth-broker"

// Identity is the set of claims embedded into an access token.
type Identity struct {
	ID       uint64
	Username string
	Email    string
	Role     model.Role
}

// IdentityOf extracts the token identity from a user record.
func IdentityOf(u model.User) Identity {
	return Identity{ID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role}
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	UserID   uint64     `json:"id"`
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Role     model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity returns the embedded identity.
func (c *AccessClaims) Identity() Identity {
	return Identity{ID: c.UserID, Username: c.Username, Email: c.Email, Role: c.Role}
}

// RefreshClaims is the payload of a refresh token.  RegisteredClaims.ID
// (jti) is random so two refresh tokens for the same user issued within the
// same second still differ.
type RefreshClaims struct {
	UserID uint64 `json:"id"`
	jwt.RegisteredClaims
}

// Issued is a signed token with its expiry.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Codec handles token generation and validation.  It is immutable after
// NewCodec and safe for concurrent use.
type Codec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewCodec builds a codec from the process configuration.  Missing secrets
// or non-positive lifetimes fail with autherr.ErrConfig.
func NewCodec(cfg *config.Config) (*Codec, error) {
	if cfg.AccessSecret == "" {
		return nil, fmt.Errorf("%w: access token secret is not configured", autherr.ErrConfig)
	}
	if cfg.RefreshSecret == "" {
		return nil, fmt.Errorf("%w: refresh token secret is not configured", autherr.ErrConfig)
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, fmt.Errorf("%w: token lifetimes must be positive", autherr.ErrConfig)
	}
	return &Codec{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           time.Now,
	}, nil
}

// WithClock returns a copy of c that reads time from now.  Used by tests
// to issue or verify tokens at a fixed instant.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

// IssueAccess signs an HS256 access token for id.
func (c *Codec) IssueAccess(id Identity) (Issued, error) {
	if len(c.accessSecret) == 0 {
		return Issued{}, fmt.Errorf("%w: access token secret is not configured", autherr.ErrConfig)
	}
	now := c.now().UTC()
	exp := now.Add(c.accessTTL)
	claims := &AccessClaims{
		UserID:   id.ID,
		Username: id.Username,
		Email:    id.Email,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(id.ID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.accessSecret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign access token: %w", err)
	}
	return Issued{Token: signed, ExpiresAt: exp}, nil
}

// IssueRefresh signs an HS256 refresh token carrying only the user id.
func (c *Codec) IssueRefresh(id Identity) (Issued, error) {
	if len(c.refreshSecret) == 0 {
		return Issued{}, fmt.Errorf("%w: refresh token secret is not configured", autherr.ErrConfig)
	}
	now := c.now().UTC()
	exp := now.Add(c.refreshTTL)
	claims := &RefreshClaims{
		UserID: id.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatUint(id.ID, 10),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.refreshSecret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return Issued{Token: signed, ExpiresAt: exp}, nil
}

// VerifyAccess validates signature, algorithm, issuer and expiry.  It fails
// with autherr.ErrTokenExpired when only the expiry check fails and with
// autherr.ErrTokenInvalid otherwise.
func (c *Codec) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := c.parse(raw, claims, c.accessSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyRefresh is VerifyAccess for refresh tokens.
func (c *Codec) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := c.parse(raw, claims, c.refreshSecret); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Codec) parse(raw string, claims jwt.Claims, secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: signing secret is not configured", autherr.ErrConfig)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	tok, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	switch {
	case err == nil && tok.Valid:
		return nil
	case errors.Is(err, jwt.ErrTokenExpired):
		// jwt/v5 verifies the signature before the claims, so reaching
		// an expiry error implies the signature was good.
		return fmt.Errorf("%w: %v", autherr.ErrTokenExpired, err)
	case err != nil:
		return fmt.Errorf("%w: %v", autherr.ErrTokenInvalid, err)
	default:
		return autherr.ErrTokenInvalid
	}
}

// DecodeUnsafe returns the embedded claims without checking the signature
// or expiry, or nil when raw is not a structurally valid JWT.  Diagnostics
// only: never base an authorization decision on the result.
func (c *Codec) DecodeUnsafe(raw string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}
	return claims
}
