// Package service holds the auth state machine: registration, login,
// refresh-token rotation, logout and profile mutation.  It is the only
// writer of refresh-token records.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/auth-broker/internal/autherr"
	"github.com/iliyamo/auth-broker/internal/metrics"
	"github.com/iliyamo/auth-broker/internal/model"
	"github.com/iliyamo/auth-broker/internal/queue"
	"github.com/iliyamo/auth-broker/internal/repository"
	"github.com/iliyamo/auth-broker/internal/token"
	"github.com/iliyamo/auth-broker/internal/utils"
)

// TokenPair is a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	User model.SafeUser
	TokenPair
}

// Deps are the collaborators of AuthService.  Events and Metrics are
// optional.
type Deps struct {
	Users   repository.UserStore
	Tokens  repository.TokenStore
	Tx      repository.Transactor
	Codec   *token.Codec
	Events  queue.Publisher
	Metrics *metrics.Auth
	Log     *slog.Logger
	// BcryptCost must match the store's hashing cost; it sizes the dummy
	// comparison run for unknown emails.  Zero means bcrypt.DefaultCost.
	BcryptCost int
}

type AuthService struct {
	users   repository.UserStore
	tokens  repository.TokenStore
	tx      repository.Transactor
	codec   *token.Codec
	events  queue.Publisher
	metrics *metrics.Auth
	log     *slog.Logger
	cost    int
	now     func() time.Time
}

func NewAuthService(d Deps) *AuthService {
	s := &AuthService{
		users:   d.Users,
		tokens:  d.Tokens,
		tx:      d.Tx,
		codec:   d.Codec,
		events:  d.Events,
		metrics: d.Metrics,
		log:     d.Log,
		cost:    d.BcryptCost,
		now:     time.Now,
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	if s.events == nil {
		s.events = queue.NopPublisher{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Register creates the user and its first refresh-token record in one
// transaction, then returns the user with a new token pair.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (res AuthResult, err error) {
	defer func() { s.metrics.Observe("register", err) }()

	if len(password) > utils.MaxPasswordBytes {
		return AuthResult{}, autherr.ErrPasswordTooLong
	}
	if err := s.ensureUnique(ctx, 0, &username, &email); err != nil {
		return AuthResult{}, err
	}

	var (
		user model.User
		pair TokenPair
	)
	err = s.tx.InTx(ctx, func(users repository.UserStore, tokens repository.TokenStore) error {
		u, err := users.Create(ctx, username, email, password, model.RoleUser)
		if err != nil {
			return mapDuplicate(err)
		}
		p, err := s.issueAndStore(ctx, tokens, u)
		if err != nil {
			return err
		}
		user, pair = u, p
		return nil
	})
	if err != nil {
		return AuthResult{}, s.storeErr("register", err)
	}

	s.log.Info("user registered", slog.Uint64("user_id", user.ID))
	s.publish(ctx, queue.NewEvent(queue.EventUserRegistered, user.ID, user.Username))
	return AuthResult{User: user.Safe(), TokenPair: pair}, nil
}

// Login checks credentials and adds a new refresh-token record.  An unknown
// email and a wrong password fail identically.
func (s *AuthService) Login(ctx context.Context, email, password string) (res AuthResult, err error) {
	defer func() { s.metrics.Observe("login", err) }()

	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		utils.BurnPasswordCheck(password, s.cost)
		return AuthResult{}, autherr.ErrInvalidCredentials
	}
	if err != nil {
		return AuthResult{}, s.storeErr("login", err)
	}
	if !utils.VerifyPassword(u.PasswordHash, password) {
		return AuthResult{}, autherr.ErrInvalidCredentials
	}
	if !u.IsActive {
		return AuthResult{}, autherr.ErrAccountDeactivated
	}

	pair, err := s.issueAndStore(ctx, s.tokens, u)
	if err != nil {
		return AuthResult{}, s.storeErr("login", err)
	}

	s.log.Info("user logged in", slog.Uint64("user_id", u.ID))
	s.publish(ctx, queue.NewEvent(queue.EventUserLoggedIn, u.ID, u.Username))
	return AuthResult{User: u.Safe(), TokenPair: pair}, nil
}

// Logout deletes the record matching refreshToken, if any.  It never fails:
// an unknown token is a no-op and a store error is only logged.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) {
	defer s.metrics.Observe("logout", nil)
	if refreshToken == "" {
		return
	}
	hash := utils.HashToken(refreshToken)

	rec, owner, err := s.tokens.FindByHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.log.Error("logout: lookup refresh token", slog.Any("error", err))
		}
		return
	}
	if err := s.tokens.DeleteByHash(ctx, hash); err != nil {
		s.log.Error("logout: delete refresh token", slog.Uint64("user_id", rec.UserID), slog.Any("error", err))
		return
	}

	s.log.Info("user logged out", slog.Uint64("user_id", rec.UserID))
	username := ""
	if owner != nil {
		username = owner.Username
	}
	s.publish(ctx, queue.NewEvent(queue.EventUserLoggedOut, rec.UserID, username))
}

// Refresh exchanges a refresh token for a new pair and rotates the stored
// record in place.  The rotation is conditional on the record still
// holding the presented digest, so a token can be redeemed at most once.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (pair TokenPair, err error) {
	defer func() { s.metrics.Observe("refresh", err) }()

	claims, err := s.codec.VerifyRefresh(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}

	oldHash := utils.HashToken(refreshToken)
	rec, owner, err := s.tokens.FindByHash(ctx, oldHash)
	if errors.Is(err, repository.ErrNotFound) {
		return TokenPair{}, autherr.ErrTokenNotFound
	}
	if err != nil {
		return TokenPair{}, s.storeErr("refresh", err)
	}
	if rec.Expired(s.now()) {
		return TokenPair{}, autherr.ErrTokenExpired
	}
	if owner == nil || !owner.IsActive {
		return TokenPair{}, autherr.ErrUserInactive
	}
	if claims.UserID != rec.UserID {
		return TokenPair{}, autherr.ErrTokenInvalid
	}

	pair, err = s.issue(*owner)
	if err != nil {
		return TokenPair{}, err
	}
	err = s.tokens.Rotate(ctx, rec.ID, oldHash, utils.HashToken(pair.RefreshToken), pair.RefreshExpiresAt)
	if errors.Is(err, repository.ErrNotFound) {
		// lost the race against a concurrent refresh or logout
		return TokenPair{}, autherr.ErrTokenNotFound
	}
	if err != nil {
		return TokenPair{}, s.storeErr("refresh", err)
	}

	s.log.Info("token refreshed", slog.Uint64("user_id", owner.ID))
	s.publish(ctx, queue.NewEvent(queue.EventTokenRefreshed, owner.ID, owner.Username))
	return pair, nil
}

// GetCurrentUser returns the sanitized user or autherr.ErrUserNotFound.
func (s *AuthService) GetCurrentUser(ctx context.Context, id uint64) (model.SafeUser, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.SafeUser{}, autherr.ErrUserNotFound
	}
	if err != nil {
		return model.SafeUser{}, s.storeErr("get user", err)
	}
	return u.Safe(), nil
}

// ActiveUser is GetCurrentUser for the authentication path: a missing or
// deactivated user yields autherr.ErrUserInactive.
func (s *AuthService) ActiveUser(ctx context.Context, id uint64) (model.SafeUser, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.SafeUser{}, autherr.ErrUserInactive
	}
	if err != nil {
		return model.SafeUser{}, s.storeErr("resolve user", err)
	}
	if !u.IsActive {
		return model.SafeUser{}, autherr.ErrUserInactive
	}
	return u.Safe(), nil
}

// UpdateProfile applies a partial username/email update.
func (s *AuthService) UpdateProfile(ctx context.Context, id uint64, upd model.ProfileUpdate) (user model.SafeUser, err error) {
	defer func() { s.metrics.Observe("update_profile", err) }()

	if _, err := s.GetCurrentUser(ctx, id); err != nil {
		return model.SafeUser{}, err
	}
	if err := s.ensureUnique(ctx, id, upd.Username, upd.Email); err != nil {
		return model.SafeUser{}, err
	}
	if err := s.users.Update(ctx, id, upd); err != nil {
		return model.SafeUser{}, s.storeErr("update profile", mapDuplicate(err))
	}
	return s.GetCurrentUser(ctx, id)
}

// ChangePassword verifies the current password, stores the new one and
// revokes every refresh token of the user.
func (s *AuthService) ChangePassword(ctx context.Context, id uint64, current, next string) (err error) {
	defer func() { s.metrics.Observe("change_password", err) }()

	if len(next) > utils.MaxPasswordBytes {
		return autherr.ErrPasswordTooLong
	}
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return autherr.ErrUserNotFound
	}
	if err != nil {
		return s.storeErr("change password", err)
	}
	if !utils.VerifyPassword(u.PasswordHash, current) {
		return autherr.ErrInvalidCredentials
	}
	err = s.tx.InTx(ctx, func(users repository.UserStore, tokens repository.TokenStore) error {
		if err := users.SetPassword(ctx, id, next); err != nil {
			return mapDuplicate(err)
		}
		return tokens.DeleteAllForUser(ctx, id)
	})
	if err != nil {
		return s.storeErr("change password", err)
	}

	s.log.Info("password changed", slog.Uint64("user_id", id))
	s.publish(ctx, queue.NewEvent(queue.EventUserPasswordChanged, u.ID, u.Username))
	return nil
}

// SetActive flips the active flag.  Deactivation also revokes the user's
// refresh tokens.
func (s *AuthService) SetActive(ctx context.Context, id uint64, active bool) (user model.SafeUser, err error) {
	defer func() { s.metrics.Observe("set_active", err) }()

	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.SafeUser{}, autherr.ErrUserNotFound
	}
	if err != nil {
		return model.SafeUser{}, s.storeErr("set active", err)
	}
	err = s.tx.InTx(ctx, func(users repository.UserStore, tokens repository.TokenStore) error {
		if err := users.SetActive(ctx, id, active); err != nil {
			return err
		}
		if !active {
			return tokens.DeleteAllForUser(ctx, id)
		}
		return nil
	})
	if err != nil {
		return model.SafeUser{}, s.storeErr("set active", err)
	}

	s.log.Info("user status changed", slog.Uint64("user_id", id), slog.Bool("active", active))
	ev := queue.NewEvent(queue.EventUserStatusChanged, u.ID, u.Username)
	ev.Detail = fmt.Sprintf("active=%t", active)
	s.publish(ctx, ev)
	return s.GetCurrentUser(ctx, id)
}

// SetRole changes the role of the user registered under email.  Existing
// access tokens keep the old role until they expire.
func (s *AuthService) SetRole(ctx context.Context, email string, role model.Role) (user model.SafeUser, err error) {
	defer func() { s.metrics.Observe("set_role", err) }()

	if !role.Valid() {
		return model.SafeUser{}, fmt.Errorf("%w: unknown role %q", autherr.ErrValidation, role)
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return model.SafeUser{}, autherr.ErrUserNotFound
	}
	if err != nil {
		return model.SafeUser{}, s.storeErr("set role", err)
	}
	if err := s.users.SetRole(ctx, u.Email, role); err != nil {
		return model.SafeUser{}, s.storeErr("set role", err)
	}
	s.log.Info("user role changed", slog.Uint64("user_id", u.ID), slog.String("role", string(role)))
	return s.GetCurrentUser(ctx, u.ID)
}

// ListUsers returns every user, sanitized.
func (s *AuthService) ListUsers(ctx context.Context) ([]model.SafeUser, error) {
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, s.storeErr("list users", err)
	}
	out := make([]model.SafeUser, 0, len(users))
	for _, u := range users {
		out = append(out, u.Safe())
	}
	return out, nil
}

// PruneExpired deletes refresh-token records past their stored expiry.
func (s *AuthService) PruneExpired(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.now())
	s.metrics.Observe("prune", err)
	if err != nil {
		return 0, s.storeErr("prune", err)
	}
	if n > 0 {
		s.log.Info("expired refresh tokens pruned", slog.Int64("count", n))
	}
	return n, nil
}

// issue signs a new pair for u.
func (s *AuthService) issue(u model.User) (TokenPair, error) {
	id := token.IdentityOf(u)
	access, err := s.codec.IssueAccess(id)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.codec.IssueRefresh(id)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access.Token,
		RefreshToken:     refresh.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}, nil
}

// issueAndStore signs a pair and inserts a new refresh-token record.
func (s *AuthService) issueAndStore(ctx context.Context, tokens repository.TokenStore, u model.User) (TokenPair, error) {
	pair, err := s.issue(u)
	if err != nil {
		return TokenPair{}, err
	}
	if _, err := tokens.Store(ctx, u.ID, utils.HashToken(pair.RefreshToken), pair.RefreshExpiresAt); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

// ensureUnique checks email before username so a request colliding on both
// reports the email.  selfID excludes the caller's own record.
func (s *AuthService) ensureUnique(ctx context.Context, selfID uint64, username, email *string) error {
	if email != nil {
		u, err := s.users.GetByEmail(ctx, *email)
		switch {
		case err == nil && u.ID != selfID:
			return autherr.ErrDuplicateEmail
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return s.storeErr("check email", err)
		}
	}
	if username != nil {
		u, err := s.users.GetByUsername(ctx, *username)
		switch {
		case err == nil && u.ID != selfID:
			return autherr.ErrDuplicateUsername
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return s.storeErr("check username", err)
		}
	}
	return nil
}

func (s *AuthService) publish(ctx context.Context, ev queue.AuthEvent) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("auth event dropped", slog.String("type", ev.Type), slog.Any("error", err))
	}
}

// storeErr passes classified errors through and logs everything else as
// an unexpected store failure.
func (s *AuthService) storeErr(op string, err error) error {
	if _, ok := autherr.As(err); ok {
		return err
	}
	s.log.Error("store failure", slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("%s: %w", op, err)
}

// mapDuplicate turns unique-index violations that slipped past
// ensureUnique (concurrent registrations) into taxonomy errors.  bcrypt's
// length limit maps to ErrPasswordTooLong.
func mapDuplicate(err error) error {
	switch {
	case errors.Is(err, bcrypt.ErrPasswordTooLong):
		return autherr.ErrPasswordTooLong
	case errors.Is(err, repository.ErrEmailExists):
		return autherr.ErrDuplicateEmail
	case errors.Is(err, repository.ErrUsernameExists):
		return autherr.ErrDuplicateUsername
	}
	return err
}
