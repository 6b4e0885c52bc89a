package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/auth-broker/internal/model"
)

// TokenRepo persists refresh tokens by SHA-256 digest (single 'token_hash'
// column).  A row is created per login/registration and rotated in place
// per refresh.
type TokenRepo struct{ DB DBTX }

func NewTokenRepo(db DBTX) *TokenRepo { return &TokenRepo{DB: db} }

// Store inserts a refresh token row and returns its id.
func (r *TokenRepo) Store(ctx context.Context, userID uint64, tokenHash string, expiresAt time.Time) (uint64, error) {
	now := time.Now().UTC().Truncate(time.Second)
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, token_hash, expires_at, created_at, updated_at) VALUES (?,?,?,?,?)",
		userID, tokenHash, expiresAt.UTC(), now, now)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// FindByHash loads the record with its owner.  The LEFT JOIN keeps the
// record visible when the owner row is gone so the caller can tell
// "unknown token" from "token of a missing user".
func (r *TokenRepo) FindByHash(ctx context.Context, tokenHash string) (model.RefreshToken, *model.User, error) {
	var (
		t        model.RefreshToken
		uid      sql.NullInt64
		username sql.NullString
		email    sql.NullString
		hash     sql.NullString
		role     sql.NullString
		active   sql.NullBool
		uCreated sql.NullTime
		uUpdated sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT t.id, t.user_id, t.token_hash, t.expires_at, t.created_at, t.updated_at,
		       u.id, u.username, u.email, u.password_hash, u.role, u.is_active, u.created_at, u.updated_at
		FROM refresh_tokens t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.token_hash=? LIMIT 1`, tokenHash).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt,
			&uid, &username, &email, &hash, &role, &active, &uCreated, &uUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RefreshToken{}, nil, ErrNotFound
	}
	if err != nil {
		return model.RefreshToken{}, nil, err
	}
	if !uid.Valid {
		return t, nil, nil
	}
	return t, &model.User{
		ID:           uint64(uid.Int64),
		Username:     username.String,
		Email:        email.String,
		PasswordHash: hash.String,
		Role:         model.Role(role.String),
		IsActive:     active.Bool,
		CreatedAt:    uCreated.Time,
		UpdatedAt:    uUpdated.Time,
	}, nil
}

// Rotate is a compare-and-swap on the token digest: the row is updated
// only while it still holds oldHash, so of two concurrent refreshes with
// the same token exactly one sees an affected row.
func (r *TokenRepo) Rotate(ctx context.Context, id uint64, oldHash, newHash string, expiresAt time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET token_hash=?, expires_at=?, updated_at=? WHERE id=? AND token_hash=?",
		newHash, expiresAt.UTC(), time.Now().UTC().Truncate(time.Second), id, oldHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

// DeleteByHash removes one token.  Deleting an unknown digest is not an error.
func (r *TokenRepo) DeleteByHash(ctx context.Context, tokenHash string) error {
	_, err := r.DB.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE token_hash=?", tokenHash)
	return err
}

// DeleteAllForUser removes every refresh token of the user.
func (r *TokenRepo) DeleteAllForUser(ctx context.Context, userID uint64) error {
	_, err := r.DB.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE user_id=?", userID)
	return err
}

// DeleteExpired removes rows whose stored expiry has passed and reports
// how many were removed.
func (r *TokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < ?", now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
