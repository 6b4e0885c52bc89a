package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/iliyamo/auth-broker/internal/model"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so the same repository
// code runs inside and outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UserStore persists user records.  Create hashes the plaintext password
// before the row is written; callers never see or pass a hash.
type UserStore interface {
	Create(ctx context.Context, username, email, password string, role model.Role) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByUsername(ctx context.Context, username string) (model.User, error)
	Update(ctx context.Context, id uint64, upd model.ProfileUpdate) error
	SetPassword(ctx context.Context, id uint64, password string) error
	SetActive(ctx context.Context, id uint64, active bool) error
	SetRole(ctx context.Context, email string, role model.Role) error
	List(ctx context.Context) ([]model.User, error)
}

// TokenStore persists refresh-token records by digest.
type TokenStore interface {
	Store(ctx context.Context, userID uint64, tokenHash string, expiresAt time.Time) (uint64, error)
	// FindByHash returns the record and its owning user; the user is nil
	// when the owner row no longer exists.
	FindByHash(ctx context.Context, tokenHash string) (model.RefreshToken, *model.User, error)
	// Rotate replaces the digest and expiry of record id only if it still
	// holds oldHash.  It returns ErrNotFound when the swap lost.
	Rotate(ctx context.Context, id uint64, oldHash, newHash string, expiresAt time.Time) error
	DeleteByHash(ctx context.Context, tokenHash string) error
	DeleteAllForUser(ctx context.Context, userID uint64) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Transactor runs fn with stores bound to a single transaction.  The
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(users UserStore, tokens TokenStore) error) error
}

// Stores bundles the MySQL repositories over one connection pool.
type Stores struct {
	DB     *sql.DB
	Users  *UserRepo
	Tokens *TokenRepo
	cost   int
}

func NewStores(db *sql.DB, bcryptCost int) *Stores {
	return &Stores{
		DB:     db,
		Users:  NewUserRepo(db, bcryptCost),
		Tokens: NewTokenRepo(db),
		cost:   bcryptCost,
	}
}

// InTx implements Transactor.
func (s *Stores) InTx(ctx context.Context, fn func(users UserStore, tokens TokenStore) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(NewUserRepo(tx, s.cost), NewTokenRepo(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
