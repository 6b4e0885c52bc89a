package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/auth-broker/internal/model"
	"github.com/iliyamo/auth-broker/internal/utils"
)

const userColumns = "id,username,email,password_hash,role,is_active,created_at,updated_at"

type UserRepo struct {
	DB   DBTX
	Cost int // bcrypt cost applied by the creation and password hooks
}

func NewUserRepo(db DBTX, cost int) *UserRepo { return &UserRepo{DB: db, Cost: cost} }

// NormalizeEmail lower-cases and trims an address the way it is stored.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create hashes password and inserts the user, returning the stored record.
// Unique violations map to ErrEmailExists / ErrUsernameExists.
func (r *UserRepo) Create(ctx context.Context, username, email, password string, role model.Role) (model.User, error) {
	hash, err := utils.HashPassword(password, r.Cost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	u := model.User{
		Username:     strings.TrimSpace(username),
		Email:        NormalizeEmail(email),
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (username,email,password_hash,role,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?)",
		u.Username, u.Email, u.PasswordHash, string(u.Role), u.IsActive, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return model.User{}, classifyDuplicate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.User{}, err
	}
	u.ID = uint64(id)
	return u, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id)
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", NormalizeEmail(email))
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (model.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE username=? LIMIT 1", strings.TrimSpace(username))
}

func (r *UserRepo) getOne(ctx context.Context, query string, arg any) (model.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return u, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u    model.User
		role string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	u.Role = model.Role(role)
	return u, err
}

// Update applies a partial profile update.  An empty update is a no-op.
func (r *UserRepo) Update(ctx context.Context, id uint64, upd model.ProfileUpdate) error {
	if upd.Empty() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	if upd.Username != nil {
		sets = append(sets, "username=?")
		args = append(args, strings.TrimSpace(*upd.Username))
	}
	if upd.Email != nil {
		sets = append(sets, "email=?")
		args = append(args, NormalizeEmail(*upd.Email))
	}
	sets = append(sets, "updated_at=?")
	args = append(args, time.Now().UTC().Truncate(time.Second), id)

	_, err := r.DB.ExecContext(ctx, "UPDATE users SET "+strings.Join(sets, ",")+" WHERE id=?", args...)
	return classifyDuplicate(err)
}

// SetPassword re-hashes password and stores it.
func (r *UserRepo) SetPassword(ctx context.Context, id uint64, password string) error {
	hash, err := utils.HashPassword(password, r.Cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		"UPDATE users SET password_hash=?, updated_at=? WHERE id=?",
		hash, time.Now().UTC().Truncate(time.Second), id)
	return err
}

// SetActive flips the active flag.  Users are never hard-deleted.
func (r *UserRepo) SetActive(ctx context.Context, id uint64, active bool) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET is_active=?, updated_at=? WHERE id=?",
		active, time.Now().UTC().Truncate(time.Second), id)
	return err
}

// SetRole changes the role of the user with the given email.  MySQL
// reports zero affected rows for a no-op update, so existence is the
// caller's check.
func (r *UserRepo) SetRole(ctx context.Context, email string, role model.Role) error {
	_, err := r.DB.ExecContext(ctx,
		"UPDATE users SET role=?, updated_at=? WHERE email=?",
		string(role), time.Now().UTC().Truncate(time.Second), NormalizeEmail(email))
	return err
}

// List returns every user ordered by id.
func (r *UserRepo) List(ctx context.Context) ([]model.User, error) {
	rows, err := r.DB.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
