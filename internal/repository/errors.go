// Package repository is the MySQL-backed credential store.  Higher layers
// depend on the UserStore, TokenStore and Transactor interfaces and
// distinguish failure scenarios through the sentinel values below.
package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when no row matches the lookup key, or when a
// conditional update matched nothing.
var ErrNotFound = errors.New("not found")

// ErrEmailExists and ErrUsernameExists are returned when an insert or
// update hits the corresponding unique index.
var (
	ErrEmailExists    = errors.New("email already exists")
	ErrUsernameExists = errors.New("username already exists")
)

const mysqlDuplicateEntry = 1062

// classifyDuplicate maps a MySQL duplicate-key error on the users table
// to the matching sentinel; other errors are returned unchanged.
func classifyDuplicate(err error) error {
	var me *mysql.MySQLError
	if !errors.As(err, &me) || me.Number != mysqlDuplicateEntry {
		return err
	}
	switch {
	case strings.Contains(me.Message, "uq_users_email"):
		return ErrEmailExists
	case strings.Contains(me.Message, "uq_users_username"):
		return ErrUsernameExists
	}
	return err
}
