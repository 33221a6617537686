package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type Account struct {
	ID           int64
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// CreateAccount returns ErrConflict when the username is taken.
func (s *Store) CreateAccount(ctx context.Context, username string, passwordHash []byte, now time.Time) (Account, error) {
	acct := Account{Username: username, PasswordHash: passwordHash, CreatedAt: now}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO accounts (username, password_hash, created_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{username, passwordHash, now.UnixNano()}})
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: username %q", ErrConflict, username)
			}
			return fmt.Errorf("store: insert account: %w", err)
		}
		acct.ID = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (s *Store) AccountByUsername(ctx context.Context, username string) (Account, error) {
	var (
		acct  Account
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, username, password_hash, created_at FROM accounts WHERE username = ?`,
			&sqlitex.ExecOptions{
				Args: []any{username},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					acct = scanAccount(stmt)
					return nil
				},
			})
	})
	if err != nil {
		return Account{}, fmt.Errorf("store: select account: %w", err)
	}
	if !found {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

func scanAccount(stmt *sqlite.Stmt) Account {
	hash := make([]byte, stmt.ColumnLen(2))
	stmt.ColumnBytes(2, hash)
	return Account{
		ID:           stmt.ColumnInt64(0),
		Username:     stmt.ColumnText(1),
		PasswordHash: hash,
		CreatedAt:    time.Unix(0, stmt.ColumnInt64(3)),
	}
}
