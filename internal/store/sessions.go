package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// CreateSession stores a token digest. The raw token never reaches the
// database.
func (s *Store) CreateSession(ctx context.Context, digest []byte, accountID int64, expiresAt time.Time) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO sessions (token_digest, account_id, expires_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{digest, accountID, expiresAt.UnixNano()}})
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("store: insert session: %w", err)
		}
		return nil
	})
}

// SessionAccount returns the account owning an unexpired session.
func (s *Store) SessionAccount(ctx context.Context, digest []byte, now time.Time) (Account, error) {
	var (
		acct  Account
		found bool
	)
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT a.id, a.username, a.password_hash, a.created_at
			FROM sessions s JOIN accounts a ON a.id = s.account_id
			WHERE s.token_digest = ? AND s.expires_at > ?`,
			&sqlitex.ExecOptions{
				Args: []any{digest, now.UnixNano()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					acct = scanAccount(stmt)
					return nil
				},
			})
	})
	if err != nil {
		return Account{}, fmt.Errorf("store: select session: %w", err)
	}
	if !found {
		return Account{}, ErrNotFound
	}
	return acct, nil
}

// DeleteExpiredSessions removes sessions that expired at or before now and
// returns how many were removed.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM sessions WHERE expires_at <= ?`,
			&sqlitex.ExecOptions{Args: []any{now.UnixNano()}}); err != nil {
			return fmt.Errorf("store: delete sessions: %w", err)
		}
		n = conn.Changes()
		return nil
	})
	return n, err
}
