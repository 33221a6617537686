package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

type HistoryRow struct {
	RoomKey  string
	JoinedAt time.Time
}

func (s *Store) AddHistory(ctx context.Context, accountID int64, roomKey string, at time.Time) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO meeting_history (account_id, room_key, joined_at) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{accountID, roomKey, at.UnixNano()}})
		if err != nil {
			return fmt.Errorf("store: insert history: %w", err)
		}
		return nil
	})
}

// ListHistory returns an account's history oldest first. Entries with the
// same timestamp keep insertion order.
func (s *Store) ListHistory(ctx context.Context, accountID int64) ([]HistoryRow, error) {
	rows := []HistoryRow{}
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT room_key, joined_at FROM meeting_history WHERE account_id = ? ORDER BY joined_at, id`,
			&sqlitex.ExecOptions{
				Args: []any{accountID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					rows = append(rows, HistoryRow{
						RoomKey:  stmt.ColumnText(0),
						JoinedAt: time.Unix(0, stmt.ColumnInt64(1)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("store: select history: %w", err)
	}
	return rows, nil
}
