// Package history records which rooms an account has joined.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/store"
)

var ErrInvalidRoomKey = errors.New("history: invalid room key")

type Entry struct {
	RoomKey string    `json:"roomKey"`
	Date    time.Time `json:"date"`
}

type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (auth.Identity, error)
}

// Rows is the persistence the service needs. *store.Store implements it.
type Rows interface {
	AddHistory(ctx context.Context, accountID int64, roomKey string, at time.Time) error
	ListHistory(ctx context.Context, accountID int64) ([]store.HistoryRow, error)
}

type Service struct {
	tokens TokenVerifier
	rows   Rows
	now    func() time.Time
}

func NewService(tokens TokenVerifier, rows Rows, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{tokens: tokens, rows: rows, now: now}
}

// Record appends roomKey to the token owner's history. It returns
// auth.ErrInvalidToken for unknown or expired tokens.
func (s *Service) Record(ctx context.Context, token, roomKey string) error {
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" || len(roomKey) > protocol.MaxRoomKeyBytes {
		return ErrInvalidRoomKey
	}
	id, err := s.tokens.VerifyToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.rows.AddHistory(ctx, id.AccountID, roomKey, s.now()); err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// ListFor returns the token owner's history, oldest first.
func (s *Service) ListFor(ctx context.Context, token string) ([]Entry, error) {
	id, err := s.tokens.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows.ListHistory(ctx, id.AccountID)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, Entry{RoomKey: r.RoomKey, Date: r.JoinedAt.UTC()})
	}
	return entries, nil
}
