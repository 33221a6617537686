// Package auth owns accounts and the opaque session tokens that identify them.
//
// Passwords are stored as bcrypt hashes. Tokens are random and only their
// keyed BLAKE3 digest is persisted, so a leaked database cannot be replayed.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/store"
)

const (
	MaxUsernameBytes = 64
	MinPasswordBytes = 8
	// bcrypt ignores input beyond 72 bytes.
	MaxPasswordBytes = 72

	tokenBytes = 32
)

// tokenDomainKey separates token digests from any other BLAKE3 use.
var tokenDomainKey = [32]byte{
	'a', 'e', 'r', 'o', '.', 'm', 'e', 's', 'h', '.', 's', 'e', 's', 's', 'i', 'o',
	'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Identity is who a session token belongs to.
type Identity struct {
	AccountID int64  `json:"accountId"`
	Username  string `json:"username"`
}

// Accounts is the persistence the service needs. *store.Store implements it.
type Accounts interface {
	CreateAccount(ctx context.Context, username string, passwordHash []byte, now time.Time) (store.Account, error)
	AccountByUsername(ctx context.Context, username string) (store.Account, error)
	CreateSession(ctx context.Context, digest []byte, accountID int64, expiresAt time.Time) error
	SessionAccount(ctx context.Context, digest []byte, now time.Time) (store.Account, error)
}

type Config struct {
	Accounts Accounts
	TokenTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	Now        func() time.Time
}

type Service struct {
	accounts Accounts
	ttl      time.Duration
	cost     int
	now      func() time.Time

	// dummyHash is compared against when the username is unknown so both
	// failure paths take about as long.
	dummyHash []byte
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Accounts == nil {
		return nil, errors.New("auth: accounts store is required")
	}
	if cfg.TokenTTL <= 0 {
		return nil, errors.New("auth: token TTL must be positive")
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("aero-mesh-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &Service{accounts: cfg.Accounts, ttl: cfg.TokenTTL, cost: cost, now: now, dummyHash: dummy}, nil
}

func (s *Service) Register(ctx context.Context, username, password string) (Identity, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return Identity{}, err
	}
	if len(password) < MinPasswordBytes || len(password) > MaxPasswordBytes {
		return Identity{}, fmt.Errorf("%w: must be %d-%d bytes", ErrWeakPassword, MinPasswordBytes, MaxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: hash password: %w", err)
	}
	acct, err := s.accounts.CreateAccount(ctx, username, hash, s.now())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Identity{}, ErrUsernameTaken
		}
		return Identity{}, err
	}
	return Identity{AccountID: acct.ID, Username: acct.Username}, nil
}

// VerifyCredentials checks a username and password and issues a new session
// token on success.
func (s *Service) VerifyCredentials(ctx context.Context, username, password string) (string, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	acct, err := s.accounts.AccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return "", ErrUnknownAccount
		}
		return "", err
	}
	if err := bcrypt.CompareHashAndPassword(acct.PasswordHash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.accounts.CreateSession(ctx, tokenDigest(token), acct.ID, s.now().Add(s.ttl)); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Service) VerifyToken(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	acct, err := s.accounts.SessionAccount(ctx, tokenDigest(token), s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, err
	}
	return Identity{AccountID: acct.ID, Username: acct.Username}, nil
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	switch {
	case username == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	case len(username) > MaxUsernameBytes:
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrInvalidUsername, MaxUsernameBytes)
	case !utf8.ValidString(username):
		return "", fmt.Errorf("%w: not valid utf-8", ErrInvalidUsername)
	}
	return username, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func tokenDigest(token string) []byte {
	h, err := blake3.NewKeyed(tokenDomainKey[:])
	if err != nil {
		panic("auth: blake3 keyed hash: " + err.Error())
	}
	_, _ = h.Write([]byte(token))
	return h.Sum(nil)
}
