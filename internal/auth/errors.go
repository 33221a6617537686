package auth

import "errors"

var (
	ErrUnknownAccount     = errors.New("auth: unknown account")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUsernameTaken      = errors.New("auth: username taken")
	ErrInvalidUsername    = errors.New("auth: invalid username")
	ErrWeakPassword       = errors.New("auth: password rejected")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
)
