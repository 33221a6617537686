package mesh

import "errors"

var (
	ErrEngineClosed = errors.New("mesh: engine closed")
	ErrNotJoined    = errors.New("mesh: not joined to a room")
	ErrEmptyChat    = errors.New("mesh: empty chat message")
)
