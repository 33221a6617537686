package relay

import "errors"

var (
	// ErrNotJoined is reported to a participant that sends a room scoped
	// message before joining. The relay itself silently drops such events.
	ErrNotJoined    = errors.New("participant has not joined a room")
	ErrEmptyRoomKey = errors.New("room key is empty")
)
