package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	MaxRoomKeyBytes     = 256
	MaxDisplayNameBytes = 128
	MaxChatTextBytes    = 8 * 1024
)

var errTrailingData = errors.New("unexpected trailing data")

// ParseClientMessage strictly decodes a client message: unknown fields,
// trailing data and bodies that do not match the declared type are rejected.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := decodeStrict(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	if err := msg.Validate(); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := decodeStrict(data, &msg); err != nil {
		return ServerMessage{}, err
	}
	if err := msg.Validate(); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errTrailingData
	}
	return nil
}

func (m ClientMessage) bodyCount() int {
	n := 0
	if m.Join != nil {
		n++
	}
	if m.Signal != nil {
		n++
	}
	if m.Chat != nil {
		n++
	}
	if m.MediaState != nil {
		n++
	}
	return n
}

func (m ClientMessage) Validate() error {
	switch m.Type {
	case ClientMessageTypeJoin:
		if m.Join == nil {
			return fmt.Errorf("join message missing join")
		}
		if len(m.Join.RoomKey) > MaxRoomKeyBytes {
			return fmt.Errorf("join roomKey exceeds %d bytes", MaxRoomKeyBytes)
		}
		if len(m.Join.DisplayName) > MaxDisplayNameBytes {
			return fmt.Errorf("join displayName exceeds %d bytes", MaxDisplayNameBytes)
		}
	case ClientMessageTypeSignal:
		if m.Signal == nil {
			return fmt.Errorf("signal message missing signal")
		}
		if m.Signal.Target == "" {
			return fmt.Errorf("signal message missing target")
		}
		if isEmptyPayload(m.Signal.Payload) {
			return fmt.Errorf("signal message missing payload")
		}
	case ClientMessageTypeChat:
		if m.Chat == nil {
			return fmt.Errorf("chat-message missing chat")
		}
		if strings.TrimSpace(m.Chat.Text) == "" {
			return fmt.Errorf("chat-message has empty text")
		}
		if len(m.Chat.Text) > MaxChatTextBytes {
			return fmt.Errorf("chat-message text exceeds %d bytes", MaxChatTextBytes)
		}
		if !utf8.ValidString(m.Chat.Text) {
			return fmt.Errorf("chat-message text is not valid utf-8")
		}
	case ClientMessageTypeMediaStateChange:
		if m.MediaState == nil {
			return fmt.Errorf("media-state-change missing mediaState")
		}
	case ClientMessageTypeLeave:
		if m.bodyCount() != 0 {
			return fmt.Errorf("leave message has unexpected fields")
		}
		return nil
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	if m.bodyCount() != 1 {
		return fmt.Errorf("%s message has unexpected fields", m.Type)
	}
	return nil
}

func (m ServerMessage) Validate() error {
	n := 0
	for _, set := range []bool{
		m.Joined != nil, m.MemberJoined != nil, m.Signal != nil, m.Chat != nil,
		m.MediaState != nil, m.MemberLeft != nil, m.Error != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%s message must carry exactly one body, got %d", m.Type, n)
	}

	var ok bool
	switch m.Type {
	case ServerMessageTypeJoined:
		ok = m.Joined != nil && m.Joined.SelfID != ""
	case ServerMessageTypeMemberJoined:
		ok = m.MemberJoined != nil && m.MemberJoined.JoinerID != ""
	case ServerMessageTypeSignal:
		ok = m.Signal != nil && m.Signal.Origin != "" && !isEmptyPayload(m.Signal.Payload)
	case ServerMessageTypeChat:
		ok = m.Chat != nil
	case ServerMessageTypeMediaStateChange:
		ok = m.MediaState != nil && m.MediaState.Origin != ""
	case ServerMessageTypeMemberLeft:
		ok = m.MemberLeft != nil && m.MemberLeft.ParticipantID != ""
	case ServerMessageTypeError:
		ok = m.Error != nil && m.Error.Code != ""
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("malformed %s message", m.Type)
	}
	return nil
}

func isEmptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// NormalizeDisplayName trims name and substitutes DefaultDisplayName for an
// empty result.
func NormalizeDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultDisplayName
	}
	return name
}

func ErrorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: ServerMessageTypeError, Error: &Error{Code: code, Message: message}}
}
