// Package protocol defines the JSON messages exchanged between mesh clients and
// the signaling server.
//
// The relay treats signal payloads as opaque bytes; only the negotiation
// engine on each client decodes them (see SignalPayload).
package protocol

import (
	"encoding/json"
	"time"
)

type ClientMessageType string

const (
	ClientMessageTypeJoin             ClientMessageType = "join"
	ClientMessageTypeSignal           ClientMessageType = "signal"
	ClientMessageTypeChat             ClientMessageType = "chat-message"
	ClientMessageTypeMediaStateChange ClientMessageType = "media-state-change"
	ClientMessageTypeLeave            ClientMessageType = "leave"
)

type ServerMessageType string

const (
	ServerMessageTypeJoined           ServerMessageType = "joined"
	ServerMessageTypeMemberJoined     ServerMessageType = "member-joined"
	ServerMessageTypeSignal           ServerMessageType = "signal"
	ServerMessageTypeChat             ServerMessageType = "chat-message"
	ServerMessageTypeMediaStateChange ServerMessageType = "media-state-change"
	ServerMessageTypeMemberLeft       ServerMessageType = "member-left"
	ServerMessageTypeError            ServerMessageType = "error"
)

// DefaultDisplayName is used when a participant joins without a name.
const DefaultDisplayName = "anonymous"

// Leave reasons carried by member-left.
const (
	LeaveReasonIntentional = "intentional"
	LeaveReasonDisconnect  = "disconnect"
	LeaveReasonRejoin      = "rejoin"
)

// MediaState is a participant's self-reported view of what it is sending.
type MediaState struct {
	Camera      bool `json:"camera"`
	Microphone  bool `json:"microphone"`
	ScreenShare bool `json:"screenShare"`
}

// ClientMessage is sent by a participant to the signaling server. Exactly one
// body field matching Type is set (none for leave).
type ClientMessage struct {
	Type ClientMessageType `json:"type"`

	Join       *JoinRequest   `json:"join,omitempty"`
	Signal     *SignalRequest `json:"signal,omitempty"`
	Chat       *ChatRequest   `json:"chat,omitempty"`
	MediaState *MediaState    `json:"mediaState,omitempty"`
}

type JoinRequest struct {
	RoomKey     string `json:"roomKey,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type SignalRequest struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

type ChatRequest struct {
	Text       string `json:"text"`
	SenderName string `json:"senderName,omitempty"`
}

// ServerMessage is sent by the signaling server to a participant. Exactly one
// body field matching Type is set.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`

	Joined       *Joined           `json:"joined,omitempty"`
	MemberJoined *MemberJoined     `json:"memberJoined,omitempty"`
	Signal       *RelayedSignal    `json:"signal,omitempty"`
	Chat         *ChatMessage      `json:"chat,omitempty"`
	MediaState   *MediaStateUpdate `json:"mediaState,omitempty"`
	MemberLeft   *MemberLeft       `json:"memberLeft,omitempty"`
	Error        *Error            `json:"error,omitempty"`
}

// Joined is the join result delivered to the joiner only. PeerIDs lists the
// members that were already in the room.
type Joined struct {
	SelfID          string                `json:"selfId"`
	RoomKey         string                `json:"roomKey"`
	PeerIDs         []string              `json:"peerIds"`
	PeerNames       map[string]string     `json:"peerNames"`
	PeerMediaStates map[string]MediaState `json:"peerMediaStates"`
}

// MemberJoined is broadcast to existing members when someone joins. MemberIDs
// is the full updated membership, joiner included.
type MemberJoined struct {
	JoinerID    string                `json:"joinerId"`
	MemberIDs   []string              `json:"memberIds"`
	Names       map[string]string     `json:"names"`
	MediaStates map[string]MediaState `json:"mediaStates"`
}

type RelayedSignal struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

type ChatMessage struct {
	Text       string    `json:"text"`
	SenderName string    `json:"senderName"`
	SenderID   string    `json:"senderId"`
	Timestamp  time.Time `json:"timestamp"`
}

type MediaStateUpdate struct {
	Origin string     `json:"origin"`
	State  MediaState `json:"state"`
}

type MemberLeft struct {
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Origin returns the participant a relayed event originated from, or "" for
// events without one.
func (m ServerMessage) Origin() string {
	switch {
	case m.Signal != nil:
		return m.Signal.Origin
	case m.Chat != nil:
		return m.Chat.SenderID
	case m.MediaState != nil:
		return m.MediaState.Origin
	case m.MemberJoined != nil:
		return m.MemberJoined.JoinerID
	case m.MemberLeft != nil:
		return m.MemberLeft.ParticipantID
	default:
		return ""
	}
}
