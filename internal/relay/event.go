package relay

import (
	"encoding/json"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

// Event is one input to Relay.Handle. The unexported method seals the set to
// the types below and names the acting participant.
type Event interface {
	participant() string
}

type Join struct {
	Participant string
	Room        string
	Name        string
	At          time.Time
}

type Signal struct {
	From    string
	To      string
	Payload json.RawMessage
}

type Chat struct {
	From       string
	Text       string
	SenderName string
	At         time.Time
}

type MediaState struct {
	From  string
	State protocol.MediaState
}

type Leave struct {
	Participant string
	Reason      string
}

func (e Join) participant() string       { return e.Participant }
func (e Signal) participant() string     { return e.From }
func (e Chat) participant() string       { return e.From }
func (e MediaState) participant() string { return e.From }
func (e Leave) participant() string      { return e.Participant }

// Outbound is a message the transport must deliver to one participant.
type Outbound struct {
	To      string
	Message protocol.ServerMessage
}
