package mesh

import "github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"

type EventType string

const (
	EventJoined     EventType = "joined"
	EventPeerJoined EventType = "peer-joined"
	EventPeerLeft   EventType = "peer-left"
	EventChat       EventType = "chat"
	EventMediaState EventType = "media-state"
	EventError      EventType = "error"
)

// Event is delivered to Config.OnEvent. Only the fields relevant to Type are
// set.
type Event struct {
	Type   EventType
	Room   string
	PeerID string
	Name   string
	// Peers lists the remote participants present when the local participant
	// joined.
	Peers      []string
	Names      map[string]string
	Chat       *protocol.ChatMessage
	MediaState *protocol.MediaState
	Reason     string
	Error      *protocol.Error
}
