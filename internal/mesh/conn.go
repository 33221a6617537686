package mesh

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

// PeerConn is the engine's view of one WebRTC peer connection. Implementations
// need not be safe for concurrent use; the engine serializes calls per peer.
type PeerConn interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(iceRestart bool) (protocol.SessionDescription, error)
	// CreateAnswer creates an answer to the applied remote offer and applies it
	// as the local description.
	CreateAnswer() (protocol.SessionDescription, error)
	SetRemoteDescription(desc protocol.SessionDescription) error
	// Rollback returns to stable, discarding a pending local offer or an
	// unanswered remote offer.
	Rollback() error
	// AddICECandidate applies a remote candidate. Candidates that arrive before
	// a remote description are queued by the implementation.
	AddICECandidate(c protocol.Candidate) error
	// SyncTracks makes the outbound tracks match tracks, replacing tracks of
	// matching slots in place.
	SyncTracks(tracks []media.Track) error

	OnICECandidate(fn func(protocol.Candidate))
	// OnFailed is called when connectivity fails and an ICE restart is needed.
	OnFailed(fn func())
	Close() error
}

// PeerConnFactory creates the connection to remoteID.
type PeerConnFactory func(remoteID string) (PeerConn, error)

// Sender delivers client messages to the signaling server.
type Sender interface {
	Send(msg protocol.ClientMessage) error
}
