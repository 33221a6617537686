package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

// Conn is a mesh.PeerConn backed by a pion PeerConnection. Remote media is
// read and discarded; the headless participant only counts it.
type Conn struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger
	remoteID   string

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	senders     map[media.Kind]*webrtc.RTPSender
	pending     []webrtc.ICECandidateInit
	onCandidate func(protocol.Candidate)
	onFailed    func()

	receivedPackets atomic.Uint64
	remoteTracks    atomic.Int32
}

var _ mesh.PeerConn = (*Conn)(nil)

// NewFactory returns a mesh.PeerConnFactory creating one Conn per remote
// participant.
func NewFactory(api *webrtc.API, iceServers []webrtc.ICEServer, log *slog.Logger) mesh.PeerConnFactory {
	return func(remoteID string) (mesh.PeerConn, error) {
		return NewConn(api, iceServers, remoteID, log)
	}
}

// ErrRollbackUnsupported is returned by Rollback once the connection has
// completed a negotiation. pion cannot apply a rollback description, and a
// fresh PeerConnection would not match the established DTLS session.
var ErrRollbackUnsupported = errors.New("webrtcpeer: rollback of an established connection is not supported")

func NewConn(api *webrtc.API, iceServers []webrtc.ICEServer, remoteID string, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Conn{
		api:        api,
		iceServers: iceServers,
		log:        log.With("remote", remoteID),
		remoteID:   remoteID,
		senders:    make(map[media.Kind]*webrtc.RTPSender),
	}
	pc, err := c.newPeerConnection()
	if err != nil {
		return nil, err
	}
	c.pc = pc
	return c, nil
}

// newPeerConnection creates a PeerConnection whose callbacks are ignored once
// it is no longer c.pc.
func (c *Conn) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		c.mu.Lock()
		fn := c.onCandidate
		current := c.pc == pc
		c.mu.Unlock()
		if fn != nil && current {
			fn(protocol.CandidateFromPion(candidate.ToJSON()))
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.log.Debug("ice connection state", "state", state.String())
		if state != webrtc.ICEConnectionStateFailed {
			return
		}
		c.mu.Lock()
		fn := c.onFailed
		current := c.pc == pc
		c.mu.Unlock()
		if fn != nil && current {
			fn()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.remoteTracks.Add(1)
		c.log.Debug("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType, "stream", track.StreamID())
		go c.drainRemote(track)
	})
	return pc, nil
}

func (c *Conn) peerConnection() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

func (c *Conn) drainRemote(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		c.receivedPackets.Add(1)
	}
}

// drainRTCP keeps the sender's interceptors running; pion requires RTCP to be
// read for them to work.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Conn) CreateOffer(iceRestart bool) (protocol.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	pc := c.peerConnection()
	offer, err := pc.CreateOffer(opts)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return protocol.SessionDescriptionFromPion(offer), nil
}

func (c *Conn) CreateAnswer() (protocol.SessionDescription, error) {
	pc := c.peerConnection()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return protocol.SessionDescriptionFromPion(answer), nil
}

func (c *Conn) SetRemoteDescription(desc protocol.SessionDescription) error {
	sd, err := desc.ToPion()
	if err != nil {
		return err
	}
	pc := c.peerConnection()
	if err := pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	// A bad candidate must not fail the description it was queued behind.
	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			c.log.Debug("dropping queued ice candidate", "candidate", cand.Candidate, "err", err)
		}
	}
	return nil
}

// Rollback returns the connection to stable, discarding a pending local offer
// or an unanswered remote offer. Before the first completed negotiation the
// PeerConnection is replaced by a fresh one carrying the same tracks.
func (c *Conn) Rollback() error {
	pc := c.peerConnection()
	if pc.SignalingState() == webrtc.SignalingStateStable {
		return nil
	}
	if err := pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err == nil {
		return nil
	}
	if pc.CurrentRemoteDescription() != nil {
		return ErrRollbackUnsupported
	}

	fresh, err := c.newPeerConnection()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	c.mu.Lock()
	senders := make(map[media.Kind]*webrtc.RTPSender, len(c.senders))
	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		old, ok := c.senders[kind]
		if !ok || old.Track() == nil {
			continue
		}
		sender, err := fresh.AddTrack(old.Track())
		if err != nil {
			c.mu.Unlock()
			_ = fresh.Close()
			return fmt.Errorf("rollback: add %s track: %w", kind, err)
		}
		senders[kind] = sender
		go drainRTCP(sender)
	}
	c.pc = fresh
	c.senders = senders
	c.pending = nil
	c.mu.Unlock()

	if err := pc.Close(); err != nil {
		c.log.Debug("close replaced peer connection", "err", err)
	}
	return nil
}

func (c *Conn) AddICECandidate(cand protocol.Candidate) error {
	init := cand.ToPion()
	c.mu.Lock()
	pc := c.pc
	if pc.RemoteDescription() == nil {
		c.pending = append(c.pending, init)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// SyncTracks binds each slot's track to its own RTPSender. A slot whose source
// changed keeps its sender and swaps the track in place; slots no longer
// present are removed.
func (c *Conn) SyncTracks(tracks []media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[media.Kind]bool, len(tracks))
	for _, t := range tracks {
		seen[t.Slot] = true
		if sender, ok := c.senders[t.Slot]; ok {
			if sender.Track() == t.Local {
				continue
			}
			if err := sender.ReplaceTrack(t.Local); err != nil {
				return fmt.Errorf("replace %s track: %w", t.Slot, err)
			}
			continue
		}
		sender, err := c.pc.AddTrack(t.Local)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Slot, err)
		}
		c.senders[t.Slot] = sender
		go drainRTCP(sender)
	}
	for kind, sender := range c.senders {
		if seen[kind] {
			continue
		}
		if err := c.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("remove %s track: %w", kind, err)
		}
		delete(c.senders, kind)
	}
	return nil
}

func (c *Conn) OnICECandidate(fn func(protocol.Candidate)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnFailed(fn func()) {
	c.mu.Lock()
	c.onFailed = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	return c.peerConnection().Close()
}

// ConnectionState reports the underlying PeerConnection state.
func (c *Conn) ConnectionState() webrtc.PeerConnectionState {
	return c.peerConnection().ConnectionState()
}

// SignalingState reports the underlying PeerConnection signaling state.
func (c *Conn) SignalingState() webrtc.SignalingState {
	return c.peerConnection().SignalingState()
}

// ReceivedPackets counts RTP packets read from remote tracks.
func (c *Conn) ReceivedPackets() uint64 { return c.receivedPackets.Load() }

// RemoteTracks counts remote tracks seen so far.
func (c *Conn) RemoteTracks() int { return int(c.remoteTracks.Load()) }
