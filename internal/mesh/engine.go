package mesh

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultDebounce    = 50 * time.Millisecond
)

type Config struct {
	Sender   Sender
	NewConn  PeerConnFactory
	Pipeline *media.Pipeline
	Logger   *slog.Logger

	// DisplayName is used as the sender name of outgoing chat messages.
	DisplayName string

	// SettleDelay is how long a joiner waits before offering to existing
	// members, and how long a deferred renegotiation waits before retrying.
	SettleDelay time.Duration
	// Debounce collapses renegotiation requests made within the window into a
	// single offer.
	Debounce time.Duration

	// OnEvent receives application-visible events. It is called from the
	// goroutine that calls Handle and must not block for long.
	OnEvent func(Event)
}

// Engine maintains one peer connection per remote participant in the joined
// room.
type Engine struct {
	cfg Config
	log *slog.Logger

	// pipelineMu serializes pipeline transitions. Lock order: pipelineMu, mu,
	// peer.mu.
	pipelineMu    sync.Mutex
	transitioning atomic.Bool

	mu      sync.Mutex
	selfID  string
	room    string
	peers   map[string]*peer
	watched map[*media.Source]struct{}
	closed  bool

	wg sync.WaitGroup
}

func New(cfg Config) (*Engine, error) {
	if cfg.Sender == nil {
		return nil, errors.New("mesh: Config.Sender is required")
	}
	if cfg.NewConn == nil {
		return nil, errors.New("mesh: Config.NewConn is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("mesh: Config.Pipeline is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	cfg.DisplayName = protocol.NormalizeDisplayName(cfg.DisplayName)
	return &Engine{
		cfg:     cfg,
		log:     cfg.Logger,
		peers:   make(map[string]*peer),
		watched: make(map[*media.Source]struct{}),
	}, nil
}

func (e *Engine) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

func (e *Engine) Room() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room
}

// Peers returns a snapshot of every peer connection's state.
func (e *Engine) Peers() map[string]State {
	e.mu.Lock()
	peers := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	out := make(map[string]State, len(peers))
	for _, p := range peers {
		out[p.id] = p.State()
	}
	return out
}

// Join asks the signaling server to add this participant to room.
func (e *Engine) Join(room string) error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	return e.cfg.Sender.Send(protocol.ClientMessage{
		Type: protocol.ClientMessageTypeJoin,
		Join: &protocol.JoinRequest{RoomKey: room, DisplayName: e.cfg.DisplayName},
	})
}

// Handle processes one message from the signaling server.
func (e *Engine) Handle(msg protocol.ServerMessage) {
	if e.isClosed() {
		return
	}
	self := e.SelfID()
	if origin := msg.Origin(); origin != "" && origin == self && msg.Type != protocol.ServerMessageTypeChat {
		return
	}

	switch msg.Type {
	case protocol.ServerMessageTypeJoined:
		e.handleJoined(msg.Joined)
	case protocol.ServerMessageTypeMemberJoined:
		mj := msg.MemberJoined
		if _, err := e.ensurePeer(mj.JoinerID); err != nil {
			e.log.Warn("create peer connection failed", "peer", mj.JoinerID, "err", err)
			return
		}
		e.emit(Event{Type: EventPeerJoined, PeerID: mj.JoinerID, Name: mj.Names[mj.JoinerID]})
	case protocol.ServerMessageTypeSignal:
		e.handleSignal(msg.Signal)
	case protocol.ServerMessageTypeChat:
		chat := *msg.Chat
		e.emit(Event{Type: EventChat, PeerID: chat.SenderID, Name: chat.SenderName, Chat: &chat})
	case protocol.ServerMessageTypeMediaStateChange:
		state := msg.MediaState.State
		e.emit(Event{Type: EventMediaState, PeerID: msg.MediaState.Origin, MediaState: &state})
	case protocol.ServerMessageTypeMemberLeft:
		e.closePeer(msg.MemberLeft.ParticipantID)
		e.emit(Event{Type: EventPeerLeft, PeerID: msg.MemberLeft.ParticipantID, Reason: msg.MemberLeft.Reason})
	case protocol.ServerMessageTypeError:
		e.log.Warn("signaling error", "code", msg.Error.Code, "message", msg.Error.Message)
		e.emit(Event{Type: EventError, Error: msg.Error})
	}
}

func (e *Engine) handleJoined(j *protocol.Joined) {
	// Hold the pipeline so new peers start from a consistent track set.
	e.pipelineMu.Lock()
	e.mu.Lock()
	stale := e.peers
	e.peers = make(map[string]*peer)
	e.selfID = j.SelfID
	e.room = j.RoomKey
	e.mu.Unlock()
	for _, p := range stale {
		p.close()
	}

	var created []*peer
	for _, id := range j.PeerIDs {
		p, err := e.ensurePeerLocked(id)
		if err != nil {
			e.log.Warn("create peer connection failed", "peer", id, "err", err)
			continue
		}
		created = append(created, p)
	}
	state := e.cfg.Pipeline.State()
	e.pipelineMu.Unlock()

	e.sendMediaState(state)
	e.emit(Event{Type: EventJoined, Room: j.RoomKey, PeerID: j.SelfID, Peers: append([]string(nil), j.PeerIDs...), Names: j.PeerNames})
	for _, id := range j.PeerIDs {
		if state, ok := j.PeerMediaStates[id]; ok {
			e.emit(Event{Type: EventMediaState, PeerID: id, Name: j.PeerNames[id], MediaState: &state})
		}
	}

	if len(created) == 0 {
		return
	}
	time.AfterFunc(e.cfg.SettleDelay, func() {
		for _, p := range created {
			p.request(false)
		}
	})
}

func (e *Engine) handleSignal(sig *protocol.RelayedSignal) {
	payload, err := protocol.DecodeSignalPayload(sig.Payload)
	if err != nil {
		e.log.Debug("dropping malformed signal", "peer", sig.Origin, "err", err)
		return
	}

	e.mu.Lock()
	p := e.peers[sig.Origin]
	e.mu.Unlock()

	if p == nil {
		if payload.SessionDescription == nil || payload.SessionDescription.Type != protocol.SDPTypeOffer {
			e.log.Debug("dropping signal from unknown peer", "peer", sig.Origin)
			return
		}
		// An offer can only come from a room member, so the member-joined
		// notice was missed or is still in flight.
		if p, err = e.ensurePeer(sig.Origin); err != nil {
			e.log.Warn("create peer connection failed", "peer", sig.Origin, "err", err)
			return
		}
	}

	switch {
	case payload.SessionDescription != nil:
		e.handleDescription(p, *payload.SessionDescription)
	case payload.NetworkCandidate != nil:
		p.mu.Lock()
		err := p.conn.AddICECandidate(*payload.NetworkCandidate)
		p.mu.Unlock()
		if err != nil {
			e.log.Debug("add ice candidate failed", "peer", p.id, "err", err)
		}
	}
}

func (e *Engine) ensurePeer(id string) (*peer, error) {
	e.pipelineMu.Lock()
	defer e.pipelineMu.Unlock()
	return e.ensurePeerLocked(id)
}

// ensurePeerLocked must be called with pipelineMu held.
func (e *Engine) ensurePeerLocked(id string) (*peer, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if id == "" || id == e.selfID {
		e.mu.Unlock()
		return nil, fmt.Errorf("mesh: invalid peer id %q", id)
	}
	if p, ok := e.peers[id]; ok {
		e.mu.Unlock()
		return p, nil
	}
	self := e.selfID
	e.mu.Unlock()

	conn, err := e.cfg.NewConn(id)
	if err != nil {
		return nil, err
	}
	if err := conn.SyncTracks(e.cfg.Pipeline.Tracks()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("attach tracks: %w", err)
	}

	p := newPeer(id, conn, strings.Compare(self, id) < 0, e.log)
	conn.OnICECandidate(func(c protocol.Candidate) {
		e.sendSignal(id, protocol.SignalPayload{NetworkCandidate: &c})
	})
	conn.OnFailed(func() {
		e.log.Info("peer connection failed, restarting ice", "peer", id)
		p.request(true)
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return nil, ErrEngineClosed
	}
	e.peers[id] = p
	e.wg.Add(1)
	e.mu.Unlock()

	go e.negotiator(p)
	return p, nil
}

func (e *Engine) closePeer(id string) {
	e.mu.Lock()
	p := e.peers[id]
	delete(e.peers, id)
	e.mu.Unlock()
	if p != nil {
		p.close()
	}
}

// Update applies fn to the local pipeline and propagates the result to every
// peer: outbound tracks are replaced in place, and if the layout changed each
// peer is renegotiated once. The updated media state is reported to the room.
func (e *Engine) Update(fn func(*media.Pipeline) error) error {
	e.pipelineMu.Lock()
	defer e.pipelineMu.Unlock()
	if e.isClosed() {
		return ErrEngineClosed
	}

	e.transitioning.Store(true)
	defer e.transitioning.Store(false)

	before := e.cfg.Pipeline.Layout()
	if err := fn(e.cfg.Pipeline); err != nil {
		return err
	}
	after := e.cfg.Pipeline.Layout()
	tracks := e.cfg.Pipeline.Tracks()
	e.watchSources()

	changed := !before.Equal(after)
	if changed {
		e.log.Debug("pipeline layout changed", "from", before.String(), "to", after.String())
	}
	for _, p := range e.peerList() {
		p.mu.Lock()
		if p.state != StateClosed {
			if err := p.conn.SyncTracks(tracks); err != nil {
				e.log.Warn("sync tracks failed", "peer", p.id, "err", err)
			}
		}
		p.mu.Unlock()
		if changed {
			p.request(false)
		}
	}

	e.sendMediaState(e.cfg.Pipeline.State())
	return nil
}

// SetEnabled turns a slot on or off without touching the negotiated tracks.
func (e *Engine) SetEnabled(kind media.Kind, enabled bool) error {
	e.pipelineMu.Lock()
	defer e.pipelineMu.Unlock()
	if e.isClosed() {
		return ErrEngineClosed
	}
	if err := e.cfg.Pipeline.SetEnabled(kind, enabled); err != nil {
		return err
	}
	e.sendMediaState(e.cfg.Pipeline.State())
	return nil
}

// Source returns the source currently in slot kind.
func (e *Engine) Source(kind media.Kind) *media.Source {
	e.pipelineMu.Lock()
	defer e.pipelineMu.Unlock()
	return e.cfg.Pipeline.Source(kind)
}

// watchSources arranges for device sources that end to be replaced with
// placeholders. Must be called with pipelineMu held.
func (e *Engine) watchSources() {
	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
		src := e.cfg.Pipeline.Source(kind)
		if src == nil || src.Class().Synthetic() {
			continue
		}
		e.mu.Lock()
		_, seen := e.watched[src]
		e.watched[src] = struct{}{}
		e.mu.Unlock()
		if seen {
			continue
		}
		src.OnEnded(func() { e.replaceEnded(kind, src) })
	}
}

func (e *Engine) replaceEnded(kind media.Kind, src *media.Source) {
	err := e.Update(func(p *media.Pipeline) error {
		if p.Source(kind) != src {
			return nil
		}
		e.log.Info("local source ended, switching to placeholder", "slot", string(kind), "class", string(src.Class()))
		if kind == media.KindVideo {
			return p.SetVideo(nil)
		}
		return p.SetAudio(nil)
	})
	if err != nil && !errors.Is(err, ErrEngineClosed) {
		e.log.Warn("replace ended source failed", "slot", string(kind), "err", err)
	}
	e.mu.Lock()
	delete(e.watched, src)
	e.mu.Unlock()
}

// SendChat sends text to the room. The message is not rendered locally; it
// comes back from the server like any other chat message.
func (e *Engine) SendChat(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyChat
	}
	if e.isClosed() {
		return ErrEngineClosed
	}
	if e.SelfID() == "" {
		return ErrNotJoined
	}
	return e.cfg.Sender.Send(protocol.ClientMessage{
		Type: protocol.ClientMessageTypeChat,
		Chat: &protocol.ChatRequest{Text: text, SenderName: e.cfg.DisplayName},
	})
}

// Leave tells the server this participant is leaving and tears down every
// peer connection. The engine can join again afterwards.
func (e *Engine) Leave() error {
	if e.isClosed() {
		return ErrEngineClosed
	}
	err := e.cfg.Sender.Send(protocol.ClientMessage{Type: protocol.ClientMessageTypeLeave})
	e.mu.Lock()
	peers := e.peers
	e.peers = make(map[string]*peer)
	e.selfID = ""
	e.room = ""
	e.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	return err
}

// Close tears down every peer connection and waits for the negotiation
// workers to exit. It does not notify the server.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	peers := e.peers
	e.peers = make(map[string]*peer)
	e.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
	e.wg.Wait()
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) peerList() []*peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

func (e *Engine) sendSignal(to string, payload protocol.SignalPayload) {
	raw, err := payload.Encode()
	if err != nil {
		e.log.Warn("encode signal failed", "peer", to, "err", err)
		return
	}
	err = e.cfg.Sender.Send(protocol.ClientMessage{
		Type:   protocol.ClientMessageTypeSignal,
		Signal: &protocol.SignalRequest{Target: to, Payload: raw},
	})
	if err != nil {
		e.log.Debug("send signal failed", "peer", to, "err", err)
	}
}

func (e *Engine) sendMediaState(state protocol.MediaState) {
	if e.SelfID() == "" {
		return
	}
	err := e.cfg.Sender.Send(protocol.ClientMessage{
		Type:       protocol.ClientMessageTypeMediaStateChange,
		MediaState: &state,
	})
	if err != nil {
		e.log.Debug("send media state failed", "err", err)
	}
}

func (e *Engine) emit(ev Event) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(ev)
	}
}
