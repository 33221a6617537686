package mesh

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
)

const (
	testSettle   = 20 * time.Millisecond
	testDebounce = 5 * time.Millisecond
)

type fakeConn struct {
	remote string

	// answerErr and remoteErr, when set, fail CreateAnswer and
	// SetRemoteDescription.
	answerErr error
	remoteErr error

	mu         sync.Mutex
	offers     int
	restarts   int
	answers    int
	rollbacks  int
	remoteSet  []protocol.SessionDescription
	candidates []protocol.Candidate
	syncs      int
	tracks     []media.Track
	onCand     func(protocol.Candidate)
	onFailed   func()
	closed     bool
}

func (c *fakeConn) CreateOffer(iceRestart bool) (protocol.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers++
	if iceRestart {
		c.restarts++
	}
	return protocol.SessionDescription{Type: protocol.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", c.offers)}, nil
}

func (c *fakeConn) CreateAnswer() (protocol.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return protocol.SessionDescription{}, c.answerErr
	}
	c.answers++
	return protocol.SessionDescription{Type: protocol.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", c.answers)}, nil
}

func (c *fakeConn) SetRemoteDescription(desc protocol.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.remoteSet = append(c.remoteSet, desc)
	return nil
}

func (c *fakeConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
	return nil
}

func (c *fakeConn) AddICECandidate(cand protocol.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, cand)
	return nil
}

func (c *fakeConn) SyncTracks(tracks []media.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs++
	c.tracks = append([]media.Track(nil), tracks...)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(protocol.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCand = fn
}

func (c *fakeConn) OnFailed(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailed = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type connStats struct {
	offers, restarts, answers, rollbacks, remoteSet, syncs int
	closed                                                  bool
}

func (c *fakeConn) stats() connStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connStats{
		offers:    c.offers,
		restarts:  c.restarts,
		answers:   c.answers,
		rollbacks: c.rollbacks,
		remoteSet: len(c.remoteSet),
		syncs:     c.syncs,
		closed:    c.closed,
	}
}

func (c *fakeConn) setErrors(answerErr, remoteErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answerErr = answerErr
	c.remoteErr = remoteErr
}

func (c *fakeConn) fail() {
	c.mu.Lock()
	fn := c.onFailed
	c.mu.Unlock()
	fn()
}

// connFactory records every connection it creates, keyed by remote ID.
type connFactory struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newConnFactory() *connFactory {
	return &connFactory{conns: make(map[string]*fakeConn)}
}

func (f *connFactory) New(remote string) (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{remote: remote}
	f.conns[remote] = c
	return c, nil
}

func (f *connFactory) get(remote string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[remote]
}

// recordingSender captures everything the engine sends.
type recordingSender struct {
	mu   sync.Mutex
	msgs []protocol.ClientMessage
}

func (s *recordingSender) Send(msg protocol.ClientMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) all() []protocol.ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ClientMessage(nil), s.msgs...)
}

// descriptions returns the session descriptions sent to target, in order.
func (s *recordingSender) descriptions(t *testing.T, target string) []protocol.SessionDescription {
	t.Helper()
	var out []protocol.SessionDescription
	for _, msg := range s.all() {
		if msg.Type != protocol.ClientMessageTypeSignal || msg.Signal.Target != target {
			continue
		}
		payload, err := protocol.DecodeSignalPayload(msg.Signal.Payload)
		if err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.SessionDescription != nil {
			out = append(out, *payload.SessionDescription)
		}
	}
	return out
}

func (s *recordingSender) count(typ protocol.ClientMessageType) int {
	n := 0
	for _, msg := range s.all() {
		if msg.Type == typ {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEngine struct {
	*Engine
	sender *recordingSender
	conns  *connFactory

	mu     sync.Mutex
	events []Event
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	pipeline, err := media.NewPipeline("stream")
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	te := &testEngine{sender: &recordingSender{}, conns: newConnFactory()}
	eng, err := New(Config{
		Sender:      te.sender,
		NewConn:     te.conns.New,
		Pipeline:    pipeline,
		Logger:      testLogger(),
		DisplayName: "tester",
		SettleDelay: testSettle,
		Debounce:    testDebounce,
		OnEvent: func(ev Event) {
			te.mu.Lock()
			te.events = append(te.events, ev)
			te.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	te.Engine = eng
	t.Cleanup(func() { _ = eng.Close() })
	return te
}

func (te *testEngine) eventsOf(typ EventType) []Event {
	te.mu.Lock()
	defer te.mu.Unlock()
	var out []Event
	for _, ev := range te.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func joinedMsg(self string, peers ...string) protocol.ServerMessage {
	if peers == nil {
		peers = []string{}
	}
	return protocol.ServerMessage{
		Type:   protocol.ServerMessageTypeJoined,
		Joined: &protocol.Joined{SelfID: self, RoomKey: "R1", PeerIDs: peers},
	}
}

func memberJoinedMsg(joiner string) protocol.ServerMessage {
	return protocol.ServerMessage{
		Type:         protocol.ServerMessageTypeMemberJoined,
		MemberJoined: &protocol.MemberJoined{JoinerID: joiner},
	}
}

func signalMsg(t *testing.T, from string, desc protocol.SessionDescription) protocol.ServerMessage {
	t.Helper()
	raw, err := protocol.SignalPayload{SessionDescription: &desc}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return protocol.ServerMessage{
		Type:   protocol.ServerMessageTypeSignal,
		Signal: &protocol.RelayedSignal{Origin: from, Payload: raw},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// quiet gives the negotiation workers time to act on anything pending.
func quiet() {
	time.Sleep(10 * (testSettle + testDebounce))
}

// switchboard connects engines through a real relay, delivering each
// participant's messages in order on its own goroutine.
type switchboard struct {
	t *testing.T

	mu      sync.Mutex
	relay   *relay.Relay
	inboxes map[string]chan protocol.ServerMessage
}

func newSwitchboard(t *testing.T) *switchboard {
	return &switchboard{
		t:       t,
		relay:   relay.New(relay.Config{}),
		inboxes: make(map[string]chan protocol.ServerMessage),
	}
}

// attach wires te to the board as participant id.
func (sb *switchboard) attach(id string, te *testEngine) Sender {
	inbox := make(chan protocol.ServerMessage, 1024)
	sb.mu.Lock()
	sb.inboxes[id] = inbox
	sb.mu.Unlock()

	done := make(chan struct{})
	sb.t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-inbox:
				// Round-trip through JSON like the real transport.
				b, err := json.Marshal(msg)
				if err != nil {
					panic(err)
				}
				parsed, err := protocol.ParseServerMessage(b)
				if err != nil {
					panic(err)
				}
				te.Handle(parsed)
			}
		}
	}()
	return boardSender{sb: sb, id: id}
}

type boardSender struct {
	sb *switchboard
	id string
}

func (s boardSender) Send(msg protocol.ClientMessage) error {
	var ev relay.Event
	switch msg.Type {
	case protocol.ClientMessageTypeJoin:
		ev = relay.Join{Participant: s.id, Room: msg.Join.RoomKey, Name: msg.Join.DisplayName}
	case protocol.ClientMessageTypeSignal:
		ev = relay.Signal{From: s.id, To: msg.Signal.Target, Payload: msg.Signal.Payload}
	case protocol.ClientMessageTypeChat:
		ev = relay.Chat{From: s.id, Text: msg.Chat.Text, SenderName: msg.Chat.SenderName}
	case protocol.ClientMessageTypeMediaStateChange:
		ev = relay.MediaState{From: s.id, State: *msg.MediaState}
	case protocol.ClientMessageTypeLeave:
		ev = relay.Leave{Participant: s.id, Reason: protocol.LeaveReasonIntentional}
	}

	s.sb.mu.Lock()
	defer s.sb.mu.Unlock()
	for _, out := range s.sb.relay.Handle(ev) {
		if inbox, ok := s.sb.inboxes[out.To]; ok {
			inbox <- out.Message
		}
	}
	return nil
}

// newBoardEngine creates an engine whose sender goes through sb.
func newBoardEngine(t *testing.T, sb *switchboard, id string) *testEngine {
	t.Helper()
	pipeline, err := media.NewPipeline(id)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	te := &testEngine{conns: newConnFactory()}
	sender := sb.attach(id, te)
	eng, err := New(Config{
		Sender:      sender,
		NewConn:     te.conns.New,
		Pipeline:    pipeline,
		Logger:      testLogger(),
		DisplayName: id,
		SettleDelay: testSettle,
		Debounce:    testDebounce,
		OnEvent: func(ev Event) {
			te.mu.Lock()
			te.events = append(te.events, ev)
			te.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	te.Engine = eng
	t.Cleanup(func() { _ = eng.Close() })
	return te
}
