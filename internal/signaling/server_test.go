package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testServerConfig() Config {
	return Config{
		IdleTimeout:          5 * time.Second,
		PingInterval:         time.Second,
		SendQueueLength:      32,
		MaxMessageBytes:      64 * 1024,
		MaxMessagesPerSecond: 100,
		ConnectsPerMinute:    0,
	}
}

type testServer struct {
	url     string
	hub     *Hub
	metrics *metrics.Metrics
}

func startServer(t *testing.T, cfg Config) testServer {
	t.Helper()
	m := metrics.New()
	hub := NewHub(HubConfig{Metrics: m})
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	cfg.Hub = hub
	cfg.Metrics = m
	srv, err := NewServer(cfg)
	if err != nil {
		cancel()
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-hub.Done()
	})
	return testServer{url: "ws" + strings.TrimPrefix(ts.URL, "http"), hub: hub, metrics: m}
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dialStatus(t *testing.T, url string, header http.Header) int {
	t.Helper()
	c, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		_ = c.Close()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return resp.StatusCode
}

func send(t *testing.T, c *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	if err := c.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

func read(t *testing.T, c *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return msg
}

func readType(t *testing.T, c *websocket.Conn, want protocol.ServerMessageType) protocol.ServerMessage {
	t.Helper()
	msg := read(t, c)
	if msg.Type != want {
		t.Fatalf("type=%s, want %s (%#v)", msg.Type, want, msg)
	}
	return msg
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("err=%v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code=%d, want %d", ce.Code, code)
		}
		return
	}
}

func join(room, name string) protocol.ClientMessage {
	return protocol.ClientMessage{Type: protocol.ClientMessageTypeJoin, Join: &protocol.JoinRequest{RoomKey: room, DisplayName: name}}
}

func TestAliceAndBobMeetInR1(t *testing.T) {
	ts := startServer(t, testServerConfig())

	alice := dial(t, ts.url+"/signal/R1", nil)
	send(t, alice, join("", "Alice"))
	aj := readType(t, alice, protocol.ServerMessageTypeJoined).Joined
	if aj.RoomKey != "R1" || len(aj.PeerIDs) != 0 {
		t.Fatalf("alice joined=%#v, want empty R1", aj)
	}

	bob := dial(t, ts.url+"/signal/R1", nil)
	send(t, bob, join("R1", "Bob"))
	bj := readType(t, bob, protocol.ServerMessageTypeJoined).Joined
	if len(bj.PeerIDs) != 1 || bj.PeerIDs[0] != aj.SelfID {
		t.Fatalf("bob peers=%v, want [%s]", bj.PeerIDs, aj.SelfID)
	}
	if bj.PeerNames[aj.SelfID] != "Alice" {
		t.Fatalf("bob peer names=%v, want Alice", bj.PeerNames)
	}

	mj := readType(t, alice, protocol.ServerMessageTypeMemberJoined).MemberJoined
	if mj.JoinerID != bj.SelfID || len(mj.MemberIDs) != 2 || mj.Names[bj.SelfID] != "Bob" {
		t.Fatalf("member-joined=%#v, want bob among 2 members", mj)
	}

	payload, err := protocol.SignalPayload{SessionDescription: &protocol.SessionDescription{Type: protocol.SDPTypeOffer, SDP: "v=0"}}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	send(t, bob, protocol.ClientMessage{Type: protocol.ClientMessageTypeSignal, Signal: &protocol.SignalRequest{Target: aj.SelfID, Payload: payload}})
	sig := readType(t, alice, protocol.ServerMessageTypeSignal).Signal
	if sig.Origin != bj.SelfID {
		t.Fatalf("origin=%q, want %q", sig.Origin, bj.SelfID)
	}
	decoded, err := protocol.DecodeSignalPayload(sig.Payload)
	if err != nil || decoded.SessionDescription.SDP != "v=0" {
		t.Fatalf("payload=%s err=%v, want offer v=0", sig.Payload, err)
	}

	send(t, alice, protocol.ClientMessage{Type: protocol.ClientMessageTypeMediaStateChange, MediaState: &protocol.MediaState{Camera: true}})
	ms := readType(t, bob, protocol.ServerMessageTypeMediaStateChange).MediaState
	if ms.Origin != aj.SelfID || !ms.State.Camera {
		t.Fatalf("media-state=%#v, want alice camera on", ms)
	}

	send(t, alice, protocol.ClientMessage{Type: protocol.ClientMessageTypeChat, Chat: &protocol.ChatRequest{Text: "hello"}})
	for _, c := range []*websocket.Conn{alice, bob} {
		chat := readType(t, c, protocol.ServerMessageTypeChat).Chat
		if chat.Text != "hello" || chat.SenderID != aj.SelfID || chat.SenderName != "Alice" {
			t.Fatalf("chat=%#v, want hello from Alice", chat)
		}
	}

	// A late joiner gets the chat history replayed after its join result.
	carol := dial(t, ts.url+"/signal/R1", nil)
	send(t, carol, join("", "Carol"))
	readType(t, carol, protocol.ServerMessageTypeJoined)
	if chat := readType(t, carol, protocol.ServerMessageTypeChat).Chat; chat.Text != "hello" {
		t.Fatalf("replayed chat=%#v, want hello", chat)
	}
	readType(t, alice, protocol.ServerMessageTypeMemberJoined)
	readType(t, bob, protocol.ServerMessageTypeMemberJoined)

	send(t, alice, protocol.ClientMessage{Type: protocol.ClientMessageTypeLeave})
	for _, c := range []*websocket.Conn{bob, carol} {
		left := readType(t, c, protocol.ServerMessageTypeMemberLeft).MemberLeft
		if left.ParticipantID != aj.SelfID || left.Reason != protocol.LeaveReasonIntentional {
			t.Fatalf("member-left=%#v, want alice intentional", left)
		}
	}

	_ = carol.Close()
	left := readType(t, bob, protocol.ServerMessageTypeMemberLeft).MemberLeft
	if left.Reason != protocol.LeaveReasonDisconnect {
		t.Fatalf("reason=%q, want %q", left.Reason, protocol.LeaveReasonDisconnect)
	}
}

func TestRoomMismatchClosesConnection(t *testing.T) {
	ts := startServer(t, testServerConfig())
	c := dial(t, ts.url+"/signal/R1", nil)
	send(t, c, join("R2", "x"))
	msg := readType(t, c, protocol.ServerMessageTypeError)
	if msg.Error.Code != errCodeRoomMismatch {
		t.Fatalf("code=%q, want %q", msg.Error.Code, errCodeRoomMismatch)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
}

func TestEmptyRoomIsNotFatal(t *testing.T) {
	ts := startServer(t, testServerConfig())
	c := dial(t, ts.url+"/signal", nil)
	send(t, c, join("  ", "x"))
	if msg := readType(t, c, protocol.ServerMessageTypeError); msg.Error.Code != errCodeEmptyRoom {
		t.Fatalf("code=%q, want %q", msg.Error.Code, errCodeEmptyRoom)
	}
	send(t, c, join("R1", "x"))
	readType(t, c, protocol.ServerMessageTypeJoined)
}

func TestMalformedMessagesCloseConnection(t *testing.T) {
	cases := map[string]struct {
		frameType int
		data      string
		close     int
	}{
		"unknown type": {websocket.TextMessage, `{"type":"offer"}`, websocket.ClosePolicyViolation},
		"not json":     {websocket.TextMessage, `hello`, websocket.ClosePolicyViolation},
		"binary":       {websocket.BinaryMessage, `{"type":"leave"}`, websocket.CloseUnsupportedData},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ts := startServer(t, testServerConfig())
			c := dial(t, ts.url+"/signal", nil)
			if err := c.WriteMessage(tc.frameType, []byte(tc.data)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if msg := readType(t, c, protocol.ServerMessageTypeError); msg.Error.Code != errCodeBadMessage {
				t.Fatalf("code=%q, want %q", msg.Error.Code, errCodeBadMessage)
			}
			expectClose(t, c, tc.close)
			if got := ts.metrics.Get(metrics.BadMessages); got != 1 {
				t.Fatalf("bad messages=%d, want 1", got)
			}
		})
	}
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxMessageBytes = 128
	ts := startServer(t, cfg)
	c := dial(t, ts.url+"/signal", nil)

	big, _ := json.Marshal(join("R1", strings.Repeat("x", 100)))
	big = append(big, []byte(strings.Repeat(" ", 200))...)
	if err := c.WriteMessage(websocket.TextMessage, big); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseMessageTooBig)
}

func TestMessageRateLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.MaxMessagesPerSecond = 2
	cfg.Clock = fixedClock{now: time.Unix(1700000000, 0)}
	ts := startServer(t, cfg)

	c := dial(t, ts.url+"/signal", nil)
	send(t, c, join("R1", "x"))
	readType(t, c, protocol.ServerMessageTypeJoined)
	send(t, c, protocol.ClientMessage{Type: protocol.ClientMessageTypeChat, Chat: &protocol.ChatRequest{Text: "one"}})
	readType(t, c, protocol.ServerMessageTypeChat)
	send(t, c, protocol.ClientMessage{Type: protocol.ClientMessageTypeChat, Chat: &protocol.ChatRequest{Text: "two"}})

	if msg := readType(t, c, protocol.ServerMessageTypeError); msg.Error.Code != errCodeRateLimited {
		t.Fatalf("code=%q, want %q", msg.Error.Code, errCodeRateLimited)
	}
	expectClose(t, c, websocket.ClosePolicyViolation)
	if got := ts.metrics.Get(metrics.RateLimited); got != 1 {
		t.Fatalf("rate limited=%d, want 1", got)
	}
}

func TestConnectRateLimitPerAddress(t *testing.T) {
	cfg := testServerConfig()
	cfg.ConnectsPerMinute = 1
	cfg.Clock = fixedClock{now: time.Unix(1700000000, 0)}
	ts := startServer(t, cfg)

	dial(t, ts.url+"/signal", nil)
	if got := dialStatus(t, ts.url+"/signal", nil); got != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want %d", got, http.StatusTooManyRequests)
	}
	if got := ts.metrics.Get(metrics.ConnectionsRejected); got != 1 {
		t.Fatalf("rejected=%d, want 1", got)
	}
}

func TestOriginPolicy(t *testing.T) {
	cfg := testServerConfig()
	cfg.OriginPolicy = origin.NewPolicy([]string{"https://good.example"})
	ts := startServer(t, cfg)

	good := http.Header{"Origin": {"https://good.example"}}
	dial(t, ts.url+"/signal", good)

	bad := http.Header{"Origin": {"https://evil.example"}}
	if got := dialStatus(t, ts.url+"/signal", bad); got != http.StatusForbidden {
		t.Fatalf("status=%d, want %d", got, http.StatusForbidden)
	}
}

type fakeTokens map[string]auth.Identity

func (f fakeTokens) VerifyToken(_ context.Context, token string) (auth.Identity, error) {
	id, ok := f[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

type recordedJoin struct{ token, room string }

type fakeHistory struct {
	calls chan recordedJoin
}

func (f *fakeHistory) Record(_ context.Context, token, room string) error {
	f.calls <- recordedJoin{token, room}
	return nil
}

func TestTokenRequiredAndJoinsRecorded(t *testing.T) {
	cfg := testServerConfig()
	cfg.Tokens = fakeTokens{"good": {AccountID: 1, Username: "alice"}}
	hist := &fakeHistory{calls: make(chan recordedJoin, 1)}
	cfg.History = hist
	ts := startServer(t, cfg)

	if got := dialStatus(t, ts.url+"/signal/R1", nil); got != http.StatusUnauthorized {
		t.Fatalf("no token status=%d, want %d", got, http.StatusUnauthorized)
	}
	if got := dialStatus(t, ts.url+"/signal/R1?token=bad", nil); got != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d, want %d", got, http.StatusUnauthorized)
	}
	if got := ts.metrics.Get(metrics.AuthFailure); got != 2 {
		t.Fatalf("auth failures=%d, want 2", got)
	}

	c := dial(t, ts.url+"/signal/R1", http.Header{"Authorization": {"Bearer good"}})
	send(t, c, join("", "Alice"))
	readType(t, c, protocol.ServerMessageTypeJoined)

	select {
	case got := <-hist.calls:
		if got != (recordedJoin{"good", "R1"}) {
			t.Fatalf("recorded=%+v, want good/R1", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("join was not recorded")
	}
}

func TestIdleConnectionIsClosed(t *testing.T) {
	cfg := testServerConfig()
	cfg.IdleTimeout = 300 * time.Millisecond
	cfg.PingInterval = 100 * time.Millisecond
	ts := startServer(t, cfg)

	c := dial(t, ts.url+"/signal", nil)
	// Swallow pings so the server never sees a pong.
	c.SetPingHandler(func(string) error { return nil })
	expectClose(t, c, websocket.CloseNormalClosure)
}

func TestPongsKeepConnectionAlive(t *testing.T) {
	cfg := testServerConfig()
	cfg.IdleTimeout = 300 * time.Millisecond
	cfg.PingInterval = 100 * time.Millisecond
	ts := startServer(t, cfg)

	c := dial(t, ts.url+"/signal", nil)
	msgs := make(chan protocol.ServerMessage, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.ParseServerMessage(data)
			if err == nil {
				msgs <- msg
			}
		}
	}()

	// The reader answers pings while we stay silent for well past the idle
	// timeout.
	select {
	case err := <-readErr:
		t.Fatalf("connection closed while idle: %v", err)
	case <-time.After(time.Second):
	}

	send(t, c, join("R1", "x"))
	select {
	case msg := <-msgs:
		if msg.Type != protocol.ServerMessageTypeJoined {
			t.Fatalf("type=%s, want joined", msg.Type)
		}
	case err := <-readErr:
		t.Fatalf("read: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for joined")
	}
}

func TestNewServerValidation(t *testing.T) {
	hub := NewHub(HubConfig{})
	cfg := testServerConfig()
	cfg.Hub = hub
	cfg.PingInterval = cfg.IdleTimeout
	if _, err := NewServer(cfg); err == nil {
		t.Fatalf("expected error for ping interval >= idle timeout")
	}
	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("expected error without hub")
	}
}
