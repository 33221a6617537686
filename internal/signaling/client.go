package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
)

const wsWriteWait = 1 * time.Second

// Error codes sent in error messages.
const (
	errCodeBadMessage   = "bad_message"
	errCodeRateLimited  = "rate_limited"
	errCodeRoomMismatch = "room_mismatch"
	errCodeEmptyRoom    = "empty_room"
	errCodeNotJoined    = "not_joined"
)

type protocolError struct {
	Code    string
	Message string
	// CloseCode is the WebSocket close code sent after the error message.
	CloseCode int
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

// client is one WebSocket connection and the participant it carries.
type client struct {
	id         string
	remoteAddr string
	pathRoom   string
	// token is the session token the connection authenticated with, if any.
	token string

	srv  *Server
	conn *websocket.Conn

	// send is closed by the hub when the participant is dropped.
	send chan protocol.ServerMessage
	// done is closed when the read pump exits.
	done chan struct{}

	// limiter is nil when per-connection message limits are disabled.
	limiter *ratelimit.TokenBucket

	closeMu   sync.Mutex
	closeCode int
	closeText string
	lastError *protocol.ServerMessage
}

func (c *client) readPump(ctx context.Context) {
	defer close(c.done)

	c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout", nil)
			case errors.Is(err, websocket.ErrReadLimit):
				c.srv.cfg.Metrics.Inc(metrics.BadMessages)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))

		// Count the message only after reading it so unread bytes don't turn
		// our close into a TCP reset.
		if c.limiter != nil && !c.limiter.Allow(1) {
			c.srv.cfg.Metrics.Inc(metrics.RateLimited)
			c.fail(&protocolError{Code: errCodeRateLimited, Message: "rate limit exceeded", CloseCode: websocket.ClosePolicyViolation})
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.cfg.Metrics.Inc(metrics.BadMessages)
			c.fail(&protocolError{Code: errCodeBadMessage, Message: "expected text message", CloseCode: websocket.CloseUnsupportedData})
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.srv.cfg.Metrics.Inc(metrics.BadMessages)
			c.fail(&protocolError{Code: errCodeBadMessage, Message: err.Error(), CloseCode: websocket.ClosePolicyViolation})
			return
		}

		ev, perr := c.event(msg)
		if perr != nil {
			c.srv.cfg.Metrics.Inc(metrics.BadMessages)
			if perr.CloseCode != 0 {
				c.fail(perr)
				return
			}
			if err := c.srv.hub.reply(ctx, c, protocol.ErrorMessage(perr.Code, perr.Message)); err != nil {
				return
			}
			continue
		}
		if err := c.srv.hub.submit(ctx, c, ev); err != nil {
			c.closeWith(websocket.CloseGoingAway, "server shutting down", nil)
			return
		}
		if join, ok := ev.(relay.Join); ok {
			c.recordJoin(join.Room)
		}
	}
}

// event turns a parsed client message into a relay event. Errors with a zero
// CloseCode are reported without dropping the connection.
func (c *client) event(msg protocol.ClientMessage) (relay.Event, *protocolError) {
	switch msg.Type {
	case protocol.ClientMessageTypeJoin:
		room := strings.TrimSpace(msg.Join.RoomKey)
		if c.pathRoom != "" {
			if room != "" && room != c.pathRoom {
				return nil, &protocolError{Code: errCodeRoomMismatch, Message: "roomKey does not match the connection path", CloseCode: websocket.ClosePolicyViolation}
			}
			room = c.pathRoom
		}
		if room == "" {
			return nil, &protocolError{Code: errCodeEmptyRoom, Message: relay.ErrEmptyRoomKey.Error()}
		}
		return relay.Join{Participant: c.id, Room: room, Name: msg.Join.DisplayName, At: time.Now()}, nil
	case protocol.ClientMessageTypeSignal:
		return relay.Signal{From: c.id, To: msg.Signal.Target, Payload: msg.Signal.Payload}, nil
	case protocol.ClientMessageTypeChat:
		return relay.Chat{From: c.id, Text: msg.Chat.Text, SenderName: msg.Chat.SenderName, At: time.Now()}, nil
	case protocol.ClientMessageTypeMediaStateChange:
		return relay.MediaState{From: c.id, State: *msg.MediaState}, nil
	case protocol.ClientMessageTypeLeave:
		return relay.Leave{Participant: c.id, Reason: protocol.LeaveReasonIntentional}, nil
	default:
		return nil, &protocolError{Code: errCodeBadMessage, Message: "unsupported message type", CloseCode: websocket.ClosePolicyViolation}
	}
}

// recordJoin adds the room to the account's meeting history. It runs off the
// read pump; failures are logged and never reach the participant.
func (c *client) recordJoin(room string) {
	if c.srv.cfg.History == nil || c.token == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.srv.cfg.History.Record(ctx, c.token, room); err != nil {
			c.srv.cfg.Metrics.Inc(metrics.HistoryRecordFailed)
			c.srv.log.Warn("record meeting history", "participant", c.id, "room", room, "err", err)
		}
	}()
}

func (c *client) fail(perr *protocolError) {
	msg := protocol.ErrorMessage(perr.Code, perr.Message)
	c.closeWith(perr.CloseCode, perr.Code, &msg)
}

// closeWith records how the write pump should end the connection once the
// read pump exits.
func (c *client) closeWith(code int, text string, final *protocol.ServerMessage) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode != 0 {
		return
	}
	c.closeCode = code
	c.closeText = text
	c.lastError = final
}

func (c *client) closeFrame() (int, string, *protocol.ServerMessage) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeText, c.lastError
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				select {
				case <-c.done:
					// The reader exited first and the hub dropped us in response.
					c.finish()
				default:
					// Dropped by the hub: slow consumer or shutdown.
					c.writeClose(websocket.CloseGoingAway, "dropped")
				}
				return
			}
			if err := c.write(msg); err != nil {
				return
			}
		case <-c.done:
			c.finish()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// finish sends the reader's parting error and close frame, if it left any.
func (c *client) finish() {
	code, text, final := c.closeFrame()
	if final != nil {
		_ = c.write(*final)
	}
	if code != 0 {
		c.writeClose(code, text)
	}
}

func (c *client) write(msg protocol.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) writeClose(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
