package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/ratelimit"
)

// TokenVerifier gates the upgrade when accounts are required.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (auth.Identity, error)
}

// HistoryRecorder records every room an authenticated participant joins.
type HistoryRecorder interface {
	Record(ctx context.Context, token, roomKey string) error
}

type Config struct {
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock

	OriginPolicy origin.Policy

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	SendQueueLength      int
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	ConnectsPerMinute    int

	// Tokens is nil when anonymous participants are allowed.
	Tokens  TokenVerifier
	History HistoryRecorder
}

// Server upgrades signaling requests and hands each connection to the hub.
type Server struct {
	cfg      Config
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
	connects *ratelimit.KeyedLimiter
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.New("signaling: hub is required")
	}
	if cfg.IdleTimeout <= 0 || cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		return nil, errors.New("signaling: ping interval must be positive and below the idle timeout")
	}
	if cfg.SendQueueLength <= 0 {
		return nil, errors.New("signaling: send queue length must be positive")
	}
	if cfg.MaxMessageBytes <= 0 {
		return nil, errors.New("signaling: max message bytes must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}

	s := &Server{
		cfg: cfg,
		hub: cfg.Hub,
		log: cfg.Logger,
		connects: ratelimit.NewKeyedLimiter(cfg.Clock, ratelimit.KeyedConfig{
			PerMinute: cfg.ConnectsPerMinute,
		}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     cfg.OriginPolicy.CheckOrigin,
	}
	return s, nil
}

// RegisterRoutes installs the signaling endpoints. The room may come from the
// path or from the join message.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("GET /signal/{room}", s.handleSignal)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !s.connects.Allow(remoteHost(r.RemoteAddr)) {
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		s.cfg.Metrics.Inc(metrics.RateLimited)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	var token string
	if s.cfg.Tokens != nil {
		token = requestToken(r)
		if token == "" {
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := s.cfg.Tokens.VerifyToken(r.Context(), token); err != nil {
			s.cfg.Metrics.Inc(metrics.AuthFailure)
			s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
			if errors.Is(err, auth.ErrInvalidToken) {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			s.log.Error("verify token", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	perSecond := s.cfg.MaxMessagesPerSecond
	c := &client{
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		pathRoom:   strings.TrimSpace(r.PathValue("room")),
		token:      token,
		srv:        s,
		conn:       conn,
		send:       make(chan protocol.ServerMessage, s.cfg.SendQueueLength),
		done:       make(chan struct{}),
	}
	if perSecond > 0 {
		c.limiter = ratelimit.NewTokenBucket(s.cfg.Clock, int64(perSecond), int64(perSecond))
	}

	// The request context is cancelled once the handler returns, and gorilla
	// has hijacked the connection by now, so the pumps get their own.
	ctx := context.WithoutCancel(r.Context())
	if err := s.hub.attach(ctx, c); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go func() {
		c.readPump(ctx)
		s.hub.detach(c)
	}()
}

func requestToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	return auth.BearerToken(r)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
