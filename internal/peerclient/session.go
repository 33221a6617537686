package peerclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/webrtcpeer"
)

type SessionConfig struct {
	API         *API
	Room        string
	DisplayName string
	// Token is required when the server runs with AUTH_MODE=account.
	Token string

	// ICEServers, when non-nil, is used instead of the server's /webrtc/ice
	// list.
	ICEServers []webrtc.ICEServer
	Network    config.WebRTCNetwork
	// Net replaces the OS network stack for ICE; tests pass a vnet.Net.
	Net transport.Net

	SettleDelay time.Duration
	Logger      *slog.Logger
	OnEvent     func(mesh.Event)
}

// Session is one participant in one room: the signaling connection, the
// negotiation engine and a placeholder media pipeline.
type Session struct {
	client *Client
	engine *mesh.Engine
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Join connects to the room and starts negotiating with its members.
func Join(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("peerclient: SessionConfig.API is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	servers := cfg.ICEServers
	if servers == nil {
		fetched, err := cfg.API.ICEServers(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch ice servers: %w", err)
		}
		servers = fetched
	}
	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{Network: cfg.Network, Logger: log, Net: cfg.Net})
	if err != nil {
		return nil, err
	}
	pipeline, err := media.NewPipeline("aero-" + uuid.NewString())
	if err != nil {
		return nil, err
	}

	client, err := Dial(ctx, cfg.API.SignalURL(cfg.Room, cfg.Token), nil, log)
	if err != nil {
		return nil, err
	}
	engine, err := mesh.New(mesh.Config{
		Sender:      client,
		NewConn:     webrtcpeer.NewFactory(api, servers, log),
		Pipeline:    pipeline,
		Logger:      log,
		DisplayName: cfg.DisplayName,
		SettleDelay: cfg.SettleDelay,
		OnEvent:     cfg.OnEvent,
	})
	if err != nil {
		client.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{client: client, engine: engine, log: log, cancel: cancel, done: make(chan struct{})}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		err := media.PumpSilence(runCtx, func() *media.Source { return engine.Source(media.KindAudio) })
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Debug("silence pump stopped", "err", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		for msg := range client.Messages() {
			engine.Handle(msg)
		}
	}()

	if err := engine.Join(cfg.Room); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) Engine() *mesh.Engine { return s.engine }

func (s *Session) SendChat(text string) error { return s.engine.SendChat(text) }

// SetEnabled mutes or unmutes a slot without renegotiating.
func (s *Session) SetEnabled(kind media.Kind, enabled bool) error {
	return s.engine.SetEnabled(kind, enabled)
}

// Done is closed when the signaling connection ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the signaling connection ended.
func (s *Session) Err() error { return s.client.Err() }

// Leave announces the departure, then closes the session.
func (s *Session) Leave() error {
	err := s.engine.Leave()
	if errors.Is(err, mesh.ErrEngineClosed) {
		err = nil
	}
	return errors.Join(err, s.Close())
}

func (s *Session) Close() error {
	err := s.engine.Close()
	s.client.Close()
	s.cancel()
	s.wg.Wait()
	return err
}
