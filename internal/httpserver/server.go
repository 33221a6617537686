// Package httpserver is the HTTP surface of the signaling server: the
// middleware chain, health and version endpoints, and the ICE server list.
// Feature packages (signaling, accounts, metrics) register their routes on
// Mux or through Handle.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log    *slog.Logger
	cfg    config.Config
	build  BuildInfo
	policy origin.Policy
	turn   *turnrest.Generator

	ready atomic.Bool
	// readyChecks are consulted by /readyz in registration order.
	readyChecks []func() error

	mux       *http.ServeMux
	preflight map[string]bool
	srv       *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) *Server {
	s := &Server{
		log:    logger,
		cfg:    cfg,
		build:  build,
		policy: origin.NewPolicy(cfg.AllowedOrigins),
		mux:    http.NewServeMux(),

		preflight: make(map[string]bool),
	}

	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			// config.Load validates the same fields; this only fires for
			// hand-built configs.
			logger.Error("turn rest disabled", "err", err)
		} else {
			s.turn = gen
		}
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: /signal connections are long-lived and
		// enforce their own idle timeout.
	}

	return s
}

// Mux returns the underlying ServeMux. Routes must be added before Serve.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Handle registers a browser-facing API route behind the Origin policy and
// CORS headers. A method-qualified pattern also gets an OPTIONS route for
// preflight requests.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, s.originMiddleware()(h))

	method, path, ok := strings.Cut(pattern, " ")
	if !ok || method == http.MethodOptions || s.preflight[path] {
		return
	}
	s.preflight[path] = true
	s.mux.Handle(http.MethodOptions+" "+path, s.originMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

// OriginPolicy is shared with the WebSocket upgrader.
func (s *Server) OriginPolicy() origin.Policy {
	return s.policy
}

// AddReadyCheck makes /readyz fail while check returns an error.
func (s *Server) AddReadyCheck(check func() error) {
	s.readyChecks = append(s.readyChecks, check)
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		for _, check := range s.readyChecks {
			if err := check(); err != nil {
				WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
				return
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.Handle("GET /webrtc/ice", http.HandlerFunc(s.handleICE))
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

// WriteError writes {"error": message}.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]any{"error": message})
}
