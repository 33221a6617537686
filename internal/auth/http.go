package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
)

const maxCredentialsBody = 4 << 10

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Routes is the subset of httpserver.Server used to mount handlers.
type Routes interface {
	Handle(pattern string, h http.Handler)
}

// RegisterRoutes mounts POST /api/v1/register and POST /api/v1/login.
func (s *Service) RegisterRoutes(r Routes, log *slog.Logger, m *metrics.Metrics) {
	if log == nil {
		log = slog.Default()
	}
	r.Handle("POST /api/v1/register", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		creds, ok := decodeCredentials(w, req)
		if !ok {
			return
		}
		id, err := s.Register(req.Context(), creds.Username, creds.Password)
		switch {
		case err == nil:
			httpserver.WriteJSON(w, http.StatusCreated, id)
		case errors.Is(err, ErrUsernameTaken):
			httpserver.WriteError(w, http.StatusConflict, "username taken")
		case errors.Is(err, ErrInvalidUsername), errors.Is(err, ErrWeakPassword):
			httpserver.WriteError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error("register account", "err", err)
			httpserver.WriteError(w, http.StatusInternalServerError, "internal error")
		}
	}))

	r.Handle("POST /api/v1/login", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		creds, ok := decodeCredentials(w, req)
		if !ok {
			return
		}
		token, err := s.VerifyCredentials(req.Context(), creds.Username, creds.Password)
		switch {
		case err == nil:
			w.Header().Set("Cache-Control", "no-store")
			httpserver.WriteJSON(w, http.StatusOK, loginResponse{Token: token})
		case errors.Is(err, ErrUnknownAccount), errors.Is(err, ErrInvalidCredentials):
			m.Inc(metrics.AuthFailure)
			// Same response for both so usernames can't be probed.
			httpserver.WriteError(w, http.StatusUnauthorized, "invalid username or password")
		default:
			log.Error("login", "err", err)
			httpserver.WriteError(w, http.StatusInternalServerError, "internal error")
		}
	}))
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var creds credentialsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCredentialsBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		httpserver.WriteError(w, http.StatusBadRequest, "invalid request body")
		return credentialsRequest{}, false
	}
	return creds, true
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}
