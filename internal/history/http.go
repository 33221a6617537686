package history

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/httpserver"
)

type listResponse struct {
	Entries []Entry `json:"entries"`
}

type recordRequest struct {
	RoomKey string `json:"roomKey"`
}

// RegisterRoutes mounts GET and POST /api/v1/history. Both require a Bearer
// token.
func (s *Service) RegisterRoutes(r auth.Routes, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}

	r.Handle("GET /api/v1/history", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		entries, err := s.ListFor(req.Context(), auth.BearerToken(req))
		if err != nil {
			writeErr(w, log, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		httpserver.WriteJSON(w, http.StatusOK, listResponse{Entries: entries})
	}))

	r.Handle("POST /api/v1/history", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body recordRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, 4<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			httpserver.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.Record(req.Context(), auth.BearerToken(req), body.RoomKey); err != nil {
			writeErr(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func writeErr(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		httpserver.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
	case errors.Is(err, ErrInvalidRoomKey):
		httpserver.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error("meeting history", "err", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
