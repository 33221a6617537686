package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is set when TURN entries carry ephemeral credentials.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-store")

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.turn == nil || len(servers) == 0 {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	withCreds, creds, err := s.turn.Apply(servers)
	if err != nil {
		s.log.Error("turn rest credentials", "err", err)
		WriteError(w, http.StatusInternalServerError, "failed to mint TURN credentials")
		return
	}
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: withCreds, ExpiresAt: creds.ExpiryUnix})
}
