package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var ErrTURNCredentials = errors.New("turn urls require username and credential")

// ICEServerURLs is the shorthand form of an ICE server list: one STUN entry
// and one TURN entry sharing a credential. Both the server env and the peer
// CLI flags use it.
type ICEServerURLs struct {
	STUN           []string
	TURN           []string
	TURNUsername   string
	TURNCredential string
}

func (u ICEServerURLs) Empty() bool {
	return len(u.STUN) == 0 && len(u.TURN) == 0
}

// Build validates u. allowTURNWithoutCredentials is for servers whose TURN
// credentials are minted per /webrtc/ice request.
func (u ICEServerURLs) Build(allowTURNWithoutCredentials bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	if stun := trimAll(u.STUN); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("stun: %w", err)
		}
		servers = append(servers, server)
	}

	if turn := trimAll(u.TURN); len(turn) > 0 {
		server := webrtc.ICEServer{URLs: turn, Username: strings.TrimSpace(u.TURNUsername)}
		if cred := strings.TrimSpace(u.TURNCredential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server, allowTURNWithoutCredentials); err != nil {
			return nil, fmt.Errorf("turn: %w", err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// parseICEServersFromValues prefers the JSON list over the shorthand env vars.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := ICEServerURLs{
		STUN:           strings.Split(stunURLs, ","),
		TURN:           strings.Split(turnURLs, ","),
		TURNUsername:   turnUsername,
		TURNCredential: turnCredential,
	}.Build(turnREST)
	if err != nil {
		return nil, fmt.Errorf("%s/%s/%s/%s: %w", envStunURLs, envTurnURLs, envTurnUsername, envTurnCredential, err)
	}
	return servers, nil
}

// iceServerJSON accepts "urls" as a string or a list, like RTCIceServer.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (s iceServerJSON) urls() ([]string, error) {
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(s.URLs, &many); err != nil {
		return nil, errors.New("urls must be a string or a list of strings")
	}
	return many, nil
}

// ParseICEServersJSON parses an RTCIceServer list as found in
// AERO_ICE_SERVERS_JSON or the iceServers field of a /webrtc/ice response.
func ParseICEServersJSON(raw string, allowTURNWithoutCredentials bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := entry.urls()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: trimAll(urls), Username: strings.TrimSpace(entry.Username)}
		if strings.TrimSpace(entry.Credential) != "" {
			server.Credential = entry.Credential
		}
		if err := validateICEServer(server, allowTURNWithoutCredentials); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, allowTURNWithoutCredentials bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, u := range server.URLs {
		scheme, rest, ok := strings.Cut(strings.ToLower(u), ":")
		if !ok || rest == "" {
			return fmt.Errorf("malformed url %q", u)
		}
		switch scheme {
		case "stun", "stuns", "turn", "turns":
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}

	if !iceServerHasTURNURL(server) || allowTURNWithoutCredentials {
		return nil
	}
	cred, _ := server.Credential.(string)
	if strings.TrimSpace(server.Username) == "" || strings.TrimSpace(cred) == "" {
		return ErrTURNCredentials
	}
	return nil
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
