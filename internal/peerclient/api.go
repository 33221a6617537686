package peerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/history"
)

const maxResponseBytes = 1 << 20

// API talks to the signaling server's HTTP endpoints.
type API struct {
	base *url.URL
	http *http.Client
}

// NewAPI accepts an http(s) base URL such as http://127.0.0.1:8080.
func NewAPI(baseURL string, client *http.Client) (*API, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q: want http(s)://host[:port]", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	if client == nil {
		client = http.DefaultClient
	}
	return &API{base: u, http: client}, nil
}

// SignalURL is the WebSocket endpoint for room, carrying token when set.
func (a *API) SignalURL(room, token string) string {
	u := *a.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = a.base.Path + "/signal"
	u.RawPath = ""
	if room != "" {
		// Escape slashes so the room stays one path segment.
		u.Path += "/" + room
		u.RawPath = a.base.EscapedPath() + "/signal/" + url.PathEscape(room)
	}
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

// ICEServers fetches the server's ICE configuration. TURN entries carry
// whatever ephemeral credentials the server minted.
func (a *API) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var body struct {
		ICEServers json.RawMessage `json:"iceServers"`
	}
	if err := a.do(ctx, http.MethodGet, "/webrtc/ice", "", nil, &body); err != nil {
		return nil, err
	}
	if len(body.ICEServers) == 0 {
		return nil, nil
	}
	servers, err := config.ParseICEServersJSON(string(body.ICEServers), false)
	if err != nil {
		return nil, fmt.Errorf("parse ice servers: %w", err)
	}
	return servers, nil
}

func (a *API) Register(ctx context.Context, username, password string) error {
	return a.do(ctx, http.MethodPost, "/api/v1/register", "", credentials{username, password}, nil)
}

// Login returns a session token.
func (a *API) Login(ctx context.Context, username, password string) (string, error) {
	var body struct {
		Token string `json:"token"`
	}
	if err := a.do(ctx, http.MethodPost, "/api/v1/login", "", credentials{username, password}, &body); err != nil {
		return "", err
	}
	return body.Token, nil
}

func (a *API) History(ctx context.Context, token string) ([]history.Entry, error) {
	var body struct {
		Entries []history.Entry `json:"entries"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/v1/history", token, nil, &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (a *API) do(ctx context.Context, method, path, token string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	u := *a.base
	u.Path += path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
