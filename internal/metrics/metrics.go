// Package metrics is a small counter registry for the signaling server,
// exposed to Prometheus by PrometheusHandler.
package metrics

import "sync"

// Event names counted by the signaling server.
const (
	ConnectionsAccepted = "connections_accepted"
	ConnectionsRejected = "connections_rejected"
	ConnectionsClosed   = "connections_closed"

	Joins          = "joins"
	Leaves         = "leaves"
	Disconnects    = "disconnects"
	SignalsRelayed = "signals_relayed"
	SignalsDropped = "signals_dropped"
	ChatMessages   = "chat_messages"
	MediaStates    = "media_state_changes"

	BadMessages   = "bad_messages"
	RateLimited   = "rate_limited"
	SlowConsumers = "slow_consumers"
	AuthFailure   = "auth_failure"

	HistoryRecordFailed = "history_record_failed"
)

// help describes each known counter. Counters missing here are exported under
// the catch-all events family.
var help = map[string]string{
	ConnectionsAccepted: "WebSocket connections registered with the hub.",
	ConnectionsRejected: "Upgrade requests refused by origin, auth or connect rate checks.",
	ConnectionsClosed:   "Registered connections that have gone away.",
	Joins:               "Join requests applied to a room.",
	Leaves:              "Intentional leaves and rejoin departures.",
	Disconnects:         "Participants removed because their connection ended.",
	SignalsRelayed:      "Negotiation signals forwarded to a room member.",
	SignalsDropped:      "Negotiation signals whose target was not in the sender's room.",
	ChatMessages:        "Chat messages broadcast to a room.",
	MediaStates:         "Media state reports broadcast to a room.",
	BadMessages:         "Client frames rejected as malformed.",
	RateLimited:         "Connections closed for exceeding the message rate.",
	SlowConsumers:       "Participants dropped because their send queue was full.",
	AuthFailure:         "Connections refused for a missing or invalid session token.",
	HistoryRecordFailed: "Meeting history writes that failed.",
}

// Metrics is a concurrency-safe set of named counters.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
