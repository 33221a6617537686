package relay

import "github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"

// DefaultHistoryLimit bounds each room's chat log when Config.HistoryLimit is
// not set.
const DefaultHistoryLimit = 1000

// history is a bounded, append-only chat log per room. When a room reaches the
// limit the oldest message is dropped.
type history struct {
	limit int
	logs  map[string][]protocol.ChatMessage
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit, logs: make(map[string][]protocol.ChatMessage)}
}

func (h *history) append(room string, msg protocol.ChatMessage) {
	log := append(h.logs[room], msg)
	if over := len(log) - h.limit; over > 0 {
		n := copy(log, log[over:])
		clear(log[n:])
		log = log[:n]
	}
	h.logs[room] = log
}

func (h *history) list(room string) []protocol.ChatMessage {
	log := h.logs[room]
	out := make([]protocol.ChatMessage, len(log))
	copy(out, log)
	return out
}

func (h *history) drop(room string) {
	delete(h.logs, room)
}
