package signaling

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
)

var ErrHubStopped = errors.New("signaling: hub stopped")

type inboundEvent struct {
	client *client
	event  relay.Event
	// reply, when set, is sent back to client instead of applying an event.
	reply *protocol.ServerMessage
}

// Hub serializes every relay mutation onto one goroutine.
type Hub struct {
	relay   *relay.Relay
	log     *slog.Logger
	metrics *metrics.Metrics

	register   chan *client
	unregister chan *client
	inbound    chan inboundEvent
	queries    chan func(*relay.Relay)

	clients map[string]*client

	done chan struct{}
}

type HubConfig struct {
	Relay   relay.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewHub(cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		relay:      relay.New(cfg.Relay),
		log:        log,
		metrics:    cfg.Metrics,
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inboundEvent, 64),
		queries:    make(chan func(*relay.Relay)),
		clients:    make(map[string]*client),
		done:       make(chan struct{}),
	}
}

// Run owns the relay until ctx is done. On return every connection's send
// queue is closed so its write pump says goodbye.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		for id, c := range h.clients {
			delete(h.clients, id)
			close(c.send)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-h.register:
			h.clients[c.id] = c
			h.metrics.Inc(metrics.ConnectionsAccepted)
			h.log.Debug("participant connected", "participant", c.id, "remote_addr", c.remoteAddr)
		case c := <-h.unregister:
			if h.clients[c.id] != c {
				// Already dropped as a slow consumer.
				continue
			}
			h.drop(c)
			h.apply(c, relay.Leave{Participant: c.id, Reason: protocol.LeaveReasonDisconnect})
			h.metrics.Inc(metrics.ConnectionsClosed)
		case in := <-h.inbound:
			if h.clients[in.client.id] != in.client {
				continue
			}
			if in.reply != nil {
				h.deliver(relay.Outbound{To: in.client.id, Message: *in.reply})
				continue
			}
			h.apply(in.client, in.event)
		case fn := <-h.queries:
			fn(h.relay)
		}
	}
}

func (h *Hub) apply(c *client, ev relay.Event) {
	switch ev := ev.(type) {
	case relay.Join:
		h.metrics.Inc(metrics.Joins)
	case relay.Leave:
		if ev.Reason == protocol.LeaveReasonDisconnect {
			h.metrics.Inc(metrics.Disconnects)
		} else {
			h.metrics.Inc(metrics.Leaves)
		}
	case relay.Signal, relay.Chat, relay.MediaState:
		if !h.relay.Joined(c.id) {
			h.deliver(relay.Outbound{To: c.id, Message: protocol.ErrorMessage(errCodeNotJoined, relay.ErrNotJoined.Error())})
			return
		}
	}

	out := h.relay.Handle(ev)

	switch ev.(type) {
	case relay.Signal:
		if len(out) == 0 {
			h.metrics.Inc(metrics.SignalsDropped)
		} else {
			h.metrics.Inc(metrics.SignalsRelayed)
		}
	case relay.Chat:
		h.metrics.Inc(metrics.ChatMessages)
	case relay.MediaState:
		h.metrics.Inc(metrics.MediaStates)
	}

	for _, o := range out {
		h.deliver(o)
	}
}

// deliver never blocks the hub: a full queue drops the recipient, and the
// departure is handled here as a disconnect.
func (h *Hub) deliver(o relay.Outbound) {
	c, ok := h.clients[o.To]
	if !ok {
		return
	}
	select {
	case c.send <- o.Message:
	default:
		h.log.Warn("dropping slow consumer", "participant", c.id, "queue", cap(c.send))
		h.metrics.Inc(metrics.SlowConsumers)
		h.drop(c)
		h.apply(c, relay.Leave{Participant: c.id, Reason: protocol.LeaveReasonDisconnect})
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c.id)
	close(c.send)
}

func (h *Hub) attach(ctx context.Context, c *client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) detach(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(ctx context.Context, c *client, ev relay.Event) error {
	select {
	case h.inbound <- inboundEvent{client: c, event: ev}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reply queues msg for c behind anything the hub already sent it.
func (h *Hub) reply(ctx context.Context, c *client, msg protocol.ServerMessage) error {
	select {
	case h.inbound <- inboundEvent{client: c, reply: &msg}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query runs fn on the hub goroutine. fn must not retain r.
func (h *Hub) Query(ctx context.Context, fn func(r *relay.Relay)) error {
	ran := make(chan struct{})
	wrapped := func(r *relay.Relay) {
		defer close(ran)
		fn(r)
	}
	select {
	case h.queries <- wrapped:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Stats is a point-in-time view for health and debugging.
type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
	Connections  int `json:"connections"`
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := h.Query(ctx, func(r *relay.Relay) {
		s = Stats{Rooms: r.RoomCount(), Participants: r.ParticipantCount(), Connections: len(h.clients)}
	})
	return s, err
}

func (h *Hub) Done() <-chan struct{} { return h.done }
