package relay

import (
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

// Relay tracks rooms, participants and chat history and turns each input
// Event into the messages that must be delivered because of it.
type Relay struct {
	cfg       Config
	rooms     *registry
	directory *directory
	history   *history
}

func New(cfg Config) *Relay {
	cfg = cfg.WithDefaults()
	return &Relay{
		cfg:       cfg,
		rooms:     newRegistry(),
		directory: newDirectory(),
		history:   newHistory(cfg.HistoryLimit),
	}
}

// Handle applies ev and returns the resulting outbound messages. All messages
// caused by one event are returned together; within one broadcast recipients
// are ordered by participant ID.
//
// Events that do not apply (unknown participants, targets outside the sender's
// room, a second leave, events with no acting participant) yield no messages.
func (r *Relay) Handle(ev Event) []Outbound {
	if ev == nil || ev.participant() == "" {
		return nil
	}
	switch ev := ev.(type) {
	case Join:
		return r.join(ev)
	case Signal:
		return r.signal(ev)
	case Chat:
		return r.chat(ev)
	case MediaState:
		return r.mediaState(ev)
	case Leave:
		return r.leave(ev.Participant, ev.Reason)
	default:
		return nil
	}
}

func (r *Relay) join(ev Join) []Outbound {
	room := strings.TrimSpace(ev.Room)
	if ev.Participant == "" || room == "" {
		return nil
	}

	var out []Outbound
	if p, ok := r.directory.get(ev.Participant); ok {
		if p.Room == room {
			// Already a member: answer with a fresh join result but do not
			// announce the participant twice.
			return r.joinResult(p, out)
		}
		out = r.leave(ev.Participant, protocol.LeaveReasonRejoin)
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	p := &Participant{
		ID:       ev.Participant,
		Room:     room,
		Name:     protocol.NormalizeDisplayName(ev.Name),
		JoinedAt: at.UTC(),
	}

	existing := r.rooms.members(room)
	r.rooms.add(room, p.ID)
	r.directory.put(p)

	members := r.rooms.members(room)
	names, states := r.directory.snapshot(members)
	for _, id := range existing {
		out = append(out, Outbound{
			To: id,
			Message: protocol.ServerMessage{
				Type: protocol.ServerMessageTypeMemberJoined,
				MemberJoined: &protocol.MemberJoined{
					JoinerID:    p.ID,
					MemberIDs:   members,
					Names:       names,
					MediaStates: states,
				},
			},
		})
	}
	return r.joinResult(p, out)
}

// joinResult appends the joined message and the history replay for p.
func (r *Relay) joinResult(p *Participant, out []Outbound) []Outbound {
	var peers []string
	for _, id := range r.rooms.members(p.Room) {
		if id != p.ID {
			peers = append(peers, id)
		}
	}
	if peers == nil {
		peers = []string{}
	}
	names, states := r.directory.snapshot(peers)
	out = append(out, Outbound{
		To: p.ID,
		Message: protocol.ServerMessage{
			Type: protocol.ServerMessageTypeJoined,
			Joined: &protocol.Joined{
				SelfID:          p.ID,
				RoomKey:         p.Room,
				PeerIDs:         peers,
				PeerNames:       names,
				PeerMediaStates: states,
			},
		},
	})
	for _, msg := range r.history.list(p.Room) {
		out = append(out, Outbound{
			To:      p.ID,
			Message: protocol.ServerMessage{Type: protocol.ServerMessageTypeChat, Chat: &msg},
		})
	}
	return out
}

func (r *Relay) signal(ev Signal) []Outbound {
	from, ok := r.directory.get(ev.From)
	if !ok || ev.To == ev.From {
		return nil
	}
	if !r.rooms.contains(from.Room, ev.To) {
		return nil
	}
	return []Outbound{{
		To: ev.To,
		Message: protocol.ServerMessage{
			Type:   protocol.ServerMessageTypeSignal,
			Signal: &protocol.RelayedSignal{Origin: ev.From, Payload: ev.Payload},
		},
	}}
}

func (r *Relay) chat(ev Chat) []Outbound {
	from, ok := r.directory.get(ev.From)
	if !ok {
		return nil
	}
	name := strings.TrimSpace(ev.SenderName)
	if name == "" {
		name = from.Name
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	msg := protocol.ChatMessage{
		Text:       ev.Text,
		SenderName: name,
		SenderID:   from.ID,
		Timestamp:  at.UTC(),
	}
	r.history.append(from.Room, msg)

	members := r.rooms.members(from.Room)
	out := make([]Outbound, 0, len(members))
	for _, id := range members {
		out = append(out, Outbound{
			To:      id,
			Message: protocol.ServerMessage{Type: protocol.ServerMessageTypeChat, Chat: &msg},
		})
	}
	return out
}

func (r *Relay) mediaState(ev MediaState) []Outbound {
	from, ok := r.directory.get(ev.From)
	if !ok {
		return nil
	}
	state := ev.State
	from.MediaState = &state

	return r.broadcastOthers(from, protocol.ServerMessage{
		Type:       protocol.ServerMessageTypeMediaStateChange,
		MediaState: &protocol.MediaStateUpdate{Origin: from.ID, State: state},
	})
}

func (r *Relay) leave(id, reason string) []Outbound {
	p, ok := r.directory.get(id)
	if !ok {
		return nil
	}
	if reason == "" {
		reason = protocol.LeaveReasonIntentional
	}
	out := r.broadcastOthers(p, protocol.ServerMessage{
		Type:       protocol.ServerMessageTypeMemberLeft,
		MemberLeft: &protocol.MemberLeft{ParticipantID: p.ID, Reason: reason},
	})
	if r.rooms.remove(p.Room, p.ID) {
		r.history.drop(p.Room)
	}
	r.directory.purge(p.ID)
	return out
}

// broadcastOthers addresses msg to every member of from's room except from.
func (r *Relay) broadcastOthers(from *Participant, msg protocol.ServerMessage) []Outbound {
	var out []Outbound
	for _, id := range r.rooms.members(from.Room) {
		if id == from.ID {
			continue
		}
		out = append(out, Outbound{To: id, Message: msg})
	}
	return out
}

// Members returns the sorted member IDs of room, or nil if the room does not
// exist.
func (r *Relay) Members(room string) []string {
	if !r.rooms.exists(room) {
		return nil
	}
	return r.rooms.members(room)
}

func (r *Relay) RoomExists(room string) bool { return r.rooms.exists(room) }

func (r *Relay) RoomCount() int { return r.rooms.len() }

func (r *Relay) ParticipantCount() int { return len(r.directory.entries) }

// Participant returns a copy of the directory entry for id.
func (r *Relay) Participant(id string) (Participant, bool) {
	p, ok := r.directory.get(id)
	if !ok {
		return Participant{}, false
	}
	cp := *p
	if p.MediaState != nil {
		state := *p.MediaState
		cp.MediaState = &state
	}
	return cp, true
}

// History returns a copy of room's chat log in append order.
func (r *Relay) History(room string) []protocol.ChatMessage {
	return r.history.list(room)
}

// Joined reports whether id is currently a member of some room.
func (r *Relay) Joined(id string) bool {
	_, ok := r.directory.get(id)
	return ok
}
