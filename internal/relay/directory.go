package relay

import (
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

// Participant is the directory entry for one connected participant.
type Participant struct {
	ID       string
	Room     string
	Name     string
	JoinedAt time.Time

	// MediaState is nil until the participant first reports it.
	MediaState *protocol.MediaState
}

type directory struct {
	entries map[string]*Participant
}

func newDirectory() *directory {
	return &directory{entries: make(map[string]*Participant)}
}

func (d *directory) get(id string) (*Participant, bool) {
	p, ok := d.entries[id]
	return p, ok
}

func (d *directory) put(p *Participant) {
	d.entries[p.ID] = p
}

func (d *directory) purge(id string) {
	delete(d.entries, id)
}

// snapshot builds the name and media-state maps for ids. Participants that have
// not reported media state are omitted from the state map.
func (d *directory) snapshot(ids []string) (map[string]string, map[string]protocol.MediaState) {
	names := make(map[string]string, len(ids))
	states := make(map[string]protocol.MediaState, len(ids))
	for _, id := range ids {
		p, ok := d.entries[id]
		if !ok {
			continue
		}
		names[id] = p.Name
		if p.MediaState != nil {
			states[id] = *p.MediaState
		}
	}
	return names, states
}
