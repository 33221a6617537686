package relay

import "sort"

// registry maps room keys to their member sets. A room exists exactly while
// it has at least one member.
type registry struct {
	rooms map[string]map[string]struct{}
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]map[string]struct{})}
}

func (r *registry) add(room, id string) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
}

// remove drops id from room and reports whether the room became empty (and was
// deleted).
func (r *registry) remove(room, id string) (emptied bool) {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
		return true
	}
	return false
}

func (r *registry) contains(room, id string) bool {
	_, ok := r.rooms[room][id]
	return ok
}

// members returns the sorted member IDs of room.
func (r *registry) members(room string) []string {
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *registry) exists(room string) bool {
	_, ok := r.rooms[room]
	return ok
}

func (r *registry) len() int {
	return len(r.rooms)
}
