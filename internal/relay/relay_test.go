package relay

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func messagesFor(out []Outbound, to string) []protocol.ServerMessage {
	var msgs []protocol.ServerMessage
	for _, o := range out {
		if o.To == to {
			msgs = append(msgs, o.Message)
		}
	}
	return msgs
}

func recipients(out []Outbound) []string {
	ids := make([]string, 0, len(out))
	for _, o := range out {
		ids = append(ids, o.To)
	}
	return ids
}

func TestJoin_FirstMemberGetsEmptyJoinResult(t *testing.T) {
	r := New(Config{})
	out := r.Handle(Join{Participant: "a", Room: "R1", Name: "Alice", At: t0})
	if len(out) != 1 {
		t.Fatalf("len(out)=%d, want 1", len(out))
	}
	msg := out[0].Message
	if out[0].To != "a" || msg.Type != protocol.ServerMessageTypeJoined {
		t.Fatalf("out=%#v, want joined to a", out[0])
	}
	if msg.Joined.SelfID != "a" || msg.Joined.RoomKey != "R1" {
		t.Fatalf("joined=%#v", msg.Joined)
	}
	if msg.Joined.PeerIDs == nil || len(msg.Joined.PeerIDs) != 0 {
		t.Fatalf("peerIds=%#v, want empty", msg.Joined.PeerIDs)
	}
}

func TestJoin_AnnouncesToExistingMembersBeforeJoinResult(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1", Name: "Alice", At: t0})
	r.Handle(MediaState{From: "a", State: protocol.MediaState{Camera: true}})

	out := r.Handle(Join{Participant: "b", Room: "R1", Name: "Bob", At: t0})
	if got, want := recipients(out), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("recipients=%v, want %v", got, want)
	}

	mj := out[0].Message
	if mj.Type != protocol.ServerMessageTypeMemberJoined || mj.MemberJoined.JoinerID != "b" {
		t.Fatalf("first=%#v, want member-joined for b", mj)
	}
	if got, want := mj.MemberJoined.MemberIDs, []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("memberIds=%v, want %v", got, want)
	}
	if got, want := mj.MemberJoined.Names, map[string]string{"a": "Alice", "b": "Bob"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("names=%v, want %v", got, want)
	}

	joined := out[1].Message.Joined
	if got, want := joined.PeerIDs, []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("peerIds=%v, want %v", got, want)
	}
	if got := joined.PeerMediaStates["a"]; !got.Camera {
		t.Fatalf("peerMediaStates[a]=%#v, want camera on", got)
	}
	if _, ok := joined.PeerMediaStates["b"]; ok {
		t.Fatalf("joiner must not appear in its own peer states")
	}
}

func TestJoin_DefaultsDisplayName(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1", Name: "   "})
	p, ok := r.Participant("a")
	if !ok {
		t.Fatalf("participant missing")
	}
	if p.Name != protocol.DefaultDisplayName {
		t.Fatalf("name=%q, want %q", p.Name, protocol.DefaultDisplayName)
	}
	if p.MediaState != nil {
		t.Fatalf("media state=%#v, want absent until reported", p.MediaState)
	}
}

func TestJoin_EmptyRoomIgnored(t *testing.T) {
	r := New(Config{})
	if out := r.Handle(Join{Participant: "a", Room: "  "}); len(out) != 0 {
		t.Fatalf("out=%v, want none", out)
	}
	if r.RoomCount() != 0 {
		t.Fatalf("rooms=%d, want 0", r.RoomCount())
	}
}

func TestJoin_RejoinLeavesOldRoom(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1"})
	r.Handle(Join{Participant: "b", Room: "R1"})

	out := r.Handle(Join{Participant: "a", Room: "R2"})
	left := messagesFor(out, "b")
	if len(left) != 1 || left[0].Type != protocol.ServerMessageTypeMemberLeft {
		t.Fatalf("b got %#v, want member-left", left)
	}
	if left[0].MemberLeft.Reason != protocol.LeaveReasonRejoin {
		t.Fatalf("reason=%q, want %q", left[0].MemberLeft.Reason, protocol.LeaveReasonRejoin)
	}
	if got, want := r.Members("R1"), []string{"b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("R1 members=%v, want %v", got, want)
	}
	if got, want := r.Members("R2"), []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("R2 members=%v, want %v", got, want)
	}
}

func TestJoin_SameRoomAgainDoesNotReannounce(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1"})
	r.Handle(Join{Participant: "b", Room: "R1"})

	out := r.Handle(Join{Participant: "b", Room: "R1"})
	if got, want := recipients(out), []string{"b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("recipients=%v, want %v", got, want)
	}
	if out[0].Message.Type != protocol.ServerMessageTypeJoined {
		t.Fatalf("type=%q, want joined", out[0].Message.Type)
	}
}

func TestHandle_IgnoresEventsWithoutParticipant(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1", At: t0})

	for _, ev := range []Event{
		nil,
		Join{Room: "R1"},
		Chat{Text: "hi", At: t0},
		Signal{To: "a", Payload: json.RawMessage(`{}`)},
		MediaState{},
		Leave{Reason: protocol.LeaveReasonIntentional},
	} {
		if out := r.Handle(ev); len(out) != 0 {
			t.Fatalf("Handle(%#v)=%#v, want nothing", ev, out)
		}
	}
	if got := r.Members("R1"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("members=%v, want [a]", got)
	}
	if got := r.History("R1"); len(got) != 0 {
		t.Fatalf("history=%#v, want empty", got)
	}
}

func TestRegistryMembershipEqualsJoinedMinusLeft(t *testing.T) {
	r := New(Config{})
	present := map[string]bool{}
	ops := []struct {
		join bool
		id   string
	}{
		{true, "a"}, {true, "b"}, {true, "c"}, {false, "b"}, {true, "d"},
		{false, "a"}, {false, "a"}, {true, "b"}, {false, "x"}, {false, "c"},
	}
	for i, op := range ops {
		if op.join {
			r.Handle(Join{Participant: op.id, Room: "R"})
			present[op.id] = true
		} else {
			r.Handle(Leave{Participant: op.id, Reason: protocol.LeaveReasonIntentional})
			delete(present, op.id)
		}

		var want []string
		for _, id := range []string{"a", "b", "c", "d", "x"} {
			if present[id] {
				want = append(want, id)
			}
		}
		if got := r.Members("R"); !reflect.DeepEqual(got, want) {
			t.Fatalf("step %d: members=%v, want %v", i, got, want)
		}
	}
}

func TestLeave_LastMemberDeletesRoomAndHistory(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1"})
	r.Handle(Chat{From: "a", Text: "hello", At: t0})
	r.Handle(Leave{Participant: "a", Reason: protocol.LeaveReasonDisconnect})

	if r.RoomExists("R1") || r.RoomCount() != 0 {
		t.Fatalf("room still exists after last member left")
	}
	if got := r.History("R1"); len(got) != 0 {
		t.Fatalf("history=%v, want empty", got)
	}
	if _, ok := r.Participant("a"); ok {
		t.Fatalf("directory entry not purged")
	}

	// A new room with the same key starts with a clean log.
	out := r.Handle(Join{Participant: "b", Room: "R1"})
	if len(out) != 1 {
		t.Fatalf("len(out)=%d, want only the join result", len(out))
	}
}

func TestLeave_Idempotent(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1"})
	r.Handle(Join{Participant: "b", Room: "R1"})

	first := r.Handle(Leave{Participant: "b", Reason: protocol.LeaveReasonIntentional})
	if got, want := recipients(first), []string{"a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("recipients=%v, want %v", got, want)
	}
	if reason := first[0].Message.MemberLeft.Reason; reason != protocol.LeaveReasonIntentional {
		t.Fatalf("reason=%q, want %q", reason, protocol.LeaveReasonIntentional)
	}
	if second := r.Handle(Leave{Participant: "b", Reason: protocol.LeaveReasonDisconnect}); len(second) != 0 {
		t.Fatalf("second leave produced %v", second)
	}
}

func TestSignal_RelayedVerbatimWithinRoom(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1"})
	r.Handle(Join{Participant: "b", Room: "R1"})
	r.Handle(Join{Participant: "c", Room: "R2"})

	payload := json.RawMessage(`{"sessionDescription":{"type":"offer","sdp":"v=0"}}`)
	out := r.Handle(Signal{From: "a", To: "b", Payload: payload})
	if len(out) != 1 || out[0].To != "b" {
		t.Fatalf("out=%#v, want one message to b", out)
	}
	sig := out[0].Message.Signal
	if sig.Origin != "a" || string(sig.Payload) != string(payload) {
		t.Fatalf("signal=%#v", sig)
	}

	for name, ev := range map[string]Signal{
		"other room":     {From: "a", To: "c", Payload: payload},
		"unknown target": {From: "a", To: "zz", Payload: payload},
		"unknown sender": {From: "zz", To: "a", Payload: payload},
		"self":           {From: "a", To: "a", Payload: payload},
	} {
		if out := r.Handle(ev); len(out) != 0 {
			t.Fatalf("%s: out=%v, want dropped", name, out)
		}
	}
}

func TestSignal_DepartedTargetDropped(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1"})
	r.Handle(Join{Participant: "b", Room: "R1"})
	r.Handle(Leave{Participant: "b"})

	if out := r.Handle(Signal{From: "a", To: "b", Payload: json.RawMessage(`{}`)}); len(out) != 0 {
		t.Fatalf("out=%v, want dropped", out)
	}
}

func TestChat_BroadcastIncludesSender(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1", Name: "Alice"})
	r.Handle(Join{Participant: "b", Room: "R1", Name: "Bob"})

	out := r.Handle(Chat{From: "a", Text: "hi", At: t0})
	if got, want := recipients(out), []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("recipients=%v, want %v", got, want)
	}
	chat := out[1].Message.Chat
	want := protocol.ChatMessage{Text: "hi", SenderName: "Alice", SenderID: "a", Timestamp: t0}
	if *chat != want {
		t.Fatalf("chat=%#v, want %#v", *chat, want)
	}

	if out := r.Handle(Chat{From: "nobody", Text: "hi"}); len(out) != 0 {
		t.Fatalf("chat from non-member produced %v", out)
	}
}

func TestHistory_ReplayedInOrderWithoutDuplicates(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1"})
	for i := 0; i < 5; i++ {
		r.Handle(Chat{From: "a", Text: fmt.Sprintf("m%d", i), At: t0.Add(time.Duration(i) * time.Second)})
	}

	out := r.Handle(Join{Participant: "b", Room: "R1"})
	msgs := messagesFor(out, "b")
	if msgs[0].Type != protocol.ServerMessageTypeJoined {
		t.Fatalf("first=%q, want joined", msgs[0].Type)
	}
	var texts []string
	for _, m := range msgs[1:] {
		if m.Type != protocol.ServerMessageTypeChat {
			t.Fatalf("type=%q, want chat-message", m.Type)
		}
		texts = append(texts, m.Chat.Text)
	}
	if want := []string{"m0", "m1", "m2", "m3", "m4"}; !reflect.DeepEqual(texts, want) {
		t.Fatalf("replay=%v, want %v", texts, want)
	}
	if got := messagesFor(out, "a"); len(got) != 1 || got[0].Type != protocol.ServerMessageTypeMemberJoined {
		t.Fatalf("existing member got %#v, want only member-joined", got)
	}
}

func TestHistory_LimitDropsOldest(t *testing.T) {
	r := New(Config{HistoryLimit: 3})
	r.Handle(Join{Participant: "a", Room: "R1"})
	for i := 0; i < 5; i++ {
		r.Handle(Chat{From: "a", Text: fmt.Sprintf("m%d", i)})
	}
	var texts []string
	for _, m := range r.History("R1") {
		texts = append(texts, m.Text)
	}
	if want := []string{"m2", "m3", "m4"}; !reflect.DeepEqual(texts, want) {
		t.Fatalf("history=%v, want %v", texts, want)
	}
}

func TestMediaState_BroadcastToOthersAndStored(t *testing.T) {
	r := New(Config{})
	r.Handle(Join{Participant: "a", Room: "R1"})
	r.Handle(Join{Participant: "b", Room: "R1"})
	r.Handle(Join{Participant: "c", Room: "R1"})

	state := protocol.MediaState{Camera: true, Microphone: true}
	out := r.Handle(MediaState{From: "b", State: state})
	if got, want := recipients(out), []string{"a", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("recipients=%v, want %v", got, want)
	}
	if upd := out[0].Message.MediaState; upd.Origin != "b" || upd.State != state {
		t.Fatalf("update=%#v", upd)
	}
	p, _ := r.Participant("b")
	if p.MediaState == nil || *p.MediaState != state {
		t.Fatalf("stored=%#v, want %#v", p.MediaState, state)
	}
}

// Alice creates R1, Bob joins, Bob chats, Bob leaves.
func TestScenario_AliceAndBob(t *testing.T) {
	r := New(Config{})

	out := r.Handle(Join{Participant: "alice", Room: "R1", Name: "Alice"})
	if got := out[0].Message.Joined; len(got.PeerIDs) != 0 {
		t.Fatalf("alice peerIds=%v, want none", got.PeerIDs)
	}

	out = r.Handle(Join{Participant: "bob", Room: "R1", Name: "Bob"})
	if mj := messagesFor(out, "alice"); len(mj) != 1 || mj[0].MemberJoined.JoinerID != "bob" {
		t.Fatalf("alice got %#v, want member-joined(bob)", mj)
	}
	if j := messagesFor(out, "bob"); len(j) != 1 || !reflect.DeepEqual(j[0].Joined.PeerIDs, []string{"alice"}) {
		t.Fatalf("bob got %#v, want joined with [alice]", j)
	}

	out = r.Handle(Chat{From: "bob", Text: "hi", SenderName: "Bob", At: t0})
	if got, want := recipients(out), []string{"alice", "bob"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("chat recipients=%v, want %v", got, want)
	}

	out = r.Handle(Leave{Participant: "bob", Reason: protocol.LeaveReasonIntentional})
	if ml := messagesFor(out, "alice"); len(ml) != 1 || ml[0].MemberLeft.ParticipantID != "bob" {
		t.Fatalf("alice got %#v, want member-left(bob)", ml)
	}
	if got, want := r.Members("R1"), []string{"alice"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("members=%v, want %v", got, want)
	}
	if got := len(r.History("R1")); got != 1 {
		t.Fatalf("history len=%d, want 1", got)
	}
}
