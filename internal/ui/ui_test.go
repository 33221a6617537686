package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/history"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

func TestHistoryTable(t *testing.T) {
	if got := HistoryTable(nil, time.UTC); !strings.Contains(got, "No meetings yet") {
		t.Fatalf("empty table=%q", got)
	}
	got := HistoryTable([]history.Entry{
		{RoomKey: "R1", Date: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)},
		{RoomKey: "R2", Date: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
	}, time.UTC)
	for _, want := range []string{"Room", "R1", "2026-03-01 09:30:00", "R2"} {
		if !strings.Contains(got, want) {
			t.Fatalf("table missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "R1") > strings.Index(got, "R2") {
		t.Fatalf("rows out of order:\n%s", got)
	}
}

func TestMembersTable(t *testing.T) {
	got := MembersTable(
		map[string]string{"b": "Bob", "c": "Carol"},
		map[string]protocol.MediaState{"b": {Camera: true}},
	)
	for _, want := range []string{"Bob", "Carol", "on", "?"} {
		if !strings.Contains(got, want) {
			t.Fatalf("table missing %q:\n%s", want, got)
		}
	}
	if !strings.Contains(MembersTable(nil, nil), "Nobody else") {
		t.Fatalf("empty members table should say so")
	}
}

func newTestModel(t *testing.T) (*RoomModel, *[]string) {
	t.Helper()
	var sent []string
	m := NewRoomModel(RoomConfig{
		Room:   "R1",
		Events: make(chan mesh.Event),
		SendChat: func(text string) error {
			sent = append(sent, text)
			return nil
		},
		Toggle: func(kind media.Kind) (bool, error) {
			if kind == media.KindVideo {
				return false, errors.New("no camera")
			}
			return true, nil
		},
	})
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return m, &sent
}

func TestRoomModelRendersEvents(t *testing.T) {
	m, _ := newTestModel(t)
	m.Update(eventMsg{Type: mesh.EventJoined, Room: "R1", PeerID: "a", Peers: []string{"b"}, Names: map[string]string{"b": "Bob"}})
	m.Update(eventMsg{Type: mesh.EventPeerJoined, PeerID: "c", Name: "Carol"})
	m.Update(eventMsg{Type: mesh.EventChat, PeerID: "b", Chat: &protocol.ChatMessage{Text: "hello there", SenderName: "Bob", SenderID: "b", Timestamp: time.Now()}})
	m.Update(eventMsg{Type: mesh.EventPeerLeft, PeerID: "c", Reason: protocol.LeaveReasonIntentional})

	view := m.View()
	for _, want := range []string{"room R1", "joined R1 with 1 other(s)", "Carol joined", "Bob:", "hello there", "Carol left (intentional)"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if _, ok := m.names["c"]; ok {
		t.Fatalf("departed member still listed")
	}
}

func TestRoomModelSendsChatAndCommands(t *testing.T) {
	m, sent := newTestModel(t)

	m.input.SetValue("  hi all ")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if len(*sent) != 1 || (*sent)[0] != "hi all" {
		t.Fatalf("sent=%v, want [hi all]", *sent)
	}
	if m.input.Value() != "" {
		t.Fatalf("input=%q, want cleared", m.input.Value())
	}

	m.input.SetValue("/mic")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m.input.SetValue("/cam")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if len(*sent) != 1 {
		t.Fatalf("commands must not be sent as chat: %v", *sent)
	}
	view := m.View()
	if !strings.Contains(view, "microphone on") || !strings.Contains(view, "camera: no camera") {
		t.Fatalf("view missing toggle feedback:\n%s", view)
	}

	m.input.SetValue("/quit")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("cmd produced %T, want tea.QuitMsg", cmd())
	}
}

func TestRoomModelQuitsWhenEventsClose(t *testing.T) {
	events := make(chan mesh.Event)
	close(events)
	m := NewRoomModel(RoomConfig{Room: "R1", Events: events, SendChat: func(string) error { return nil }})

	msg := m.listen()()
	if _, ok := msg.(eventsClosedMsg); !ok {
		t.Fatalf("msg=%T, want eventsClosedMsg", msg)
	}
	_, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
}

func TestRoomModelQuitsWhenSessionEnds(t *testing.T) {
	done := make(chan struct{})
	close(done)
	m := NewRoomModel(RoomConfig{Room: "R1", Events: make(chan mesh.Event), Done: done, SendChat: func(string) error { return nil }})
	if _, ok := m.listen()().(eventsClosedMsg); !ok {
		t.Fatalf("listen should report the session ending")
	}
}
