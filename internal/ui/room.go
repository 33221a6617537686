package ui

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

const roomHelp = "enter: send  /mic /cam: toggle  /who: members  /quit or ctrl+c: leave"

// RoomConfig wires the room view to a running session.
type RoomConfig struct {
	Room     string
	Events   <-chan mesh.Event
	// Done, when closed, ends the view as if Events had closed.
	Done     <-chan struct{}
	SendChat func(text string) error
	// Toggle flips a slot's enabled flag and returns the new value.
	Toggle   func(kind media.Kind) (bool, error)
}

type eventMsg mesh.Event

type eventsClosedMsg struct{}

// RoomModel is the interactive room view: a scrolling log of chat and
// membership changes above a single-line composer.
type RoomModel struct {
	cfg      RoomConfig
	input    textinput.Model
	viewport viewport.Model

	lines  []string
	selfID string
	names  map[string]string
	states map[string]protocol.MediaState

	quitting bool
}

func NewRoomModel(cfg RoomConfig) *RoomModel {
	input := textinput.New()
	input.Placeholder = "Say something"
	input.CharLimit = protocol.MaxChatTextBytes
	input.Prompt = "> "
	input.Focus()

	return &RoomModel{
		cfg:      cfg,
		input:    input,
		viewport: viewport.New(80, 20),
		names:    make(map[string]string),
		states:   make(map[string]protocol.MediaState),
	}
}

func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen())
}

func (m *RoomModel) listen() tea.Cmd {
	events, done := m.cfg.Events, m.cfg.Done
	return func() tea.Msg {
		select {
		case ev, ok := <-events:
			if !ok {
				return eventsClosedMsg{}
			}
			return eventMsg(ev)
		case <-done:
			return eventsClosedMsg{}
		}
	}
}

func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			return m, m.submit(text)
		}

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 1)
		m.input.Width = max(msg.Width-4, 10)
		m.refresh()
		return m, nil

	case eventMsg:
		m.apply(mesh.Event(msg))
		return m, m.listen()

	case eventsClosedMsg:
		m.appendLine(WarningStyle.Render("disconnected from signaling server"))
		m.quitting = true
		return m, tea.Quit
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *RoomModel) submit(text string) tea.Cmd {
	switch text {
	case "/quit":
		m.quitting = true
		return tea.Quit
	case "/who":
		m.appendLine(MembersTable(m.names, m.states))
		return nil
	case "/mic":
		m.toggle(media.KindAudio, "microphone")
		return nil
	case "/cam":
		m.toggle(media.KindVideo, "camera")
		return nil
	}
	if err := m.cfg.SendChat(text); err != nil {
		m.appendLine(ErrorStyle.Render("send failed: " + err.Error()))
	}
	return nil
}

func (m *RoomModel) toggle(kind media.Kind, label string) {
	if m.cfg.Toggle == nil {
		return
	}
	enabled, err := m.cfg.Toggle(kind)
	if err != nil {
		m.appendLine(ErrorStyle.Render(label + ": " + err.Error()))
		return
	}
	m.appendLine(MutedStyle.Render(fmt.Sprintf("%s %s", label, onOff(enabled, true))))
}

func (m *RoomModel) apply(ev mesh.Event) {
	switch ev.Type {
	case mesh.EventJoined:
		m.selfID = ev.PeerID
		m.names = maps.Clone(ev.Names)
		if m.names == nil {
			m.names = make(map[string]string)
		}
		m.states = make(map[string]protocol.MediaState)
		m.appendLine(SuccessStyle.Render(fmt.Sprintf("joined %s with %d other(s)", ev.Room, len(ev.Peers))))
	case mesh.EventPeerJoined:
		m.names[ev.PeerID] = ev.Name
		m.appendLine(MutedStyle.Render(ev.Name + " joined"))
	case mesh.EventPeerLeft:
		name := m.nameOf(ev.PeerID)
		delete(m.names, ev.PeerID)
		delete(m.states, ev.PeerID)
		m.appendLine(MutedStyle.Render(fmt.Sprintf("%s left (%s)", name, ev.Reason)))
	case mesh.EventChat:
		style := NameStyle
		if ev.Chat.SenderID == m.selfID {
			style = SelfNameStyle
		}
		m.appendLine(fmt.Sprintf("%s %s %s",
			MutedStyle.Render(ev.Chat.Timestamp.Local().Format("15:04")),
			style.Render(ev.Chat.SenderName+":"),
			ev.Chat.Text))
	case mesh.EventMediaState:
		if ev.MediaState == nil {
			return
		}
		m.states[ev.PeerID] = *ev.MediaState
		s := *ev.MediaState
		m.appendLine(MutedStyle.Render(fmt.Sprintf("%s: camera %s, mic %s, screen %s",
			m.nameOf(ev.PeerID), onOff(s.Camera, true), onOff(s.Microphone, true), onOff(s.ScreenShare, true))))
	case mesh.EventError:
		if ev.Error != nil {
			m.appendLine(ErrorStyle.Render(ev.Error.Code + ": " + ev.Error.Message))
		}
	}
}

func (m *RoomModel) nameOf(id string) string {
	if name, ok := m.names[id]; ok && name != "" {
		return name
	}
	return id
}

func (m *RoomModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.refresh()
}

func (m *RoomModel) refresh() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *RoomModel) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(HeaderStyle.Render("room " + m.cfg.Room))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(FooterStyle.Render(roomHelp))
	return b.String()
}

// RunRoom runs the room view until the user leaves, the events channel
// closes, or ctx is done.
func RunRoom(ctx context.Context, cfg RoomConfig, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}, opts...)
	_, err := tea.NewProgram(NewRoomModel(cfg), opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
