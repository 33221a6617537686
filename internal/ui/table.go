package ui

import (
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/history"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/protocol"
)

func newTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

// HistoryTable lists meeting history in the order given.
func HistoryTable(entries []history.Entry, loc *time.Location) string {
	if len(entries) == 0 {
		return MutedStyle.Render("No meetings yet")
	}
	if loc == nil {
		loc = time.Local
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.RoomKey, e.Date.In(loc).Format("2006-01-02 15:04:05")})
	}
	return newTable([]string{"Room", "Joined"}, rows).Render()
}

// MembersTable shows the other participants and what they report sending.
func MembersTable(names map[string]string, states map[string]protocol.MediaState) string {
	if len(names) == 0 {
		return MutedStyle.Render("Nobody else is here")
	}
	ids := make([]string, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if names[ids[i]] != names[ids[j]] {
			return names[ids[i]] < names[ids[j]]
		}
		return ids[i] < ids[j]
	})

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		state, known := states[id]
		rows = append(rows, []string{names[id], onOff(state.Camera, known), onOff(state.Microphone, known), onOff(state.ScreenShare, known)})
	}
	return newTable([]string{"Name", "Camera", "Mic", "Screen"}, rows).Render()
}

func onOff(v, known bool) string {
	switch {
	case !known:
		return "?"
	case v:
		return "on"
	default:
		return "off"
	}
}
