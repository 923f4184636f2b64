// Package tui is the operator's terminal interface.
package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"leakrelay/internal/core/domain"
	"leakrelay/internal/operator"
	"leakrelay/pkg/spatial"

	tea "github.com/charmbracelet/bubbletea"
)

// Key bindings.
const (
	KeyQuit       = "q"
	KeyCtrlC      = "ctrl+c"
	KeyUp         = "up"
	KeyDown       = "down"
	KeyLeft       = "left"
	KeyRight      = "right"
	KeySelect     = "enter"
	KeyMode       = "m"
	KeyRaw        = "r"
	KeyFiltered   = "f"
	KeyLive       = "l"
	KeyConnect    = "c"
	KeyDisconnect = "d"
)

const statusTTL = 5 * time.Second

// Controller is the operator client as seen by the UI.
type Controller interface {
	Connect()
	Disconnect()
	SelectPixel(p domain.Pixel)
	SetMode(m domain.Mode)
	Play(kind operator.PlayKind)
	Snapshots() <-chan operator.Snapshot
}

type snapshotMsg struct{ snap operator.Snapshot }

type closedMsg struct{}

type clearStatusMsg struct{ seq int }

// Model is the root bubbletea model.
type Model struct {
	ctrl   Controller
	grid   domain.Grid
	snap   operator.Snapshot
	cursor domain.Pixel

	status    string
	statusSeq int

	width  int
	height int
}

func New(ctrl Controller, grid domain.Grid) Model {
	if grid.Width <= 0 || grid.Height <= 0 {
		grid = domain.DefaultGrid
	}
	return Model{
		ctrl:   ctrl,
		grid:   grid,
		cursor: domain.Pixel{X: grid.Width / 2, Y: grid.Height / 2},
	}
}

// Init connects and starts listening for client snapshots.
func (m Model) Init() tea.Cmd {
	ctrl := m.ctrl
	return tea.Batch(
		func() tea.Msg {
			ctrl.Connect()
			return nil
		},
		waitSnapshot(ctrl),
	)
}

func waitSnapshot(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ctrl.Snapshots()
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg{snap: s}
	}
}

func clearStatusCmd(seq int) tea.Cmd {
	return tea.Tick(statusTTL, func(time.Time) tea.Msg {
		return clearStatusMsg{seq: seq}
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case snapshotMsg:
		prev := m.snap.Status
		m.snap = msg.snap
		if g := msg.snap.Heatmap.Dimensions(); g.Width > 0 {
			m.grid = g
			m.cursor = clampPixel(m.cursor, g)
		}
		cmds := []tea.Cmd{waitSnapshot(m.ctrl)}
		if msg.snap.Status != "" && msg.snap.Status != prev {
			m.status = msg.snap.Status
			m.statusSeq++
			cmds = append(cmds, clearStatusCmd(m.statusSeq))
		}
		return m, tea.Batch(cmds...)

	case clearStatusMsg:
		if msg.seq == m.statusSeq {
			m.status = ""
		}
		return m, nil

	case closedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyCtrlC:
		return m, tea.Quit
	case KeyUp:
		m.cursor.Y--
	case KeyDown:
		m.cursor.Y++
	case KeyLeft:
		m.cursor.X--
	case KeyRight:
		m.cursor.X++
	case KeySelect:
		m.ctrl.SelectPixel(m.cursor)
	case KeyMode:
		next := domain.ModeRaw
		if m.snap.Mode == domain.ModeRaw {
			next = domain.ModeProcessed
		}
		m.ctrl.SetMode(next)
	case KeyRaw:
		m.ctrl.Play(operator.PlayRaw)
	case KeyFiltered:
		m.ctrl.Play(operator.PlayFiltered)
	case KeyLive:
		m.ctrl.Play(operator.PlayLive)
	case KeyConnect:
		m.ctrl.Connect()
	case KeyDisconnect:
		m.ctrl.Disconnect()
	}
	m.cursor = clampPixel(m.cursor, m.grid)
	return m, nil
}

func clampPixel(p domain.Pixel, g domain.Grid) domain.Pixel {
	p.X = max(0, min(p.X, g.Width-1))
	p.Y = max(0, min(p.Y, g.Height-1))
	return p
}

func (m Model) View() string {
	width := m.width
	if width == 0 {
		width = 2 * m.grid.Width
	}
	divider := DividerStyle.Render(strings.Repeat("─", width))

	sections := []string{
		m.renderHeader(),
		divider,
		m.renderHeatmap(),
		divider,
		m.renderStatusBar(),
	}
	if m.status != "" {
		sections = append(sections, StatusStyle.Render(m.status))
	}
	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	state := m.snap.State.String()
	styled := StateStyle.Render(state)
	if m.snap.State == operator.StateDisconnected {
		styled = OfflineStyle.Render(state)
	}
	header := TitleStyle.Render("LEAKRELAY") + " " + styled
	if m.snap.PeerID != "" {
		header += DimStyle.Render(" " + string(m.snap.PeerID))
	}
	return header
}

func (m Model) renderHeatmap() string {
	cells := m.snap.Heatmap.Cells
	var peak float64
	for _, row := range cells {
		for _, v := range row {
			peak = max(peak, v)
		}
	}

	var b strings.Builder
	for y := 0; y < m.grid.Height; y++ {
		if y > 0 {
			b.WriteByte('\n')
		}
		for x := 0; x < m.grid.Width; x++ {
			p := domain.Pixel{X: x, Y: y}
			switch {
			case p == m.cursor:
				b.WriteString(CursorStyle.Render("[]"))
			case m.snap.Selected != nil && p == *m.snap.Selected:
				b.WriteString(CursorStyle.Render("<>"))
			case y < len(cells) && x < len(cells[y]):
				b.WriteString(heatStyle(cells[y][x], peak).Render("██"))
			default:
				b.WriteString(DimStyle.Render("··"))
			}
		}
	}
	return b.String()
}

func (m Model) renderStatusBar() string {
	selected := "none"
	if m.snap.Selected != nil {
		selected = m.snap.Selected.String()
	}
	audio := "no audio"
	if m.snap.Audio != nil && m.snap.Audio.Ready() {
		audio = fmt.Sprintf("clip %d samples", len(m.snap.Audio.Raw))
	}
	theta, phi := spatial.PlanarAngles(m.cursor.X, m.cursor.Y, m.grid.Width, m.grid.Height)
	return DimStyle.Render(fmt.Sprintf("mode %s  cursor %s θ %.0f° φ %.0f°  selected %s  %s  live %d",
		m.snap.Mode, m.cursor, degrees(theta), degrees(phi), selected, audio, m.snap.Live))
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func (m Model) renderFooter() string {
	keys := []struct{ key, desc string }{
		{"←↑↓→", "move"},
		{KeySelect, "select"},
		{KeyMode, "mode"},
		{KeyRaw, "raw"},
		{KeyFiltered, "filtered"},
		{KeyLive, "live"},
		{KeyConnect, "connect"},
		{KeyDisconnect, "disconnect"},
		{KeyQuit, "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, FooterKeyStyle.Render(k.key)+" "+FooterDescStyle.Render(k.desc))
	}
	return strings.Join(parts, "  ")
}
