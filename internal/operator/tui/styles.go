package tui

import "github.com/charmbracelet/lipgloss"

var (
	ColorCyan    = lipgloss.Color("#00FFFF")
	ColorGray    = lipgloss.Color("#666666")
	ColorDimGray = lipgloss.Color("#444444")
	ColorYellow  = lipgloss.Color("#FFFF00")
	ColorGreen   = lipgloss.Color("#00FF00")
	ColorRed     = lipgloss.Color("#FF0000")
	ColorWhite   = lipgloss.Color("#FFFFFF")
)

// heatRamp runs from cold to hot in the 256-color palette.
var heatRamp = []lipgloss.Color{
	"17", "18", "19", "20", "21", "27", "33", "39", "45", "51",
	"50", "49", "48", "47", "46", "82", "118", "154", "190", "226",
	"220", "214", "208", "202", "196",
}

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorCyan)

	StateStyle = lipgloss.NewStyle().
			Foreground(ColorGreen).
			Bold(true)

	OfflineStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	StatusStyle = lipgloss.NewStyle().
			Foreground(ColorYellow)

	CursorStyle = lipgloss.NewStyle().
			Foreground(ColorWhite).
			Bold(true)

	FooterKeyStyle = lipgloss.NewStyle().
			Foreground(ColorYellow).
			Bold(true)

	FooterDescStyle = lipgloss.NewStyle().
			Foreground(ColorGray)

	DividerStyle = lipgloss.NewStyle().
			Foreground(ColorDimGray)
)

// heatStyle colors a cell by its energy relative to the frame peak.
func heatStyle(v, peak float64) lipgloss.Style {
	idx := 0
	if peak > 0 {
		idx = int(v / peak * float64(len(heatRamp)-1))
	}
	idx = max(0, min(idx, len(heatRamp)-1))
	return lipgloss.NewStyle().Foreground(heatRamp[idx])
}
