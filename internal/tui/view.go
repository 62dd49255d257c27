package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

const sidePanelWidth = 44

// View renders the dashboard
func (m *DashboardModel) View() string {
	if m.width <= 0 || m.height <= 0 {
		return "Initializing dashboard..."
	}

	header := m.renderHeader()
	footer := m.renderStatusLine()
	var input string
	if m.inputActive {
		input = m.targetInput.View()
	}

	bodyHeight := m.height - lipgloss.Height(header) - lipgloss.Height(footer)
	if input != "" {
		bodyHeight -= lipgloss.Height(input)
	}
	bodyHeight = max(bodyHeight, 3)

	var body string
	if !m.loaded {
		body = renderLoadingPlaceholder(m.width, bodyHeight, "Waiting for gridfinder...")
	} else {
		body = m.renderBody(bodyHeight)
	}

	parts := []string{header, body}
	if input != "" {
		parts = append(parts, input)
	}
	parts = append(parts, footer)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *DashboardModel) renderHeader() string {
	brand := titleStyle.Render("gridfinder")
	state := m.stateBadge()
	target := dimStyle.Render("no target")
	if m.status.Target != "" {
		target = "target " + keyStyle.Render(m.status.Target)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, brand, "  ", state, "  ", target)
}

func (m *DashboardModel) stateBadge() string {
	style := lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(ColorWhite)
	switch m.status.State {
	case model.CycleAwaitingResponse:
		return style.Background(ColorAmber).Render("AWAITING")
	case model.CycleIdle:
		return style.Background(ColorGreen).Render("RUNNING")
	default:
		return style.Background(ColorGray).Render("STOPPED")
	}
}

func (m *DashboardModel) renderBody(height int) string {
	sideWidth := sidePanelWidth
	if m.width < 80 {
		sideWidth = 0
	}
	gridWidth := m.width - sideWidth

	activityHeight := min(8, max(0, height/3))
	topHeight := height - activityHeight

	top := m.renderGridPanel(gridWidth, topHeight)
	if sideWidth > 0 {
		top = lipgloss.JoinHorizontal(lipgloss.Top, top, m.renderSidePanel(sideWidth, topHeight))
	}
	if activityHeight < 3 {
		return top
	}
	return lipgloss.JoinVertical(lipgloss.Left, top, m.renderActivityPanel(m.width, activityHeight))
}

// renderGridPanel draws the grid, clipped to the space available. Row zero
// is at the top.
func (m *DashboardModel) renderGridPanel(width, height int) string {
	innerW := max(width-4, 2)
	innerH := max(height-3, 1)

	cols := min(m.grid.Width, innerW/lipgloss.Width(cellGlyph))
	rows := min(m.grid.Height, innerH)

	var b strings.Builder
	for y := 0; y < rows && y < len(m.grid.Cells); y++ {
		row := m.grid.Cells[y]
		for x := 0; x < cols && x < len(row); x++ {
			b.WriteString(cellStyle(row[x]).Render(cellGlyph))
		}
		if y < rows-1 {
			b.WriteString("\n")
		}
	}

	title := fmt.Sprintf("Grid %dx%d  found %d  not found %d",
		m.grid.Width, m.grid.Height, m.grid.Count(model.CellFound), m.grid.Count(model.CellNotFound))
	if cols < m.grid.Width || rows < m.grid.Height {
		title += dimStyle.Render(fmt.Sprintf("  (showing %dx%d)", cols, rows))
	}

	content := lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), b.String())
	return panelStyle.Width(max(width-2, 1)).MaxHeight(height).Render(content)
}

func cellStyle(status model.CellStatus) lipgloss.Style {
	switch status {
	case model.CellFound:
		return foundCellStyle
	case model.CellNotFound:
		return notFoundCellStyle
	default:
		return unknownCellStyle
	}
}

func (m *DashboardModel) renderSidePanel(width, height int) string {
	st := m.status
	innerW := width - 4

	lines := []string{titleStyle.Render("Cycle")}
	lines = append(lines,
		statLine("interval", durationOrDash(st.Interval)),
		statLine("sent", fmt.Sprint(st.Stats.Sent)),
		statLine("responses", fmt.Sprint(st.Stats.Responses)),
		statLine("timeouts", fmt.Sprint(st.Stats.Timeouts)),
		statLine("transport fails", fmt.Sprint(st.Stats.TransportFails)),
		statLine("skipped ticks", fmt.Sprint(st.Stats.SkippedTicks)),
		statLine("bad payloads", fmt.Sprint(st.Stats.ParseFailures)),
		statLine("bad locations", fmt.Sprint(st.Stats.DecodeFailures)),
	)
	if st.Outstanding {
		lines = append(lines, statLine("in flight", time.Since(st.IssuedAt).Truncate(time.Millisecond).String()))
	}

	lines = append(lines, "", renderRoundTripChart(m.roundTrips, st.Interval, innerW, 6))

	if len(m.summaries) > 0 {
		lines = append(lines, "", titleStyle.Render("Targets"))
		for _, ts := range m.summaries {
			at := "-"
			if ts.LastFound != nil {
				at = fmt.Sprintf("(%d,%d)", ts.LastFound.X, ts.LastFound.Y)
			}
			lines = append(lines, fmt.Sprintf("%-12s %s %s %s",
				truncate(ts.Target, 12),
				foundCellStyle.Render(fmt.Sprint(ts.FoundCount)),
				notFoundCellStyle.Render(fmt.Sprint(ts.NotFoundCount)),
				dimStyle.Render(at)))
		}
	}

	return panelStyle.Width(width - 2).MaxHeight(height).Render(strings.Join(lines, "\n"))
}

func (m *DashboardModel) renderActivityPanel(width, height int) string {
	visible := max(height-3, 1)
	lines := []string{titleStyle.Render("Activity")}
	for i, e := range m.activity {
		if i >= visible {
			break
		}
		msg := e.Message
		if e.Kind == "sent" {
			msg = dimStyle.Render(msg)
		}
		lines = append(lines, dimStyle.Render(e.At.Local().Format("15:04:05"))+" "+msg)
	}
	if len(m.activity) == 0 {
		lines = append(lines, dimStyle.Render("no activity yet"))
	}
	return panelStyle.Width(max(width-2, 1)).MaxHeight(height).Render(strings.Join(lines, "\n"))
}

// renderStatusLine renders the status/help line at the bottom of the screen
func (m *DashboardModel) renderStatusLine() string {
	left := " " + m.dataSource
	switch {
	case m.currentError() != "":
		left += "  " + errorStyle.Render(m.currentError())
	case m.notice != "":
		left += "  " + m.notice
	}
	right := m.help.ShortHelpView(m.keys.ShortHelp())

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		return statusBarStyle.Width(m.width).Render(left)
	}
	return statusBarStyle.Width(m.width).Render(left + strings.Repeat(" ", gap) + right)
}

func statLine(label, value string) string {
	return dimStyle.Render(fmt.Sprintf("%-16s", label)) + value
}

func durationOrDash(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
