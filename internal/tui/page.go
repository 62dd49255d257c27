package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Page represents a top-level screen in the TUI (dashboard, help).
type Page interface {
	ID() string
	Init() tea.Cmd
	Update(msg tea.Msg) (tea.Cmd, *PageNav)
	View(width, height int) string
}

// PageNav is returned from Update to request a page switch.
type PageNav struct {
	PageID string
}

const (
	PageDashboard = "dashboard"
	PageHelp      = "help"
)

// DashboardPage adapts a DashboardModel to the Page interface.
type DashboardPage struct {
	m *DashboardModel
}

// NewDashboardPage wraps the dashboard for use with App.
func NewDashboardPage(m *DashboardModel) *DashboardPage {
	return &DashboardPage{m: m}
}

func (p *DashboardPage) ID() string    { return PageDashboard }
func (p *DashboardPage) Init() tea.Cmd { return p.m.Init() }

func (p *DashboardPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	if km, ok := msg.(tea.KeyMsg); ok && !p.m.inputActive && key.Matches(km, p.m.keys.Help) {
		return nil, &PageNav{PageID: PageHelp}
	}
	_, cmd := p.m.Update(msg)
	return cmd, nil
}

func (p *DashboardPage) View(width, height int) string { return p.m.View() }

// HelpPage lists the key bindings. Any of help, escape or quit returns to
// the dashboard.
type HelpPage struct {
	keys KeyMap
}

// NewHelpPage builds the help screen for the given bindings.
func NewHelpPage(keys KeyMap) *HelpPage {
	return &HelpPage{keys: keys}
}

func (p *HelpPage) ID() string    { return PageHelp }
func (p *HelpPage) Init() tea.Cmd { return nil }

func (p *HelpPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	km, ok := msg.(tea.KeyMsg)
	if !ok {
		return nil, nil
	}
	switch {
	case key.Matches(km, p.keys.ForceQuit):
		return tea.Quit, nil
	case key.Matches(km, p.keys.Help, p.keys.Escape, p.keys.Quit):
		return nil, &PageNav{PageID: PageDashboard}
	}
	return nil, nil
}

func (p *HelpPage) View(width, height int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Keys"))
	b.WriteString("\n\n")
	for _, group := range p.keys.FullHelp() {
		for _, kb := range group {
			h := kb.Help()
			b.WriteString(keyStyle.Render(padRight(h.Key, 10)))
			b.WriteString(dimStyle.Render(h.Desc))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("Cells: "))
	b.WriteString(foundCellStyle.Render(cellGlyph) + dimStyle.Render(" found  "))
	b.WriteString(notFoundCellStyle.Render(cellGlyph) + dimStyle.Render(" not found  "))
	b.WriteString(unknownCellStyle.Render(cellGlyph) + dimStyle.Render(" unknown"))

	box := panelStyle.Render(b.String())
	if width <= 0 || height <= 0 {
		return box
	}
	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}

func padRight(s string, n int) string {
	if w := lipgloss.Width(s); w < n {
		return s + strings.Repeat(" ", n-w)
	}
	return s + " "
}
