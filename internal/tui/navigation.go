package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// handleKeyPress dispatches key events: the target input first when it is
// open, then the dashboard shortcuts.
func (m *DashboardModel) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.ForceQuit) {
		return m, tea.Quit
	}
	if m.inputActive {
		return m.handleTargetInput(msg)
	}
	return m.handleGlobalKeys(msg)
}

func (m *DashboardModel) handleTargetInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.closeTargetInput()
		return m, nil

	case key.Matches(msg, m.keys.Enter):
		target := strings.TrimSpace(m.targetInput.Value())
		if target == "" {
			m.setError("target is empty")
			return m, nil
		}
		m.closeTargetInput()
		return m, m.registerTargetCmd(target)
	}

	var cmd tea.Cmd
	m.targetInput, cmd = m.targetInput.Update(msg)
	return m, cmd
}

func (m *DashboardModel) closeTargetInput() {
	m.inputActive = false
	m.targetInput.Blur()
	m.targetInput.SetValue("")
}

// handleGlobalKeys handles dashboard-level shortcuts.
func (m *DashboardModel) handleGlobalKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	k := m.keys

	switch {
	case key.Matches(msg, k.Quit):
		return m, tea.Quit

	case key.Matches(msg, k.Target):
		m.inputActive = true
		m.targetInput.SetValue(m.status.Target)
		m.targetInput.CursorEnd()
		return m, m.targetInput.Focus()

	case key.Matches(msg, k.Start):
		return m, m.startCycleCmd()

	case key.Matches(msg, k.Stop):
		return m, m.stopCycleCmd()

	case key.Matches(msg, k.Reset):
		return m, m.resetGridCmd()

	case key.Matches(msg, k.Escape):
		m.notice = ""
		m.lastError = ""
	}
	return m, nil
}
