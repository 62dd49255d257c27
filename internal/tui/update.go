package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// Update handles messages
func (m *DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case TickMsg:
		if m.tickInFlight {
			return m, m.scheduleTick()
		}
		m.tickInFlight = true
		return m, tea.Batch(m.fetchTickDataCmd(), m.scheduleTick())

	case tickDataLoadedMsg:
		m.tickInFlight = false
		m.applyTickData(msg)
		return m, nil

	case controlDoneMsg:
		if msg.err != nil {
			m.setError(msg.err.Error())
			return m, nil
		}
		m.notice = msg.notice
		if msg.status != nil {
			m.applyStatus(*msg.status)
		}
		if msg.grid != nil {
			m.grid = *msg.grid
		}
		return m, nil
	}

	if m.inputActive {
		var cmd tea.Cmd
		m.targetInput, cmd = m.targetInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *DashboardModel) applyTickData(msg tickDataLoadedMsg) {
	if msg.hasGrid {
		m.grid = msg.grid
		m.loaded = true
	}
	if msg.hasStatus {
		m.applyStatus(msg.status)
	}
	if msg.hasActivity {
		m.activity = msg.activity
	}
	if msg.hasSummaries {
		m.summaries = msg.summaries
	}
	if msg.lastError != "" {
		m.setError(msg.lastError)
	}
}

// applyStatus records the status and samples a round trip whenever the
// response count moved since the last poll.
func (m *DashboardModel) applyStatus(st model.CycleStatus) {
	m.status = st
	responses := st.Stats.Responses
	if responses < m.lastResponses {
		// The cycle restarted and its counters were reset.
		m.lastResponses = 0
	}
	if responses > m.lastResponses && st.Stats.LastRoundTrip > 0 {
		m.roundTrips = append(m.roundTrips, st.Stats.LastRoundTrip)
		if len(m.roundTrips) > roundTripHistory {
			m.roundTrips = m.roundTrips[len(m.roundTrips)-roundTripHistory:]
		}
	}
	m.lastResponses = responses
}

func (m *DashboardModel) fetchTickDataCmd() tea.Cmd {
	backend := m.backend
	if backend == nil {
		return func() tea.Msg { return tickDataLoadedMsg{} }
	}

	return func() tea.Msg {
		msg := tickDataLoadedMsg{}

		// collectErr records the first error encountered.
		collectErr := func(err error) {
			if err != nil && msg.lastError == "" {
				msg.lastError = err.Error()
			}
		}

		if snap, err := backend.GridSnapshot(); err == nil {
			msg.grid, msg.hasGrid = snap, true
		} else {
			collectErr(err)
		}

		if st, err := backend.CycleStatus(); err == nil {
			msg.status, msg.hasStatus = st, true
		} else {
			collectErr(err)
		}

		if entries, err := backend.RecentActivity(activityLimit); err == nil {
			msg.activity, msg.hasActivity = entries, true
		} else {
			collectErr(err)
		}

		if summaries, err := backend.TargetSummaries(); err == nil {
			msg.summaries, msg.hasSummaries = summaries, true
		} else {
			collectErr(err)
		}

		return msg
	}
}

func (m *DashboardModel) registerTargetCmd(target string) tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		if err := backend.RegisterTarget(target); err != nil {
			return controlDoneMsg{err: fmt.Errorf("register target: %w", err)}
		}
		return controlDoneMsg{notice: fmt.Sprintf("target registered: %s", target)}
	}
}

func (m *DashboardModel) startCycleCmd() tea.Cmd {
	backend, interval := m.backend, m.cycleInterval
	return func() tea.Msg {
		st, err := backend.StartCycle("", interval)
		if err != nil {
			return controlDoneMsg{err: fmt.Errorf("start: %w", err)}
		}
		return controlDoneMsg{notice: "system started", status: &st}
	}
}

func (m *DashboardModel) stopCycleCmd() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		st, err := backend.StopCycle()
		if err != nil {
			return controlDoneMsg{err: fmt.Errorf("stop: %w", err)}
		}
		return controlDoneMsg{notice: "system stopped", status: &st}
	}
}

func (m *DashboardModel) resetGridCmd() tea.Cmd {
	backend := m.backend
	return func() tea.Msg {
		snap, err := backend.ResetGrid()
		if err != nil {
			return controlDoneMsg{err: fmt.Errorf("reset: %w", err)}
		}
		return controlDoneMsg{notice: "grid reset", grid: &snap}
	}
}
