package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

const (
	// roundTripHistory bounds the samples kept for the round-trip chart.
	roundTripHistory = 120
	activityLimit    = 50
	errorDisplayTime = 30 * time.Second
)

// Backend is the service surface the dashboard polls and drives.
// socketrpc.Client satisfies it.
type Backend interface {
	GridSnapshot() (model.GridSnapshot, error)
	ResetGrid() (model.GridSnapshot, error)
	CycleStatus() (model.CycleStatus, error)
	StartCycle(target string, interval time.Duration) (model.CycleStatus, error)
	StopCycle() (model.CycleStatus, error)
	RegisterTarget(target string) error
	RecentActivity(limit int) ([]model.ActivityEntry, error)
	TargetSummaries() ([]model.TargetSummary, error)
}

// DashboardModel represents the main TUI model.
type DashboardModel struct {
	backend    Backend
	dataSource string // shown in the status bar
	keys       KeyMap
	help       help.Model

	width  int
	height int

	updateInterval time.Duration
	cycleInterval  time.Duration // zero lets the service pick its default

	// Latest data from the service.
	loaded    bool
	grid      model.GridSnapshot
	status    model.CycleStatus
	activity  []model.ActivityEntry
	summaries []model.TargetSummary

	// Round-trip samples, oldest first.
	roundTrips    []time.Duration
	lastResponses int64

	// Target registration input.
	targetInput textinput.Model
	inputActive bool

	// Async tick query guard to avoid overlapping fetches.
	tickInFlight bool

	notice      string
	lastError   string
	lastErrorAt time.Time
}

// TickMsg represents periodic updates.
type TickMsg time.Time

type tickDataLoadedMsg struct {
	grid         model.GridSnapshot
	hasGrid      bool
	status       model.CycleStatus
	hasStatus    bool
	activity     []model.ActivityEntry
	hasActivity  bool
	summaries    []model.TargetSummary
	hasSummaries bool
	lastError    string // first error encountered during this tick
}

// controlDoneMsg reports the outcome of a control action.
type controlDoneMsg struct {
	notice string
	status *model.CycleStatus
	grid   *model.GridSnapshot
	err    error
}

// NewDashboardModel creates a new dashboard model. cycleInterval is the
// request interval used by the start key; zero uses the service default.
func NewDashboardModel(backend Backend, dataSource string, updateInterval, cycleInterval time.Duration) *DashboardModel {
	if updateInterval <= 0 {
		updateInterval = model.DefaultUpdateInterval
	}

	targetInput := textinput.New()
	targetInput.Placeholder = "object class to look for, e.g. person"
	targetInput.CharLimit = 64
	targetInput.Prompt = "target> "

	return &DashboardModel{
		backend:        backend,
		dataSource:     dataSource,
		keys:           DefaultKeyMap(),
		help:           help.New(),
		updateInterval: updateInterval,
		cycleInterval:  cycleInterval,
		targetInput:    targetInput,
	}
}

// Keys returns the dashboard key bindings.
func (m *DashboardModel) Keys() KeyMap { return m.keys }

// Init fetches the first data set and starts the refresh ticker.
func (m *DashboardModel) Init() tea.Cmd {
	m.tickInFlight = true
	return tea.Batch(m.fetchTickDataCmd(), m.scheduleTick())
}

func (m *DashboardModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.updateInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m *DashboardModel) setError(msg string) {
	m.lastError = msg
	m.lastErrorAt = time.Now()
}

// currentError returns the last error while it is still recent.
func (m *DashboardModel) currentError() string {
	if m.lastError == "" || time.Since(m.lastErrorAt) > errorDisplayTime {
		return ""
	}
	return m.lastError
}
