package model

import "time"

// CellStatus is the display state of one grid cell.
type CellStatus int

const (
	CellUnknown CellStatus = iota
	CellFound
	CellNotFound
)

func (s CellStatus) String() string {
	switch s {
	case CellFound:
		return "found"
	case CellNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// StatusFor maps a detection outcome to the cell status it paints.
func StatusFor(isFound bool) CellStatus {
	if isFound {
		return CellFound
	}
	return CellNotFound
}

// DetectionRecord is one line of a detection service response.
// It is the canonical type for storage, transport (socket RPC), and display.
type DetectionRecord struct {
	Target    string
	IsFound   bool
	Location  int64  // encoded scalar as reported by the service, before offset
	Time      string // raw "time" field
	SessionID string

	ObservedAt time.Time // parsed from Time; zero when unparseable
	ReceivedAt time.Time
	X, Y       int  // decoded cell, valid only when Located
	Located    bool // false when the location could not be decoded onto the grid
	EventID    string
}

// Coord is a decoded grid coordinate.
type Coord struct {
	X int
	Y int
}

// GridSnapshot is a point-in-time copy of the grid matrix, indexed [y][x].
type GridSnapshot struct {
	Width   int
	Height  int
	Cells   [][]CellStatus
	Version uint64 // incremented on every render
}

// Count returns how many cells hold the given status.
func (g GridSnapshot) Count(status CellStatus) int {
	n := 0
	for _, row := range g.Cells {
		for _, c := range row {
			if c == status {
				n++
			}
		}
	}
	return n
}

// CycleState is the request cycle state machine position.
type CycleState string

const (
	CycleIdle             CycleState = "idle"
	CycleAwaitingResponse CycleState = "awaiting_response"
	CycleStopped          CycleState = "stopped"
)

// CycleStats counts request cycle outcomes since the cycle started.
type CycleStats struct {
	Sent           int64
	Responses      int64
	Timeouts       int64
	TransportFails int64
	SkippedTicks   int64
	ParseFailures  int64
	DecodeFailures int64
	LastRoundTrip  time.Duration
}

// CycleStatus describes the request cycle for read surfaces.
type CycleStatus struct {
	State       CycleState
	Target      string
	Interval    time.Duration
	Outstanding bool
	SessionID   string    // request in flight, empty when idle
	IssuedAt    time.Time // issue time of the request in flight
	StartedAt   time.Time
	Stats       CycleStats
}

// TargetSummary aggregates stored detections for one target.
type TargetSummary struct {
	Target        string
	FoundCount    int64
	NotFoundCount int64
	LastSeen      time.Time
	LastFound     *Coord // most recent cell where the target was found
}

// ActivityEntry is one line of the operator-facing activity log.
type ActivityEntry struct {
	At      time.Time
	Kind    string // "sent" or "status"
	Message string
}
