package socketrpc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/gridfinder/internal/cycle"
	"github.com/tinytelemetry/gridfinder/internal/grid"
	"github.com/tinytelemetry/gridfinder/internal/model"
)

var testTime = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// stubStore returns fixed detection history.
type stubStore struct{}

func (stubStore) TotalDetections(target string) (int64, error) {
	if target == "person" {
		return 2, nil
	}
	return 3, nil
}

func (stubStore) RecentDetections(limit int, target string) ([]model.DetectionRecord, error) {
	return []model.DetectionRecord{{
		EventID:    "e-1",
		Target:     "person",
		IsFound:    true,
		Location:   30002,
		Time:       "12:00:00",
		SessionID:  "s-1",
		ReceivedAt: testTime,
		X:          0,
		Y:          1,
		Located:    true,
	}}, nil
}

func (stubStore) TargetSummaries() ([]model.TargetSummary, error) {
	return []model.TargetSummary{{
		Target:     "person",
		FoundCount: 1,
		LastSeen:   testTime,
		LastFound:  &model.Coord{X: 0, Y: 1},
	}}, nil
}

func (stubStore) FoundCells(target string, since time.Time) ([]model.Coord, error) {
	return []model.Coord{{X: 0, Y: 1}}, nil
}

// stubCycle records control calls and mimics the controller's validation.
type stubCycle struct {
	mu       sync.Mutex
	target   string
	interval time.Duration
	running  bool
}

func (c *stubCycle) SetTarget(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
	return nil
}

func (c *stubCycle) Start(target string, interval time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", cycle.ErrInvalidConfig)
	}
	if target == "" {
		return fmt.Errorf("%w: target is empty", cycle.ErrInvalidConfig)
	}
	c.target, c.interval, c.running = target, interval, true
	return nil
}

func (c *stubCycle) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

func (c *stubCycle) Status() model.CycleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := model.CycleStatus{State: model.CycleStopped, Target: c.target, Interval: c.interval}
	if c.running {
		st.State = model.CycleIdle
		st.StartedAt = testTime
	}
	return st
}

func (c *stubCycle) Activity(limit int) []model.ActivityEntry {
	entries := []model.ActivityEntry{
		{At: testTime.Add(time.Second), Kind: cycle.KindStatus, Message: "[person] Target Found!"},
		{At: testTime, Kind: cycle.KindSent, Message: "/icn2020/edge target=person"},
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

func newTestDeps(t *testing.T) (Deps, *grid.Grid, *stubCycle) {
	t.Helper()
	g, err := grid.NewSquare(2, nil)
	if err != nil {
		t.Fatalf("grid: %v", err)
	}
	cyc := &stubCycle{}
	return Deps{Store: stubStore{}, Grid: g, Cycle: cyc, DefaultInterval: 3 * time.Second}, g, cyc
}
