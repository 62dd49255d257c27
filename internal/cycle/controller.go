// Package cycle runs the periodic single-flight request cycle: issue a
// detection request, wait for its one outcome, decode the records onto the
// grid, repeat.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tinytelemetry/gridfinder/internal/detectparse"
	"github.com/tinytelemetry/gridfinder/internal/grid"
	"github.com/tinytelemetry/gridfinder/internal/model"
	"github.com/tinytelemetry/gridfinder/internal/timestamp"
	"github.com/tinytelemetry/gridfinder/internal/transport"
	"github.com/tinytelemetry/gridfinder/internal/zorder"
)

var (
	// ErrInvalidConfig is returned by Start for a non-positive interval or
	// an empty target, and by New for missing collaborators.
	ErrInvalidConfig = errors.New("cycle: invalid config")
	// ErrNotRunning is returned once Run has exited.
	ErrNotRunning = errors.New("cycle: controller not running")
)

// Board is the grid surface the controller paints.
type Board interface {
	Width() int
	Height() int
	Apply(marks []grid.Mark) error
}

// Sink hand-off defaults.
const (
	DefaultSinkQueue        = 1024
	DefaultSinkDrainTimeout = 5 * time.Second
)

// Config wires a Controller. Board and Channel are required.
type Config struct {
	RequestName    string
	Lifetime       time.Duration
	Locator        zorder.Locator
	Board          Board
	Channel        transport.Channel
	Sink           model.DetectionSink
	// SinkQueue bounds records waiting for Sink. When it is full new
	// records are dropped rather than stalling the loop.
	SinkQueue int
	// SinkDrainTimeout bounds how long Run waits for queued records to
	// reach Sink on exit.
	SinkDrainTimeout time.Duration
	Reporter       Reporter
	ActivityBuffer int
	Timestamps     *timestamp.Parser
	NewTicker      func(time.Duration) Ticker
	NewSessionID   func() string
	Now            func() time.Time
}

type completion struct {
	gen       uint64
	sessionID string
	res       transport.Result
}

// loopState is owned by the Run goroutine.
type loopState struct {
	gen         uint64
	state       model.CycleState
	target      string
	interval    time.Duration
	outstanding bool
	sessionID   string
	issuedAt    time.Time
	startedAt   time.Time
	stats       model.CycleStats
	ticker      Ticker
	reqCtx      context.Context
	cancel      context.CancelFunc
}

// Controller implements model.CycleControl. Its methods may be called from
// any goroutine once Run is running.
type Controller struct {
	cfg      Config
	activity *ActivityLog
	report   Reporter

	cmds    chan func()
	done    chan completion
	closed  chan struct{}
	started atomic.Bool

	statusMu sync.RWMutex
	status   model.CycleStatus

	st       loopState
	runCtx   context.Context
	inflight sync.WaitGroup

	sinkCh    chan *model.DetectionRecord
	sinkDone  chan struct{}
	sinkDrops int64 // owned by the Run goroutine
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Controller, error) {
	if cfg.Board == nil {
		return nil, fmt.Errorf("%w: board is required", ErrInvalidConfig)
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidConfig)
	}
	if cfg.RequestName == "" {
		cfg.RequestName = model.DefaultRequestName
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = model.DefaultRequestLifetime
	}
	if cfg.Reporter == nil {
		cfg.Reporter = LogReporter{}
	}
	if cfg.Timestamps == nil {
		cfg.Timestamps = timestamp.NewParser()
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = newTimeTicker
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = DefaultSinkQueue
	}
	if cfg.SinkDrainTimeout <= 0 {
		cfg.SinkDrainTimeout = DefaultSinkDrainTimeout
	}

	activity := NewActivityLog(cfg.ActivityBuffer)
	c := &Controller{
		cfg:      cfg,
		activity: activity,
		report:   multiReporter{activity, cfg.Reporter},
		cmds:     make(chan func()),
		done:     make(chan completion),
		closed:   make(chan struct{}),
		st:       loopState{state: model.CycleStopped},
	}
	if cfg.Sink != nil {
		c.sinkCh = make(chan *model.DetectionRecord, cfg.SinkQueue)
		c.sinkDone = make(chan struct{})
	}
	c.publish()
	return c, nil
}

// Run owns the cycle state until ctx is done. In-flight requests are
// cancelled and awaited before it returns.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("cycle: Run called twice")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.runCtx = ctx
	if c.sinkCh != nil {
		go c.forward()
	}
	defer func() {
		c.halt()
		c.publish()
		cancel()
		c.inflight.Wait()
		c.closeSink()
		close(c.closed)
	}()

	for {
		var tick <-chan time.Time
		if c.st.ticker != nil {
			tick = c.st.ticker.C()
		}
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.cmds:
			fn()
		case <-tick:
			c.tick()
		case d := <-c.done:
			c.complete(d)
		}
		c.publish()
	}
}

// Start begins polling target every interval, issuing the first request
// immediately. Starting a running cycle restarts it.
func (c *Controller) Start(target string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive, got %v", ErrInvalidConfig, interval)
	}
	if target == "" {
		return fmt.Errorf("%w: target is empty", ErrInvalidConfig)
	}
	return c.do(func() error {
		if c.st.state != model.CycleStopped {
			c.halt()
		}

		c.st.gen++
		c.st.target = target
		c.st.interval = interval
		c.st.state = model.CycleIdle
		c.st.startedAt = c.cfg.Now()
		c.st.stats = model.CycleStats{}
		c.st.ticker = c.cfg.NewTicker(interval)
		c.st.reqCtx, c.st.cancel = context.WithCancel(c.runCtx)

		c.report.Status(fmt.Sprintf("system started: target=%s interval=%s", target, interval))
		c.issue()
		return nil
	})
}

// StartRegistered starts ctl on target, or on the registered target when
// target is empty.
func StartRegistered(ctl model.CycleControl, target string, interval time.Duration) error {
	if target == "" {
		target = ctl.Status().Target
	}
	return ctl.Start(target, interval)
}

// Stop cancels the timer. A response to a request issued before Stop never
// touches the grid.
func (c *Controller) Stop() {
	_ = c.do(func() error {
		if c.st.state == model.CycleStopped {
			return nil
		}
		c.halt()
		c.report.Status("system stopped")
		return nil
	})
}

// SetTarget registers the tracked target. A running cycle uses it from the
// next request on.
func (c *Controller) SetTarget(target string) error {
	if target == "" {
		return fmt.Errorf("%w: target is empty", ErrInvalidConfig)
	}
	return c.do(func() error {
		c.st.target = target
		c.report.Status(fmt.Sprintf("target registered: %s", target))
		return nil
	})
}

// Status returns the state published after the last event.
func (c *Controller) Status() model.CycleStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Activity returns recent progress lines, newest first.
func (c *Controller) Activity(limit int) []model.ActivityEntry {
	return c.activity.Recent(limit)
}

func (c *Controller) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.cmds <- func() {
		err := fn()
		c.publish()
		errc <- err
	}:
	case <-c.closed:
		return ErrNotRunning
	}
	return <-errc
}

func (c *Controller) halt() {
	if c.st.ticker != nil {
		c.st.ticker.Stop()
		c.st.ticker = nil
	}
	if c.st.cancel != nil {
		c.st.cancel()
		c.st.cancel = nil
	}
	c.st.gen++
	c.st.state = model.CycleStopped
	c.st.outstanding = false
	c.st.sessionID = ""
}

func (c *Controller) tick() {
	if c.st.state == model.CycleStopped {
		return
	}
	if c.st.outstanding {
		c.st.stats.SkippedTicks++
		return
	}
	c.issue()
}

func (c *Controller) issue() {
	sid := c.cfg.NewSessionID()
	c.st.outstanding = true
	c.st.sessionID = sid
	c.st.issuedAt = c.cfg.Now()
	c.st.state = model.CycleAwaitingResponse
	c.st.stats.Sent++

	req := transport.Request{
		Name:        c.cfg.RequestName,
		Target:      c.st.target,
		SessionID:   sid,
		Lifetime:    c.cfg.Lifetime,
		MustBeFresh: true,
	}
	c.report.Sent(fmt.Sprintf("%s target=%s session=%s", req.Name, req.Target, sid))

	gen := c.st.gen
	parent := c.st.reqCtx
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(parent, req.Lifetime)
		res := c.cfg.Channel.Express(ctx, req)
		cancel()
		select {
		case c.done <- completion{gen: gen, sessionID: sid, res: res}:
		case <-parent.Done():
		}
	}()
}

func (c *Controller) complete(d completion) {
	if d.gen != c.st.gen || !c.st.outstanding || d.sessionID != c.st.sessionID {
		log.Printf("cycle: dropping outcome of stale request %s", d.sessionID)
		return
	}
	now := c.cfg.Now()
	c.st.outstanding = false
	c.st.sessionID = ""
	c.st.state = model.CycleIdle

	res := d.res
	switch {
	case res.TimedOut || errors.Is(res.Err, context.DeadlineExceeded):
		c.st.stats.Timeouts++
		c.report.Status("Request Timeout")
	case res.Err != nil:
		c.st.stats.TransportFails++
		c.report.Status(fmt.Sprintf("request failed, cycle missed: %v", res.Err))
	default:
		c.st.stats.Responses++
		c.st.stats.LastRoundTrip = now.Sub(c.st.issuedAt)
		c.apply(res.Payload, d.sessionID, now)
	}
}

func (c *Controller) apply(payload, sessionID string, receivedAt time.Time) {
	records, err := detectparse.Parse(payload)
	if err != nil {
		c.st.stats.ParseFailures++
		c.report.Status(fmt.Sprintf("payload discarded: %v", err))
		return
	}

	width, height := c.cfg.Board.Width(), c.cfg.Board.Height()
	marks := make([]grid.Mark, 0, len(records))
	for i := range records {
		rec := &records[i]
		rec.ReceivedAt = receivedAt
		rec.EventID = uuid.NewString()
		if rec.SessionID == "" {
			rec.SessionID = sessionID
		}
		if ts := c.cfg.Timestamps.Parse(rec.Time); ts.Found {
			rec.ObservedAt = ts.Timestamp
		}

		if rec.IsFound {
			c.report.Status(fmt.Sprintf("[%s] Target Found! location=%d time=%s", rec.Target, rec.Location, rec.Time))
		} else {
			c.report.Status(fmt.Sprintf("[%s] Target Not Found location=%d time=%s", rec.Target, rec.Location, rec.Time))
		}

		coord, err := c.cfg.Locator.Locate(rec.Location)
		if err != nil {
			c.st.stats.DecodeFailures++
			c.report.Status(fmt.Sprintf("[%s] location %d skipped: %v", rec.Target, rec.Location, err))
			continue
		}
		if coord.X >= width || coord.Y >= height {
			c.st.stats.DecodeFailures++
			c.report.Status(fmt.Sprintf("[%s] location %d decodes to (%d,%d) outside the %dx%d grid",
				rec.Target, rec.Location, coord.X, coord.Y, width, height))
			continue
		}
		rec.X, rec.Y, rec.Located = coord.X, coord.Y, true
		marks = append(marks, grid.Mark{X: coord.X, Y: coord.Y, Status: model.StatusFor(rec.IsFound)})
	}

	if len(marks) > 0 {
		if err := c.cfg.Board.Apply(marks); err != nil {
			log.Printf("cycle: apply marks: %v", err)
		}
	}
	for i := range records {
		c.handOff(&records[i])
	}
}

// handOff queues rec for the sink without waiting on it.
func (c *Controller) handOff(rec *model.DetectionRecord) {
	if c.sinkCh == nil {
		return
	}
	select {
	case c.sinkCh <- rec:
	default:
		c.sinkDrops++
		log.Printf("cycle: sink queue full, dropped record %s (%d dropped so far)", rec.EventID, c.sinkDrops)
	}
}

// forward feeds queued records to the sink until the queue is closed.
func (c *Controller) forward() {
	defer close(c.sinkDone)
	for rec := range c.sinkCh {
		c.cfg.Sink.Add(rec)
	}
}

func (c *Controller) closeSink() {
	if c.sinkCh == nil {
		return
	}
	close(c.sinkCh)
	t := time.NewTimer(c.cfg.SinkDrainTimeout)
	defer t.Stop()
	select {
	case <-c.sinkDone:
	case <-t.C:
		log.Printf("cycle: sink still busy after %s, %d records not handed over", c.cfg.SinkDrainTimeout, len(c.sinkCh))
	}
}

func (c *Controller) publish() {
	s := model.CycleStatus{
		State:       c.st.state,
		Target:      c.st.target,
		Interval:    c.st.interval,
		Outstanding: c.st.outstanding,
		SessionID:   c.st.sessionID,
		StartedAt:   c.st.startedAt,
		Stats:       c.st.stats,
	}
	if c.st.outstanding {
		s.IssuedAt = c.st.issuedAt
	}
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}
