package cycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tinytelemetry/gridfinder/internal/grid"
	"github.com/tinytelemetry/gridfinder/internal/model"
	"github.com/tinytelemetry/gridfinder/internal/transport"
	"github.com/tinytelemetry/gridfinder/internal/zorder"
)

const waitLimit = 2 * time.Second

type call struct {
	req   transport.Request
	reply chan transport.Result
}

// fakeChannel hands every request to the test and blocks until the test
// replies. With ignoreCancel it keeps waiting after ctx is done, like a
// network answer that was already on its way.
type fakeChannel struct {
	calls        chan *call
	ignoreCancel bool

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{calls: make(chan *call, 16)}
}

func (f *fakeChannel) Express(ctx context.Context, req transport.Request) transport.Result {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	c := &call{req: req, reply: make(chan transport.Result, 1)}
	f.calls <- c
	if f.ignoreCancel {
		return <-c.reply
	}
	select {
	case r := <-c.reply:
		return r
	case <-ctx.Done():
		return transport.Result{Err: ctx.Err()}
	}
}

func (f *fakeChannel) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(waitLimit):
		t.Fatal("no request issued")
		return nil
	}
}

func (f *fakeChannel) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-f.calls:
		t.Fatalf("unexpected request %+v", c.req)
	case <-time.After(50 * time.Millisecond):
	}
}

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

type recordSink struct {
	mu      sync.Mutex
	records []model.DetectionRecord

	// When hold is set, Add signals entered and blocks until hold is closed.
	hold    chan struct{}
	entered chan struct{}
}

func (s *recordSink) Add(r *model.DetectionRecord) {
	if s.hold != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.hold
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *r)
}

func (s *recordSink) all() []model.DetectionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DetectionRecord(nil), s.records...)
}

type nopReporter struct{}

func (nopReporter) Sent(string)   {}
func (nopReporter) Status(string) {}

type harness struct {
	ctl     *Controller
	grid    *grid.Grid
	renders *atomic.Int32
	ch      *fakeChannel
	ticker  *manualTicker
	sink    *recordSink
	cancel  context.CancelFunc
	errc    chan error
}

func newHarness(t *testing.T, ch *fakeChannel, opts ...func(*recordSink)) *harness {
	t.Helper()
	renders := &atomic.Int32{}
	g, err := grid.NewSquare(3, grid.RenderFunc(func(model.GridSnapshot) { renders.Add(1) }))
	if err != nil {
		t.Fatalf("grid.NewSquare: %v", err)
	}
	ticker := &manualTicker{ch: make(chan time.Time)}
	sink := &recordSink{}
	for _, opt := range opts {
		opt(sink)
	}
	ctl, err := New(Config{
		RequestName: "/icn2020/edge",
		Lifetime:    10 * time.Second,
		Locator:     zorder.NewLocator(-30000),
		Board:       g,
		Channel:     ch,
		Sink:        sink,
		Reporter:    nopReporter{},
		NewTicker:   func(time.Duration) Ticker { return ticker },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{ctl: ctl, grid: g, renders: renders, ch: ch, ticker: ticker, sink: sink, cancel: cancel, errc: make(chan error, 1)}
	go func() { h.errc <- ctl.Run(ctx) }()
	return h
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(waitLimit):
		t.Fatal("Run did not return")
	}
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	select {
	case h.ticker.ch <- time.Now():
	case <-time.After(waitLimit):
		t.Fatal("tick not consumed")
	}
}

func (h *harness) waitStatus(t *testing.T, what string, cond func(model.CycleStatus) bool) model.CycleStatus {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for {
		s := h.ctl.Status()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; status %+v", what, s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitResponses(t *testing.T, n int64) {
	t.Helper()
	h.waitStatus(t, "responses", func(s model.CycleStatus) bool { return s.Stats.Responses == n })
}

// waitSink waits until the sink has received n records and returns them.
func (h *harness) waitSink(t *testing.T, n int) []model.DetectionRecord {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for {
		recs := h.sink.all()
		if len(recs) >= n {
			return recs
		}
		if time.Now().After(deadline) {
			t.Fatalf("sink has %d records, want %d", len(recs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func found(location string) string {
	return `{"target":"t1","isFound":true,"location":` + location + `,"time":"12:00"}`
}

func notFound(location string) string {
	return `{"target":"t1","isFound":false,"location":` + location + `,"time":"12:00"}`
}

func cell(t *testing.T, g *grid.Grid, x, y int) model.CellStatus {
	t.Helper()
	s, err := g.Cell(x, y)
	if err != nil {
		t.Fatalf("Cell(%d,%d): %v", x, y, err)
	}
	return s
}

func TestNew_RequiresCollaborators(t *testing.T) {
	g, _ := grid.NewSquare(1, nil)
	if _, err := New(Config{Channel: newFakeChannel()}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing board: err = %v", err)
	}
	if _, err := New(Config{Board: g}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing channel: err = %v", err)
	}
}

func TestStart_InvalidConfig(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	tests := []struct {
		name     string
		target   string
		interval time.Duration
	}{
		{"zero interval", "t1", 0},
		{"negative interval", "t1", -time.Second},
		{"empty target", "", time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.ctl.Start(tt.target, tt.interval); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Start err = %v, want ErrInvalidConfig", err)
			}
		})
	}
	h.ch.none(t)
	if s := h.ctl.Status(); s.State != model.CycleStopped || s.Stats.Sent != 0 {
		t.Errorf("status after rejected starts = %+v", s)
	}
}

func TestStart_IssuesFirstRequestImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := h.ctl.Start("person", 3*time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := h.ch.next(t)
	if c.req.Name != "/icn2020/edge" || c.req.Target != "person" || !c.req.MustBeFresh || c.req.Lifetime != 10*time.Second {
		t.Errorf("request = %+v", c.req)
	}
	if c.req.SessionID == "" {
		t.Error("request has no session id")
	}

	s := h.ctl.Status()
	if s.State != model.CycleAwaitingResponse || !s.Outstanding || s.SessionID != c.req.SessionID {
		t.Errorf("status = %+v", s)
	}
	if s.Interval != 3*time.Second || s.Target != "person" || s.IssuedAt.IsZero() {
		t.Errorf("status = %+v", s)
	}
	c.reply <- transport.Result{TimedOut: true}
}

func TestSingleFlight_SkipsTicksWhileOutstanding(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := h.ch.next(t)

	for i := 0; i < 3; i++ {
		h.tick(t)
	}
	h.waitStatus(t, "skipped ticks", func(s model.CycleStatus) bool { return s.Stats.SkippedTicks == 3 })
	h.ch.none(t)

	first.reply <- transport.Result{Payload: found("30002")}
	h.waitResponses(t, 1)

	h.tick(t)
	second := h.ch.next(t)
	if second.req.SessionID == first.req.SessionID {
		t.Error("session id reused across requests")
	}
	second.reply <- transport.Result{Payload: found("30002")}
	h.waitResponses(t, 2)

	if got := h.ch.maxActive.Load(); got != 1 {
		t.Errorf("max concurrent requests = %d, want 1", got)
	}
	if s := h.ctl.Status(); s.Stats.Sent != 2 {
		t.Errorf("sent = %d, want 2", s.Stats.Sent)
	}
}

func TestResponse_FoundMarksDecodedCell(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.ch.next(t).reply <- transport.Result{Payload: found("30002")}
	h.waitResponses(t, 1)

	if got := cell(t, h.grid, 0, 1); got != model.CellFound {
		t.Errorf("cell (0,1) = %v, want found", got)
	}
	snap := h.grid.Snapshot()
	if snap.Count(model.CellFound) != 1 || snap.Count(model.CellNotFound) != 0 {
		t.Errorf("unexpected marks: %+v", snap.Cells)
	}
	if got := h.renders.Load(); got != 1 {
		t.Errorf("renders = %d, want 1", got)
	}

	recs := h.waitSink(t, 1)
	if len(recs) != 1 {
		t.Fatalf("sink got %d records, want 1", len(recs))
	}
	r := recs[0]
	if !r.Located || r.X != 0 || r.Y != 1 || r.Location != 30002 || r.Target != "t1" {
		t.Errorf("record = %+v", r)
	}
	if r.EventID == "" || r.SessionID == "" || r.ReceivedAt.IsZero() || r.ObservedAt.IsZero() {
		t.Errorf("record metadata not filled: %+v", r)
	}

	s := h.ctl.Status()
	if s.State != model.CycleIdle || s.Outstanding {
		t.Errorf("status after response = %+v", s)
	}
}

func TestResponse_MultipleRecordsRenderOnce(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	payload := notFound(`"30000"`) + "\n" + found(`"30123"`) + "\r\n" + notFound("30033")
	h.ch.next(t).reply <- transport.Result{Payload: payload}
	h.waitResponses(t, 1)

	if got := h.renders.Load(); got != 1 {
		t.Errorf("renders = %d, want 1", got)
	}
	want := map[model.Coord]model.CellStatus{
		{X: 0, Y: 0}: model.CellNotFound,
		{X: 5, Y: 3}: model.CellFound,
		{X: 3, Y: 3}: model.CellNotFound,
	}
	for c, status := range want {
		if got := cell(t, h.grid, c.X, c.Y); got != status {
			t.Errorf("cell %+v = %v, want %v", c, got, status)
		}
	}
	if got := len(h.waitSink(t, 3)); got != 3 {
		t.Errorf("sink got %d records, want 3", got)
	}
}

func TestResponse_MalformedPayloadLeavesGridUntouched(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.ch.next(t).reply <- transport.Result{Payload: found("30002")}
	h.waitResponses(t, 1)
	before := h.grid.Snapshot()

	h.tick(t)
	h.ch.next(t).reply <- transport.Result{Payload: found("30001") + "\n{not json"}
	h.waitStatus(t, "parse failure", func(s model.CycleStatus) bool { return s.Stats.ParseFailures == 1 })

	after := h.grid.Snapshot()
	if after.Version != before.Version || after.Count(model.CellFound) != 1 {
		t.Errorf("grid changed after malformed payload: before v%d after v%d", before.Version, after.Version)
	}
	if got := len(h.waitSink(t, 1)); got != 1 {
		t.Errorf("sink got %d records, want 1", got)
	}

	h.tick(t)
	h.ch.next(t).reply <- transport.Result{Payload: found("30001")}
	h.waitResponses(t, 3)
	if got := cell(t, h.grid, 1, 0); got != model.CellFound {
		t.Errorf("cycle did not continue after malformed payload, cell (1,0) = %v", got)
	}
}

func TestTimeoutAndTransportErrorAreMissedCycles(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.ch.next(t).reply <- transport.Result{TimedOut: true}
	h.waitStatus(t, "timeout", func(s model.CycleStatus) bool { return s.Stats.Timeouts == 1 && !s.Outstanding })

	h.tick(t)
	h.ch.next(t).reply <- transport.Result{Err: errors.New("connection refused")}
	s := h.waitStatus(t, "transport failure", func(s model.CycleStatus) bool { return s.Stats.TransportFails == 1 && !s.Outstanding })

	if s.State != model.CycleIdle {
		t.Errorf("state = %v, want idle", s.State)
	}
	if got := h.renders.Load(); got != 0 {
		t.Errorf("renders = %d, want 0", got)
	}

	h.tick(t)
	h.ch.next(t).reply <- transport.Result{TimedOut: true}
	h.waitStatus(t, "second timeout", func(s model.CycleStatus) bool { return s.Stats.Timeouts == 2 })
}

func TestStop_LateResponseNeverMutatesGrid(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := newFakeChannel()
	ch.ignoreCancel = true
	h := newHarness(t, ch)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := h.ch.next(t)
	h.ctl.Stop()

	if s := h.ctl.Status(); s.State != model.CycleStopped || s.Outstanding {
		t.Errorf("status after stop = %+v", s)
	}
	if !h.ticker.stopped.Load() {
		t.Error("ticker not stopped")
	}

	c.reply <- transport.Result{Payload: found("30002")}
	h.close(t)

	if got := h.renders.Load(); got != 0 {
		t.Errorf("renders = %d, want 0", got)
	}
	if got := h.grid.Snapshot().Count(model.CellFound); got != 0 {
		t.Errorf("found cells = %d, want 0", got)
	}
	if got := len(h.sink.all()); got != 0 {
		t.Errorf("sink got %d records, want 0", got)
	}
	if s := h.ctl.Status(); s.Stats.Responses != 0 {
		t.Errorf("responses = %d, want 0", s.Stats.Responses)
	}
}

func TestRestartIgnoresPreviousGeneration(t *testing.T) {
	defer goleak.VerifyNone(t)
	ch := newFakeChannel()
	ch.ignoreCancel = true
	h := newHarness(t, ch)
	defer h.close(t)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	old := h.ch.next(t)
	h.ctl.Stop()

	if err := h.ctl.Start("t2", time.Second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	cur := h.ch.next(t)
	if cur.req.Target != "t2" || cur.req.SessionID == old.req.SessionID {
		t.Fatalf("restart request = %+v", cur.req)
	}

	old.reply <- transport.Result{Payload: found("30002")}
	cur.reply <- transport.Result{Payload: found("30001")}
	h.waitResponses(t, 1)

	if got := cell(t, h.grid, 0, 1); got != model.CellUnknown {
		t.Errorf("stale response marked (0,1) = %v", got)
	}
	if got := cell(t, h.grid, 1, 0); got != model.CellFound {
		t.Errorf("current response not applied, (1,0) = %v", got)
	}
}

func TestSetTarget(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := h.ctl.SetTarget(""); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("SetTarget(\"\") err = %v", err)
	}
	if err := h.ctl.SetTarget("dog"); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	if err := h.ctl.Start("", time.Second); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Start(\"\") after SetTarget err = %v, want ErrInvalidConfig", err)
	}
	h.ch.none(t)
	if err := h.ctl.Start("dog", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := h.ch.next(t)
	if c.req.Target != "dog" {
		t.Errorf("target = %q, want dog", c.req.Target)
	}

	if err := h.ctl.SetTarget("cat"); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	c.reply <- transport.Result{TimedOut: true}
	h.waitStatus(t, "timeout", func(s model.CycleStatus) bool { return !s.Outstanding })
	h.tick(t)
	if c := h.ch.next(t); c.req.Target != "cat" {
		t.Errorf("target after re-register = %q, want cat", c.req.Target)
	} else {
		c.reply <- transport.Result{TimedOut: true}
	}

	entries := h.ctl.Activity(0)
	if len(entries) == 0 {
		t.Fatal("no activity recorded")
	}
}

func TestResponse_UndecodableLocationsAreSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// 100 falls below the offset; 33333 decodes to (15,15) on an 8x8 grid.
	payload := found("100") + "\n" + found("33333") + "\n" + found("30003")
	h.ch.next(t).reply <- transport.Result{Payload: payload}
	s := h.waitStatus(t, "response", func(s model.CycleStatus) bool { return s.Stats.Responses == 1 })

	if s.Stats.DecodeFailures != 2 {
		t.Errorf("decode failures = %d, want 2", s.Stats.DecodeFailures)
	}
	if got := cell(t, h.grid, 1, 1); got != model.CellFound {
		t.Errorf("cell (1,1) = %v, want found", got)
	}
	if got := h.renders.Load(); got != 1 {
		t.Errorf("renders = %d, want 1", got)
	}

	recs := h.waitSink(t, 3)
	if len(recs) != 3 {
		t.Fatalf("sink got %d records, want 3", len(recs))
	}
	if recs[0].Located || recs[1].Located || !recs[2].Located {
		t.Errorf("located flags = %v %v %v", recs[0].Located, recs[1].Located, recs[2].Located)
	}
}

func TestMethodsAfterRunReturn(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	h.close(t)

	if err := h.ctl.Start("t1", time.Second); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Start err = %v, want ErrNotRunning", err)
	}
	if err := h.ctl.SetTarget("t1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("SetTarget err = %v, want ErrNotRunning", err)
	}
	h.ctl.Stop()
}

func TestStartRegistered(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, newFakeChannel())
	defer h.close(t)

	if err := StartRegistered(h.ctl, "", time.Second); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("StartRegistered with nothing registered err = %v, want ErrInvalidConfig", err)
	}
	if err := h.ctl.SetTarget("dog"); err != nil {
		t.Fatalf("SetTarget: %v", err)
	}
	if err := StartRegistered(h.ctl, "", time.Second); err != nil {
		t.Fatalf("StartRegistered: %v", err)
	}
	c := h.ch.next(t)
	if c.req.Target != "dog" {
		t.Errorf("target = %q, want dog", c.req.Target)
	}
	c.reply <- transport.Result{TimedOut: true}
	h.waitStatus(t, "timeout", func(s model.CycleStatus) bool { return !s.Outstanding })
	h.ctl.Stop()
}

func TestStop_ReturnsWhileSinkBlocks(t *testing.T) {
	defer goleak.VerifyNone(t)
	hold := make(chan struct{})
	h := newHarness(t, newFakeChannel(), func(s *recordSink) {
		s.hold = hold
		s.entered = make(chan struct{}, 1)
	})
	defer h.close(t)
	// Release before close so Run can drain the sink queue.
	defer close(hold)

	if err := h.ctl.Start("t1", time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.ch.next(t).reply <- transport.Result{Payload: found("30002") + "\n" + found("30001")}
	select {
	case <-h.sink.entered:
	case <-time.After(waitLimit):
		t.Fatal("sink never received a record")
	}
	h.waitResponses(t, 1)

	stopped := make(chan struct{})
	go func() {
		h.ctl.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Stop blocked behind the sink")
	}
	if s := h.ctl.Status(); s.State != model.CycleStopped {
		t.Errorf("state = %v, want stopped", s.State)
	}
	if got := cell(t, h.grid, 1, 0); got != model.CellFound {
		t.Errorf("cell (1,0) = %v, want found", got)
	}
}
