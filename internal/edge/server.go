package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/gridfinder/internal/detectparse"
	"github.com/tinytelemetry/gridfinder/internal/model"
	"github.com/tinytelemetry/gridfinder/internal/transport"
)

const writeTimeout = 5 * time.Second

// Options tune a Server beyond its scenario.
type Options struct {
	// Detector overrides the scenario's object lists.
	Detector Detector
	// Seed makes random draws and drops repeatable. Zero seeds from the clock.
	Seed uint64
	Now  func() time.Time
}

// Stats counts what the server has answered.
type Stats struct {
	Requests   int64
	Responses  int64
	Unanswered int64
	Records    int64
}

// Server answers detection request frames over websocket.
type Server struct {
	scenario Scenario
	detector Detector
	now      func() time.Time
	upgrader websocket.Upgrader

	mu  sync.Mutex // guards rng
	rng *rand.Rand

	requests   atomic.Int64
	responses  atomic.Int64
	unanswered atomic.Int64
	records    atomic.Int64
}

// NewServer validates sc and builds a server for it.
func NewServer(sc Scenario, opts Options) (*Server, error) {
	sc.applyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		scenario: sc,
		now:      opts.Now,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	s.detector = opts.Detector
	if s.detector == nil {
		s.detector = newScenarioDetector(sc, rand.New(rand.NewPCG(seed+1, seed)))
	}
	return s, nil
}

// Stats returns the request counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests:   s.requests.Load(),
		Responses:  s.responses.Load(),
		Unanswered: s.unanswered.Load(),
		Records:    s.records.Load(),
	}
}

// ServeHTTP upgrades the connection and answers request frames until the
// client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("edge: upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	s.serveConn(r.Context(), ws)
}

// serveConn answers each frame in its own goroutine so a slow request does
// not hold up the next one. Writes are serialized on the connection.
func (s *Server) serveConn(parent context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer ws.Close()

	var (
		g       errgroup.Group
		writeMu sync.Mutex
	)
	defer g.Wait()
	// Unblocks the read below once the request context ends.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Printf("edge: read: %v", err)
			}
			cancel()
			return
		}

		var frame transport.RequestFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Printf("edge: dropping undecodable frame: %v", err)
			continue
		}

		g.Go(func() error {
			payload, ok := s.Answer(ctx, frame)
			if !ok {
				return nil
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(transport.ResponseFrame{SessionID: frame.SessionID, Payload: payload}); err != nil {
				log.Printf("edge: write %s: %v", frame.SessionID, err)
			}
			return nil
		})
	}
}

// Answer polls every camera for frame and returns the joined records. It
// returns false when nothing should be sent: the target is missing or no
// camera reported within the collect window.
func (s *Server) Answer(ctx context.Context, frame transport.RequestFrame) (string, bool) {
	s.requests.Add(1)
	if frame.Target == "" {
		log.Printf("edge: request %s has no target", frame.SessionID)
		s.unanswered.Add(1)
		return "", false
	}

	window := s.scenario.CollectTimeout
	if lifetime := time.Duration(frame.LifetimeMS) * time.Millisecond; lifetime > 0 {
		window = min(window, lifetime)
	}
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	results := make([]*model.DetectionRecord, len(s.scenario.Cameras))
	var g errgroup.Group
	for i, cam := range s.scenario.Cameras {
		if s.drop(cam.DropRate) {
			continue
		}
		g.Go(func() error {
			if cam.Delay > 0 {
				t := time.NewTimer(cam.Delay)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
					return nil
				}
			}
			results[i] = s.detect(cam, frame)
			return nil
		})
	}
	_ = g.Wait()

	records := make([]model.DetectionRecord, 0, len(results))
	for _, r := range results {
		if r != nil {
			records = append(records, *r)
		}
	}
	if len(records) == 0 {
		s.unanswered.Add(1)
		return "", false
	}

	payload, err := detectparse.Format(records)
	if err != nil {
		log.Printf("edge: format response %s: %v", frame.SessionID, err)
		s.unanswered.Add(1)
		return "", false
	}
	s.responses.Add(1)
	s.records.Add(int64(len(records)))
	return payload, true
}

func (s *Server) detect(cam Camera, frame transport.RequestFrame) *model.DetectionRecord {
	loc, _ := cam.location() // validated in NewServer
	objects := s.detector.Detect(cam)
	return &model.DetectionRecord{
		Target:    frame.Target,
		IsFound:   slices.Contains(objects, frame.Target),
		Location:  loc,
		Time:      s.now().UTC().Format(time.RFC3339),
		SessionID: frame.SessionID,
	}
}

func (s *Server) drop(rate float64) bool {
	if rate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < rate
}

// Serve runs an HTTP server for h on ln until ctx is done, then shuts it
// down gracefully. Request contexts derive from ctx, so open websocket
// connections close with it.
func Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           h,
		BaseContext:       func(net.Listener) context.Context { return gctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("edge: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
