package socketrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/gridfinder/internal/cycle"
	"github.com/tinytelemetry/gridfinder/internal/model"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (1 MB).
	scannerInitBufSize = 1024 * 1024
	// scannerMaxTokenSize is the maximum token size the scanner will accept (10 MB).
	scannerMaxTokenSize = 10 * 1024 * 1024
)

// Deps are the collaborators the socket server reads from and drives.
type Deps struct {
	Store           model.DetectionQuerier
	Grid            model.GridControl
	Cycle           model.CycleControl
	DefaultInterval time.Duration
}

// Server exposes the grid, the request cycle and detection history over a
// Unix domain socket using JSON-RPC 2.0.
type Server struct {
	socketPath string
	deps       Deps
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	stopOnce   sync.Once

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, deps Deps) *Server {
	if deps.DefaultInterval <= 0 {
		deps.DefaultInterval = model.DefaultRequestInterval
	}
	return &Server{
		socketPath: socketPath,
		deps:       deps,
		quit:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	// Ensure the parent directory exists.
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	// Remove stale socket if it exists.
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			// Nobody is listening, so the socket file is stale.
			os.Remove(s.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("socketrpc: listening on %s", s.socketPath)
	return nil
}

// Stop closes the listener, waits for connections to drain, and removes the socket file.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("socketrpc: accept error: %v", err)
				// Continue on transient errors (e.g., fd limit) instead of
				// killing the entire accept loop.
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return
	default:
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		select {
		case <-s.quit:
			return
		default:
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp := Response{JSONRPC: "2.0", ID: 0, Error: &RPCError{Code: codeParseError, Message: "parse error"}}
			encoder.Encode(resp)
			continue
		}

		resp := s.dispatch(req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v interface{}, err error) Response {
		if err != nil {
			resp.Error = &RPCError{Code: codeApplication, Message: err.Error()}
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &RPCError{Code: codeInternal, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) Response {
		resp.Error = &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
		return resp
	}

	// optional tolerates empty or null params.
	optional := func(dest interface{}) error {
		if len(req.Params) == 0 {
			return nil
		}
		return json.Unmarshal(req.Params, dest)
	}

	switch req.Method {
	case "GridSnapshot":
		return marshalResult(s.deps.Grid.Snapshot(), nil)

	case "ResetGrid":
		s.deps.Grid.Reset()
		return marshalResult(s.deps.Grid.Snapshot(), nil)

	case "CycleStatus":
		return marshalResult(s.deps.Cycle.Status(), nil)

	case "StartCycle":
		var p struct {
			Target   string
			Interval time.Duration
		}
		if err := optional(&p); err != nil {
			return invalidParams(err)
		}
		if p.Interval == 0 {
			p.Interval = s.deps.DefaultInterval
		}
		if err := cycle.StartRegistered(s.deps.Cycle, p.Target, p.Interval); err != nil {
			return marshalResult(nil, err)
		}
		return marshalResult(s.deps.Cycle.Status(), nil)

	case "StopCycle":
		s.deps.Cycle.Stop()
		return marshalResult(s.deps.Cycle.Status(), nil)

	case "RegisterTarget":
		var p struct{ Target string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if p.Target == "" {
			return invalidParams(fmt.Errorf("Target is required"))
		}
		return marshalResult(p.Target, s.deps.Cycle.SetTarget(p.Target))

	case "RecentActivity":
		var p struct{ Limit int }
		if err := optional(&p); err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.deps.Cycle.Activity(p.Limit), nil)

	case "RecentDetections":
		var p struct {
			Limit  int
			Target string
		}
		if err := optional(&p); err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.deps.Store.RecentDetections(p.Limit, p.Target))

	case "TargetSummaries":
		return marshalResult(s.deps.Store.TargetSummaries())

	case "TotalDetections":
		var p struct{ Target string }
		if err := optional(&p); err != nil {
			return invalidParams(err)
		}
		return marshalResult(s.deps.Store.TotalDetections(p.Target))

	default:
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}
