package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes the grid, the request cycle and detection
// history to local clients such as the terminal dashboard.
//
//   Method              Params                                   Result
//   ────────────────    ───────────────────────────────────────   ───────────────────────
//   GridSnapshot        (none)                                   GridSnapshot
//   ResetGrid           (none)                                   GridSnapshot
//   CycleStatus         (none)                                   CycleStatus
//   StartCycle          {Target: string, Interval: time.Duration} CycleStatus
//   StopCycle           (none)                                   CycleStatus
//   RegisterTarget      {Target: string}                         string
//   RecentActivity      {Limit: int}                             []ActivityEntry
//   RecentDetections    {Limit: int, Target: string}             []DetectionRecord
//   TargetSummaries     (none)                                   []TargetSummary
//   TotalDetections     {Target: string}                         int64
//
// Interval is encoded in nanoseconds. An empty StartCycle Target reuses the
// registered target; a zero Interval uses the server default. Methods with
// optional params accept empty or null params.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (query or control failure)

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeApplication    = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// DefaultSocketPath returns the default Unix socket path.
// It prefers $XDG_RUNTIME_DIR/gridfinder/gridfinder.sock, falling back to
// ~/.local/state/gridfinder/gridfinder.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "gridfinder", "gridfinder.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/gridfinder.sock"
	}
	return filepath.Join(home, ".local", "state", "gridfinder", "gridfinder.sock")
}
