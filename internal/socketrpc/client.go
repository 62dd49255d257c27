package socketrpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// Client calls a gridfinder socket server using JSON-RPC 2.0.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

// Dial connects to the socket RPC server at the given path.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call performs a JSON-RPC call and unmarshals the result into dest.
func (c *Client) call(method string, params interface{}, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	paramsData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("socketrpc: marshal params: %w", err)
	}

	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsData,
	}

	c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("socketrpc: send: %w", err)
	}

	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("socketrpc: read: %w", err)
		}
		return fmt.Errorf("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("socketrpc: unmarshal response: %w", err)
	}

	if resp.Error != nil {
		return resp.Error
	}

	if dest != nil {
		if err := json.Unmarshal(resp.Result, dest); err != nil {
			return fmt.Errorf("socketrpc: unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) GridSnapshot() (model.GridSnapshot, error) {
	var result model.GridSnapshot
	err := c.call("GridSnapshot", nil, &result)
	return result, err
}

// ResetGrid clears every cell and returns the empty grid.
func (c *Client) ResetGrid() (model.GridSnapshot, error) {
	var result model.GridSnapshot
	err := c.call("ResetGrid", nil, &result)
	return result, err
}

func (c *Client) CycleStatus() (model.CycleStatus, error) {
	var result model.CycleStatus
	err := c.call("CycleStatus", nil, &result)
	return result, err
}

// StartCycle starts or restarts the request cycle. An empty target reuses
// the registered one and a zero interval uses the server default.
func (c *Client) StartCycle(target string, interval time.Duration) (model.CycleStatus, error) {
	var result model.CycleStatus
	err := c.call("StartCycle", map[string]interface{}{"Target": target, "Interval": interval}, &result)
	return result, err
}

func (c *Client) StopCycle() (model.CycleStatus, error) {
	var result model.CycleStatus
	err := c.call("StopCycle", nil, &result)
	return result, err
}

func (c *Client) RegisterTarget(target string) error {
	return c.call("RegisterTarget", map[string]interface{}{"Target": target}, nil)
}

func (c *Client) RecentActivity(limit int) ([]model.ActivityEntry, error) {
	var result []model.ActivityEntry
	err := c.call("RecentActivity", map[string]interface{}{"Limit": limit}, &result)
	return result, err
}

func (c *Client) RecentDetections(limit int, target string) ([]model.DetectionRecord, error) {
	var result []model.DetectionRecord
	err := c.call("RecentDetections", map[string]interface{}{"Limit": limit, "Target": target}, &result)
	return result, err
}

func (c *Client) TargetSummaries() ([]model.TargetSummary, error) {
	var result []model.TargetSummary
	err := c.call("TargetSummaries", nil, &result)
	return result, err
}

func (c *Client) TotalDetections(target string) (int64, error) {
	var result int64
	err := c.call("TotalDetections", map[string]interface{}{"Target": target}, &result)
	return result, err
}
