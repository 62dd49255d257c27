package socketrpc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

func newTestDispatcher(t *testing.T) *Server {
	t.Helper()
	deps, _, _ := newTestDeps(t)
	return NewServer("", deps)
}

func TestDispatch_AllMethods(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher(t)

	tests := []struct {
		method string
		params string
	}{
		{"GridSnapshot", `{}`},
		{"ResetGrid", `{}`},
		{"CycleStatus", `{}`},
		{"RegisterTarget", `{"Target":"person"}`},
		{"StartCycle", `{"Target":"person","Interval":1000000000}`},
		{"StopCycle", `{}`},
		{"RecentActivity", `{"Limit":10}`},
		{"RecentDetections", `{"Limit":10,"Target":"person"}`},
		{"TargetSummaries", `{}`},
		{"TotalDetections", `{"Target":"person"}`},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			req := Request{
				JSONRPC: "2.0",
				ID:      1,
				Method:  tt.method,
				Params:  json.RawMessage(tt.params),
			}
			resp := srv.dispatch(req)
			if resp.Error != nil {
				t.Fatalf("dispatch(%s) error: %s", tt.method, resp.Error.Message)
			}
			if resp.Result == nil {
				t.Fatalf("dispatch(%s) returned nil result", tt.method)
			}
			if resp.JSONRPC != "2.0" {
				t.Errorf("JSONRPC = %q, want 2.0", resp.JSONRPC)
			}
			if resp.ID != 1 {
				t.Errorf("ID = %d, want 1", resp.ID)
			}
		})
	}
}

func TestDispatch_MethodNotFound(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher(t)

	resp := srv.dispatch(Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "NonExistentMethod",
		Params:  json.RawMessage(`{}`),
	})
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("error code = %d, want -32601", resp.Error.Code)
	}
}

func TestDispatch_InvalidParams(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher(t)

	tests := []struct {
		method string
		params string
	}{
		{"RecentDetections", `not json`},
		{"StartCycle", `{"Interval":"soon"}`},
		{"RegisterTarget", `{}`},
		{"RegisterTarget", ``},
	}
	for _, tt := range tests {
		resp := srv.dispatch(Request{
			JSONRPC: "2.0",
			ID:      2,
			Method:  tt.method,
			Params:  json.RawMessage(tt.params),
		})
		if resp.Error == nil {
			t.Fatalf("%s(%s): expected error", tt.method, tt.params)
		}
		if resp.Error.Code != -32602 {
			t.Errorf("%s(%s): error code = %d, want -32602 (invalid params)", tt.method, tt.params, resp.Error.Code)
		}
	}
}

func TestDispatch_EmptyParamsOnOptionalMethods(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher(t)

	methods := []string{"GridSnapshot", "CycleStatus", "StopCycle", "RecentActivity", "RecentDetections", "TargetSummaries", "TotalDetections"}

	for _, method := range methods {
		for _, params := range []json.RawMessage{nil, json.RawMessage(`null`)} {
			resp := srv.dispatch(Request{
				JSONRPC: "2.0",
				ID:      1,
				Method:  method,
				Params:  params,
			})
			if resp.Error != nil {
				t.Fatalf("dispatch(%s) with params %q: %s", method, params, resp.Error.Message)
			}
		}
	}
}

func TestDispatch_StartCycleDefaultsAndErrors(t *testing.T) {
	t.Parallel()
	deps, _, cyc := newTestDeps(t)
	srv := NewServer("", deps)

	// No target registered yet: the controller rejects the start.
	resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "StartCycle", Params: json.RawMessage(`{}`)})
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("StartCycle without target = %+v, want application error", resp.Error)
	}

	if err := cyc.SetTarget("dog"); err != nil {
		t.Fatal(err)
	}
	resp = srv.dispatch(Request{JSONRPC: "2.0", ID: 2, Method: "StartCycle", Params: json.RawMessage(`{}`)})
	if resp.Error != nil {
		t.Fatalf("StartCycle: %s", resp.Error.Message)
	}
	var st model.CycleStatus
	if err := json.Unmarshal(resp.Result, &st); err != nil {
		t.Fatal(err)
	}
	if st.Target != "dog" || st.Interval != 3*time.Second || st.State != model.CycleIdle {
		t.Errorf("status = %+v, want dog every 3s idle", st)
	}
}

func TestDispatch_ResetGridClearsCells(t *testing.T) {
	t.Parallel()
	deps, g, _ := newTestDeps(t)
	srv := NewServer("", deps)

	if err := g.MarkCell(1, 2, model.CellFound); err != nil {
		t.Fatal(err)
	}
	resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: "ResetGrid"})
	if resp.Error != nil {
		t.Fatalf("ResetGrid: %s", resp.Error.Message)
	}
	var snap model.GridSnapshot
	if err := json.Unmarshal(resp.Result, &snap); err != nil {
		t.Fatal(err)
	}
	if n := snap.Count(model.CellFound); n != 0 {
		t.Errorf("found cells after reset = %d, want 0", n)
	}
}

func TestDispatch_PreservesRequestID(t *testing.T) {
	t.Parallel()
	srv := newTestDispatcher(t)

	for _, id := range []int{0, 1, 42, 9999} {
		resp := srv.dispatch(Request{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "TargetSummaries",
			Params:  json.RawMessage(`{}`),
		})
		if resp.ID != id {
			t.Errorf("request ID %d: response ID = %d", id, resp.ID)
		}
	}
}
