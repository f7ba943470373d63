package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/vmdbg/internal/config"
	"github.com/ctagard/vmdbg/internal/debugger"
	"github.com/ctagard/vmdbg/internal/vm"
	"github.com/ctagard/vmdbg/internal/vm/vmtest"
	"github.com/ctagard/vmdbg/pkg/types"
)

const mainURL = "file:///src/app/bin/main.dart"

type testServer struct {
	*Server

	mu  sync.Mutex
	vms []*vmtest.FakeVM
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	ts := &testServer{}
	manager := debugger.NewManager(cfg, debugger.WithDialer(func(context.Context, string) (vm.Transport, error) {
		fake := vmtest.New()
		ts.mu.Lock()
		ts.vms = append(ts.vms, fake)
		ts.mu.Unlock()
		return fake, nil
	}))
	ts.Server = NewServer(cfg, manager)
	t.Cleanup(func() {
		assert.NoError(t, ts.Close())
	})
	return ts
}

func (ts *testServer) lastVM() *vmtest.FakeVM {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.vms[len(ts.vms)-1]
}

func call(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func decode(t *testing.T, result *mcp.CallToolResult, v interface{}) {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), v))
}

func (ts *testServer) attach(t *testing.T) string {
	t.Helper()
	result, err := ts.handleVMAttach(context.Background(), call(map[string]any{"address": "127.0.0.1:8181"}))
	require.NoError(t, err)

	var out struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
	}
	decode(t, result, &out)
	require.NotEmpty(t, out.SessionID)
	assert.Equal(t, "initializing", out.Status)
	return out.SessionID
}

type eventsResult struct {
	Events  []types.Notification `json:"events"`
	LastSeq int                  `json:"lastSeq"`
	Stopped bool                 `json:"stopped"`
}

func (ts *testServer) events(t *testing.T, id string, since int) eventsResult {
	t.Helper()
	result, err := ts.handleVMEvents(context.Background(), call(map[string]any{"sessionId": id, "since": float64(since)}))
	require.NoError(t, err)
	var out eventsResult
	decode(t, result, &out)
	return out
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, config.DefaultConfig())
	id := ts.attach(t)

	result, err := ts.handleVMListSessions(context.Background(), call(nil))
	require.NoError(t, err)
	var list struct {
		Sessions []types.SessionInfo `json:"sessions"`
	}
	decode(t, result, &list)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, id, list.Sessions[0].SessionID)

	result, err = ts.handleVMSnapshot(context.Background(), call(map[string]any{"sessionId": id}))
	require.NoError(t, err)
	var snap debugger.Snapshot
	decode(t, result, &snap)
	assert.Equal(t, "ok", snap.Consistency)
	assert.True(t, snap.Protocol.Compatible)

	result, err = ts.handleVMDetach(context.Background(), call(map[string]any{"sessionId": id}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	result, err = ts.handleVMSnapshot(context.Background(), call(map[string]any{"sessionId": id}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "SESSION_NOT_FOUND")
}

func TestBreakpointsAndEvents(t *testing.T) {
	ts := newTestServer(t, config.DefaultConfig())
	id := ts.attach(t)
	ctx := context.Background()

	result, err := ts.handleBreakpointAdd(ctx, call(map[string]any{
		"sessionId":     id,
		"path":          "/src/app/bin/main.dart",
		"line":          float64(12),
		"logExpression": "counter",
		"suspend":       false,
	}))
	require.NoError(t, err)
	var added map[string]interface{}
	decode(t, result, &added)
	assert.Equal(t, false, added["verified"])
	assert.Equal(t, float64(12), added["line"])

	fake := ts.lastVM()
	fake.Handle(vm.CmdEvaluate, func(*vmtest.FakeVM, vmtest.Request) vmtest.Reply {
		return vmtest.Reply{Result: map[string]string{"text": "41"}}
	})
	fake.EmitIsolateCreated("1")
	fake.EmitPaused("1", "breakpoint", false, vmtest.Frame{ID: 0, Function: "main", URL: mainURL, Line: 1})

	require.Eventually(t, func() bool {
		return len(ts.events(t, id, 0).Events) >= 1
	}, time.Second, 5*time.Millisecond)

	first := ts.events(t, id, 0)
	assert.Equal(t, types.NotifyBreakpointVerified, first.Events[0].Kind)

	fake.EmitPaused("1", "breakpoint", false, vmtest.Frame{ID: 0, Function: "tick", URL: mainURL, Line: 12})
	require.Eventually(t, func() bool {
		return len(ts.events(t, id, first.LastSeq).Events) == 1
	}, time.Second, 5*time.Millisecond)

	hit := ts.events(t, id, first.LastSeq).Events[0]
	assert.Equal(t, types.NotifyBreakpointReached, hit.Kind)
	assert.Equal(t, "41", hit.Message)
	assert.False(t, hit.Suspended)

	result, err = ts.handleBreakpointList(ctx, call(map[string]any{"sessionId": id}))
	require.NoError(t, err)
	var listed struct {
		Breakpoints []map[string]interface{} `json:"breakpoints"`
	}
	decode(t, result, &listed)
	require.Len(t, listed.Breakpoints, 1)
	assert.Equal(t, true, listed.Breakpoints[0]["verified"])

	result, err = ts.handleBreakpointRemove(ctx, call(map[string]any{
		"sessionId": id,
		"path":      "/src/app/bin/main.dart",
		"line":      float64(12),
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, resultText(t, result))
	assert.Equal(t, 1, fake.Count(vm.CmdRemoveBreakpoint))
}

func TestSessionStoppedIsRecorded(t *testing.T) {
	ts := newTestServer(t, config.DefaultConfig())
	id := ts.attach(t)

	ts.lastVM().Disconnect()
	require.Eventually(t, func() bool {
		return ts.events(t, id, 0).Stopped
	}, time.Second, 5*time.Millisecond)

	events := ts.events(t, id, 0).Events
	assert.Equal(t, types.NotifySessionStopped, events[len(events)-1].Kind)
}

func TestExecutionControl(t *testing.T) {
	ts := newTestServer(t, config.DefaultConfig())
	id := ts.attach(t)
	ctx := context.Background()

	result, err := ts.handleVMResume(ctx, call(map[string]any{"sessionId": id}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "NO_MAIN_ISOLATE")

	fake := ts.lastVM()
	fake.EmitIsolateCreated("1")
	require.Eventually(t, func() bool {
		result, _ := ts.handleVMPause(ctx, call(map[string]any{"sessionId": id}))
		return !result.IsError
	}, time.Second, 5*time.Millisecond)

	result, err = ts.handleVMStep(ctx, call(map[string]any{"sessionId": id, "kind": "over"}))
	require.NoError(t, err)
	assert.False(t, result.IsError, resultText(t, result))

	result, err = ts.handleVMStep(ctx, call(map[string]any{"sessionId": id, "kind": "backwards"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "INVALID_PARAMETER")

	result, err = ts.handleVMResume(ctx, call(map[string]any{"sessionId": id}))
	require.NoError(t, err)
	assert.False(t, result.IsError, resultText(t, result))

	cmds := fake.Commands()
	assert.Equal(t, []string{vm.CmdInterrupt, vm.CmdStepOver, vm.CmdResume}, cmds[len(cmds)-3:])
}

func TestParameterErrors(t *testing.T) {
	ts := newTestServer(t, config.DefaultConfig())
	id := ts.attach(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args    map[string]any
		want    string
	}{
		{"attach without address", ts.handleVMAttach, map[string]any{}, "MISSING_PARAMETER"},
		{"unknown session", ts.handleVMSnapshot, map[string]any{"sessionId": "nope"}, "SESSION_NOT_FOUND"},
		{"events without session", ts.handleVMEvents, map[string]any{}, "MISSING_PARAMETER"},
		{"negative since", ts.handleVMEvents, map[string]any{"sessionId": id, "since": float64(-1)}, "INVALID_PARAMETER"},
		{"breakpoint without line", ts.handleBreakpointAdd, map[string]any{"sessionId": id, "path": "/a.dart"}, "MISSING_PARAMETER"},
		{"breakpoint on line zero", ts.handleBreakpointAdd, map[string]any{"sessionId": id, "path": "/a.dart", "line": float64(0)}, "INVALID_PARAMETER"},
		{"fractional line", ts.handleBreakpointRemove, map[string]any{"sessionId": id, "path": "/a.dart", "line": 2.5}, "INVALID_PARAMETER"},
		{"relative path", ts.handleBreakpointAdd, map[string]any{"sessionId": id, "path": "a.dart", "line": float64(3)}, "BREAKPOINT_FAILED"},
		{"step without kind", ts.handleVMStep, map[string]any{"sessionId": id}, "MISSING_PARAMETER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.handler(ctx, call(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestReadOnlyMode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeReadOnly
	ts := newTestServer(t, cfg)
	id := ts.attach(t)
	ctx := context.Background()

	result, err := ts.handleBreakpointAdd(ctx, call(map[string]any{"sessionId": id, "path": "/a.dart", "line": float64(1)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "PERMISSION_DENIED")

	result, err = ts.handleVMResume(ctx, call(map[string]any{"sessionId": id}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "PERMISSION_DENIED")
}

func TestAttachNotAllowed(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AllowAttach = false
	ts := newTestServer(t, cfg)

	result, err := ts.handleVMAttach(context.Background(), call(map[string]any{"address": "127.0.0.1:8181"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "PERMISSION_DENIED")
}
