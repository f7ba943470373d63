package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/go-dap"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ctagard/vmdbg/internal/breakpoints"
	"github.com/ctagard/vmdbg/internal/debugger"
	"github.com/ctagard/vmdbg/internal/errors"
	"github.com/ctagard/vmdbg/pkg/types"
)

// Session Management Handlers

func (s *Server) handleVMAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanAttach() {
		return toolError(errors.PermissionDenied("attach", string(s.config.Mode))), nil
	}

	address, err := request.RequireString("address")
	if err != nil {
		return toolError(errors.MissingParameter("address",
			"Specify the host:port the VM's debug service listens on, e.g. 127.0.0.1:8181.")), nil
	}

	h := newRecordingHost(s.clock, s.logger)
	session, err := s.manager.Attach(ctx, address, h)
	if err != nil {
		return toolError(err), nil
	}
	s.trackHost(session.ID, h)

	info := session.Info()
	return jsonResult(map[string]interface{}{
		"sessionId": session.ID,
		"status":    string(info.Status),
		"address":   address,
		"protocol":  session.Snapshot().Protocol,
	})
}

func (s *Server) handleVMDetach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return toolError(errors.MissingParameter("sessionId", sessionIDHint)), nil
	}

	if err := s.manager.Detach(sessionID); err != nil {
		return toolError(err), nil
	}
	s.forgetHost(sessionID)

	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"status":    "detached",
	})
}

func (s *Server) handleVMListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]interface{}{
		"sessions": s.manager.List(),
	})
}

// Inspection Handlers

func (s *Server) handleVMSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(session.Snapshot())
}

func (s *Server) handleVMEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return toolError(errors.MissingParameter("sessionId", sessionIDHint)), nil
	}

	// a stopped session may already be gone from the manager
	h, ok := s.hostFor(sessionID)
	if !ok {
		return toolError(errors.SessionNotFound(sessionID)), nil
	}

	since := 0
	if v, err := request.RequireFloat("since"); err == nil {
		if v < 0 {
			return toolError(errors.InvalidParameter("since", v, "a non-negative sequence number")), nil
		}
		since = int(v)
	}

	events, last := h.since(since)
	return jsonResult(map[string]interface{}{
		"sessionId": sessionID,
		"events":    events,
		"lastSeq":   last,
		"stopped":   h.isStopped(),
	})
}

func (s *Server) handleBreakpointList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	session, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	statuses := session.Breakpoints()
	result := make([]dap.Breakpoint, len(statuses))
	for i, st := range statuses {
		result[i] = toDAPBreakpoint(i+1, st)
	}

	return jsonResult(map[string]interface{}{
		"breakpoints": result,
	})
}

// Control Handlers

func (s *Server) handleBreakpointAdd(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanModifyBreakpoints() {
		return toolError(errors.PermissionDenied("modify", string(s.config.Mode))), nil
	}

	session, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	bp, err := breakpointFromRequest(request)
	if err != nil {
		return toolError(err), nil
	}
	bp.Condition = request.GetString("condition", "")
	bp.LogExpression = request.GetString("logExpression", "")
	bp.Suspend = request.GetBool("suspend", true)

	if err := wait(ctx, session.AddBreakpointAsync(bp)); err != nil {
		return toolError(err), nil
	}

	for i, st := range session.Breakpoints() {
		if st.Breakpoint.Key() == bp.Key() {
			return jsonResult(toDAPBreakpoint(i+1, st))
		}
	}
	// removed again before we looked
	return jsonResult(map[string]interface{}{
		"path": bp.File,
		"line": bp.Line + 1,
	})
}

func (s *Server) handleBreakpointRemove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanModifyBreakpoints() {
		return toolError(errors.PermissionDenied("modify", string(s.config.Mode))), nil
	}

	session, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	bp, err := breakpointFromRequest(request)
	if err != nil {
		return toolError(err), nil
	}

	if err := wait(ctx, session.RemoveBreakpointAsync(bp)); err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]interface{}{
		"path":    bp.File,
		"line":    bp.Line + 1,
		"removed": true,
	})
}

func (s *Server) handleVMResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.execute(ctx, request, "resumed", func(ctx context.Context, session *debugger.Session) error {
		return session.Resume(ctx)
	})
}

func (s *Server) handleVMPause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.execute(ctx, request, "pausing", func(ctx context.Context, session *debugger.Session) error {
		return session.Pause(ctx)
	})
}

func (s *Server) handleVMStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := request.RequireString("kind")
	if err != nil {
		return toolError(errors.MissingParameter("kind",
			"Specify the step type: 'into', 'over', or 'out'.")), nil
	}

	return s.execute(ctx, request, "stepping", func(ctx context.Context, session *debugger.Session) error {
		return session.Step(ctx, debugger.StepKind(kind))
	})
}

// Helper functions

const sessionIDHint = "Provide the sessionId returned from vm_attach. Use vm_list_sessions to see active sessions."

func (s *Server) getSession(request mcp.CallToolRequest) (*debugger.Session, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return nil, errors.MissingParameter("sessionId", sessionIDHint)
	}
	return s.manager.Get(sessionID)
}

// execute runs an execution control command against a session.
func (s *Server) execute(ctx context.Context, request mcp.CallToolRequest, status string, fn func(context.Context, *debugger.Session) error) (*mcp.CallToolResult, error) {
	if !s.config.CanExecute() {
		return toolError(errors.PermissionDenied("execute", string(s.config.Mode))), nil
	}

	session, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	if err := fn(ctx, session); err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]interface{}{
		"sessionId":   session.ID,
		"status":      status,
		"mainIsolate": session.Info().MainIsolate,
	})
}

// breakpointFromRequest reads the path and 1-based line of a breakpoint.
func breakpointFromRequest(request mcp.CallToolRequest) (types.LogicalBreakpoint, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return types.LogicalBreakpoint{}, errors.MissingParameter("path",
			"Specify the absolute path of the source file, e.g. /home/me/app/bin/main.dart.")
	}
	line, err := request.RequireFloat("line")
	if err != nil {
		return types.LogicalBreakpoint{}, errors.MissingParameter("line", "Specify the 1-based line number.")
	}
	if line < 1 || line != float64(int(line)) {
		return types.LogicalBreakpoint{}, errors.InvalidParameter("line", line, "a positive whole line number")
	}
	return types.LogicalBreakpoint{File: path, Line: int(line) - 1}, nil
}

// toDAPBreakpoint renders a breakpoint the way debug adapters report them.
func toDAPBreakpoint(id int, st breakpoints.Status) dap.Breakpoint {
	bp := dap.Breakpoint{
		Id:       id,
		Verified: st.Verified,
		Message:  st.Error,
		Source:   &dap.Source{Path: st.Breakpoint.File},
		Line:     st.Breakpoint.Line + 1,
	}
	if bp.Message == "" && st.Pending {
		bp.Message = "pending until the VM first pauses"
	}
	return bp
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toolError reports err to the client with its error code in front.
func toolError(err error) *mcp.CallToolResult {
	de := errors.FromError(err)
	return mcp.NewToolResultError(fmt.Sprintf("[%s] %s", de.Code, err.Error()))
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}
