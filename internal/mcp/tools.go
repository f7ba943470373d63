package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the VM debugging tools
func (s *Server) registerTools() {
	// Session Management (both modes)
	s.registerVMAttach()
	s.registerVMDetach()
	s.registerVMListSessions()

	// Inspection (both modes)
	s.registerVMSnapshot()
	s.registerVMEvents()
	s.registerBreakpointList()

	// Control (full mode only)
	if s.config.CanUseControlTools() {
		s.registerBreakpointAdd()
		s.registerBreakpointRemove()
		s.registerVMResume()
		s.registerVMPause()
		s.registerVMStep()
	}
}

// Session Management Tools

func (s *Server) registerVMAttach() {
	tool := mcp.NewTool("vm_attach",
		mcp.WithDescription("Attach to a running VM's debug service. Returns sessionId needed for all other tools. Breakpoints added before the VM first pauses are applied when it does; the VM's own pause on entry to main is skipped."),
		mcp.WithString("address",
			mcp.Required(),
			mcp.Description("host:port of the VM debug service, e.g. 127.0.0.1:8181"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleVMAttach)
}

func (s *Server) registerVMDetach() {
	tool := mcp.NewTool("vm_detach",
		mcp.WithDescription("Disconnect from a VM and end the session"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleVMDetach)
}

func (s *Server) registerVMListSessions() {
	tool := mcp.NewTool("vm_list_sessions",
		mcp.WithDescription("List all active debug sessions with their status and main isolate"),
	)
	s.mcpServer.AddTool(tool, s.handleVMListSessions)
}

// Inspection Tools

func (s *Server) registerVMSnapshot() {
	tool := mcp.NewTool("vm_snapshot",
		mcp.WithDescription("Get the debugger state of a session: protocol version, isolates, last pause with its stack, breakpoints and their VM instances, pending breakpoints, and an internal consistency check."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleVMSnapshot)
}

func (s *Server) registerVMEvents() {
	tool := mcp.NewTool("vm_events",
		mcp.WithDescription("Get notifications from a session: breakpoints verified or rejected, pauses, log messages from logging breakpoints, and session end. Pass the returned lastSeq as 'since' to get only newer notifications."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
		mcp.WithNumber("since",
			mcp.Description("Only return notifications with a sequence number above this (default: 0)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleVMEvents)
}

func (s *Server) registerBreakpointList() {
	tool := mcp.NewTool("breakpoint_list",
		mcp.WithDescription("List a session's breakpoints. Lines are 1-based."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleBreakpointList)
}

// Control Tools

func (s *Server) registerBreakpointAdd() {
	tool := mcp.NewTool("breakpoint_add",
		mcp.WithDescription("Set a breakpoint. A running isolate is briefly interrupted while the breakpoint is installed and then resumed. With a condition the isolate only stops when it evaluates to anything but false; with a log expression the value is reported through vm_events."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path of the source file"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("1-based line number"),
		),
		mcp.WithString("condition",
			mcp.Description("Expression evaluated when hit; execution continues when it is false"),
		),
		mcp.WithString("logExpression",
			mcp.Description("Expression whose value is reported each time the breakpoint is hit"),
		),
		mcp.WithBoolean("suspend",
			mcp.Description("Stay paused when a conditional or logging breakpoint is hit (default: true)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleBreakpointAdd)
}

func (s *Server) registerBreakpointRemove() {
	tool := mcp.NewTool("breakpoint_remove",
		mcp.WithDescription("Remove a breakpoint from every isolate"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path of the source file"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("1-based line number"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleBreakpointRemove)
}

func (s *Server) registerVMResume() {
	tool := mcp.NewTool("vm_resume",
		mcp.WithDescription("Resume the main isolate"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleVMResume)
}

func (s *Server) registerVMPause() {
	tool := mcp.NewTool("vm_pause",
		mcp.WithDescription("Interrupt the main isolate. The pause is reported through vm_events."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleVMPause)
}

func (s *Server) registerVMStep() {
	tool := mcp.NewTool("vm_step",
		mcp.WithDescription("Step the paused main isolate"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The debug session ID"),
		),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("Step type: into, over, or out"),
			mcp.Enum("into", "over", "out"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleVMStep)
}
