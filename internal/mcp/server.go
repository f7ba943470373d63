// Package mcp provides the Model Context Protocol (MCP) server implementation.
//
// This package exposes VM debugging through MCP tools that can be used by AI
// assistants and other MCP clients:
//
// Session Management (always available):
//   - vm_attach: Attach to a VM debug service
//   - vm_detach: End a session
//   - vm_list_sessions: List active sessions
//
// Inspection (always available):
//   - vm_snapshot: Debugger state of a session
//   - vm_events: Notifications the session has produced
//   - breakpoint_list: Breakpoints and their verification state
//
// Control (full mode only):
//   - breakpoint_add, breakpoint_remove: Edit breakpoints
//   - vm_resume, vm_pause, vm_step: Execution control
package mcp

import (
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/clock"
	"github.com/ctagard/vmdbg/internal/config"
	"github.com/ctagard/vmdbg/internal/debugger"
	"github.com/ctagard/vmdbg/internal/version"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock sets the clock that timestamps notifications.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// Server wraps the MCP server with debugging capabilities
type Server struct {
	mcpServer *server.MCPServer
	manager   *debugger.Manager
	config    *config.Config
	logger    *zap.SugaredLogger
	clock     clock.Clock

	mu    sync.Mutex
	hosts map[string]*recordingHost
}

// NewServer creates a new vmdbg MCP server on top of manager.
func NewServer(cfg *config.Config, manager *debugger.Manager, opts ...Option) *Server {
	mcpServer := server.NewMCPServer(
		"vmdbg",
		version.GetVersion(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		manager:   manager,
		config:    cfg,
		logger:    zap.NewNop().Sugar(),
		clock:     clock.New(),
		hosts:     make(map[string]*recordingHost),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerTools()

	return s
}

// ServeStdio starts the server using stdio transport
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// Close shuts down every session.
func (s *Server) Close() error {
	return s.manager.Close()
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) hostFor(sessionID string) (*recordingHost, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[sessionID]
	return h, ok
}

func (s *Server) trackHost(sessionID string, h *recordingHost) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[sessionID] = h
}

func (s *Server) forgetHost(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, sessionID)
}
