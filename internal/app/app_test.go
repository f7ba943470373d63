package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/ctagard/vmdbg/internal/config"
	"github.com/ctagard/vmdbg/internal/debugger"
	"github.com/ctagard/vmdbg/internal/mcp"
)

func TestModule(t *testing.T) {
	var (
		server  *mcp.Server
		manager *debugger.Manager
	)
	app := fxtest.New(t,
		fx.Supply(config.DefaultConfig()),
		Module,
		fx.Populate(&server, &manager),
	)
	app.RequireStart()

	require.NotNil(t, server)
	require.NotNil(t, server.MCPServer())
	assert.Empty(t, manager.List())

	require.NoError(t, app.Stop(context.Background()))
}

func TestModule_BadLogLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "loud"

	var server *mcp.Server
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		Module,
		fx.Populate(&server),
	)
	assert.Error(t, app.Err())
}
