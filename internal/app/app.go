// Package app assembles the vmdbg server from its components.
package app

import (
	"context"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/config"
	"github.com/ctagard/vmdbg/internal/debugger"
	"github.com/ctagard/vmdbg/internal/logging"
	"github.com/ctagard/vmdbg/internal/mcp"
	"github.com/ctagard/vmdbg/internal/metrics"
)

// Module provides the MCP server and everything it depends on. It expects a
// *config.Config to be supplied.
var Module = fx.Options(
	metrics.Module,
	fx.Provide(newLogger),
	fx.Provide(newManager),
	fx.Provide(newServer),
)

// ServeModule serves MCP over stdio for the lifetime of the app and stops
// the app when the client goes away.
var ServeModule = fx.Invoke(serve)

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.SugaredLogger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// stderr does not always support fsync
			_ = logger.Sync()
			return nil
		},
	})
	return logger, nil
}

func newManager(lc fx.Lifecycle, cfg *config.Config, logger *zap.SugaredLogger, stats tally.Scope) *debugger.Manager {
	m := debugger.NewManager(cfg,
		debugger.WithLogger(logger),
		debugger.WithStats(stats.SubScope("sessions")))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return m.Close()
		},
	})
	return m
}

func newServer(cfg *config.Config, manager *debugger.Manager, logger *zap.SugaredLogger) *mcp.Server {
	return mcp.NewServer(cfg, manager, mcp.WithLogger(logger))
}

func serve(lc fx.Lifecycle, shutdowner fx.Shutdowner, server *mcp.Server, logger *zap.SugaredLogger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("vmdbg server starting")
				code := 0
				if err := server.ServeStdio(); err != nil {
					logger.Errorw("server error", "error", err)
					code = 1
				}
				if err := shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					logger.Warnw("failed to request shutdown", "error", err)
				}
			}()
			return nil
		},
	})
}
