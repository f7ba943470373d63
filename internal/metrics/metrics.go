// Package metrics creates the root tally scope shared by all sessions.
package metrics

import (
	"context"
	"io"
	"time"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/fx"

	"github.com/ctagard/vmdbg/internal/config"
	"github.com/ctagard/vmdbg/internal/version"
)

// Module provides a tally.Scope that is flushed and closed when the app stops.
var Module = fx.Options(
	fx.Provide(func(lc fx.Lifecycle, cfg *config.Config) tally.Scope {
		scope, closer := New(cfg.Metrics)
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return closer.Close()
			},
		})
		return scope
	}),
)

// New creates a root scope from the metrics configuration.
func New(cfg config.MetricsConfig) (tally.Scope, io.Closer) {
	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = time.Second
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix: cfg.Prefix,
		Tags: map[string]string{
			"service": "vmdbg",
			"version": version.GetVersion(),
		},
	}, interval)
}
