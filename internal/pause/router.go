// Package pause decides what to do with each VM pause.
//
// The Router is a vm.Listener. It runs on the client's dispatch goroutine,
// so it sees events strictly in arrival order and may block while it waits
// for an expression evaluation.
package pause

import (
	"context"
	"sync"
	"time"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/breakpoints"
	"github.com/ctagard/vmdbg/internal/errors"
	"github.com/ctagard/vmdbg/internal/host"
	"github.com/ctagard/vmdbg/internal/vm"
	"github.com/ctagard/vmdbg/pkg/types"
)

// DefaultEvalTimeout bounds condition and log evaluation.
const DefaultEvalTimeout = time.Second

// State is the router's session state.
type State int

const (
	// AwaitingFirstPause is the state until the first pause initializes
	// the session.
	AwaitingFirstPause State = iota
	// Initialized means the main isolate is known and configured.
	Initialized
)

func (s State) String() string {
	switch s {
	case AwaitingFirstPause:
		return "awaitingFirstPause"
	case Initialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// VM is the subset of the VM client the router needs.
type VM interface {
	Resume(ctx context.Context, isolate types.IsolateID) error
	EnableStepping(ctx context.Context, isolate types.IsolateID) error
	SetPauseOnException(ctx context.Context, isolate types.IsolateID, mode string) error
	EvaluateAsync(isolate types.IsolateID, frameID int, expression string, done func(string, error)) error
}

// Breakpoints is the subset of the synchronizer the router needs.
type Breakpoints interface {
	RegisterAllPending(ctx context.Context, isolate types.IsolateID, opts breakpoints.MutateOptions) error
	OnIsolateShutdown(isolate types.IsolateID)
	OnBreakpointResolved(bp types.VmBreakpoint)
	Resolve(loc types.Location) (types.LogicalBreakpoint, bool)
	ResolvePending(loc types.Location) (types.LogicalBreakpoint, bool)
	ClaimInterrupt(isolate types.IsolateID) bool
	SetMainIsolate(isolate types.IsolateID) bool
}

// Options configure pause handling.
type Options struct {
	// EntryFunction names the program entry point whose synthetic
	// breakpoint is skipped on the first pause.
	EntryFunction string
	// ExceptionPauseMode is sent with setPauseOnException on the first
	// pause.
	ExceptionPauseMode string
	// EvalTimeout bounds each condition or log evaluation.
	EvalTimeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithStats sets the scope pause counters are reported under.
func WithStats(stats tally.Scope) Option {
	return func(r *Router) {
		r.stats = stats
	}
}

// Router turns VM events into suspend or resume decisions.
type Router struct {
	vm     VM
	bps    Breakpoints
	host   host.Host
	opts   Options
	logger *zap.SugaredLogger
	stats  tally.Scope

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	paused map[types.IsolateID]bool
	last   *types.PauseContext

	stopOnce sync.Once
}

type evalResult struct {
	text string
	err  error
}

// New creates a router in the AwaitingFirstPause state.
func New(v VM, bps Breakpoints, h host.Host, opts Options, options ...Option) *Router {
	if opts.EntryFunction == "" {
		opts.EntryFunction = "main"
	}
	if opts.ExceptionPauseMode == "" {
		opts.ExceptionPauseMode = "unhandled"
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = DefaultEvalTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		vm:     v,
		bps:    bps,
		host:   h,
		opts:   opts,
		logger: zap.NewNop().Sugar(),
		stats:  tally.NoopScope,
		ctx:    ctx,
		cancel: cancel,
		paused: make(map[types.IsolateID]bool),
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// HandleEvent is the router's vm.Listener.
func (r *Router) HandleEvent(ev vm.Event) {
	switch e := ev.(type) {
	case vm.IsolateCreated:
		r.onIsolateCreated(e.Isolate)
	case vm.IsolateShutdown:
		r.setRunning(e.Isolate)
		r.bps.OnIsolateShutdown(e.Isolate)
	case vm.BreakpointResolved:
		r.bps.OnBreakpointResolved(e.Breakpoint)
	case vm.Paused:
		r.onPaused(e.PauseContext)
	case vm.Resumed:
		r.setRunning(e.Isolate)
	case vm.ConnectionClosed:
		r.stopOnce.Do(func() {
			r.cancel()
			r.logger.Infow("debug session stopped", "error", e.Err)
			r.host.SessionStopped()
		})
	default:
		r.logger.Warnw("unhandled event", "event", ev.Name())
	}
}

// State returns the session state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsPaused reports whether the isolate was last seen paused.
func (r *Router) IsPaused(isolate types.IsolateID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[isolate]
}

// LastPause returns the most recent pause that was not skipped.
func (r *Router) LastPause() (types.PauseContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return types.PauseContext{}, false
	}
	return *r.last, true
}

func (r *Router) onIsolateCreated(isolate types.IsolateID) {
	if r.bps.SetMainIsolate(isolate) {
		r.logger.Infow("main isolate", "isolate", isolate)
	}
	if err := r.bps.RegisterAllPending(r.ctx, isolate, breakpoints.MutateOptions{}); err != nil {
		r.logger.Warnw("failed to register breakpoints in new isolate", "isolate", isolate, "error", err)
	}
}

func (r *Router) onPaused(pc types.PauseContext) {
	if pc.Reason == types.PauseInterrupted && r.bps.ClaimInterrupt(pc.Isolate) {
		r.logger.Debugw("ignoring pause caused by breakpoint edit", "isolate", pc.Isolate)
		return
	}

	r.mu.Lock()
	r.paused[pc.Isolate] = true
	first := r.state == AwaitingFirstPause
	r.state = Initialized
	r.mu.Unlock()

	if first {
		r.initialize(pc.Isolate)
		if r.isEntryPause(pc) {
			r.stats.SubScope("pauses").Counter("skipped").Inc(1)
			r.logger.Debugw("skipping entry breakpoint", "isolate", pc.Isolate)
			r.resume(pc.Isolate)
			return
		}
	}

	r.mu.Lock()
	last := pc
	r.last = &last
	r.mu.Unlock()

	if pc.Reason == types.PauseBreakpoint && !pc.IsStepping {
		if top, ok := pc.TopFrame(); ok {
			if bp, ok := r.bps.Resolve(top.Location); ok && (bp.Condition != "" || bp.LogExpression != "") {
				r.onBreakpoint(pc, top, bp)
				return
			}
		}
	}

	r.stats.SubScope("pauses").Counter("suspended").Inc(1)
	r.host.PositionReached(pc)
}

// initialize runs once, on the first pause, with the isolate held paused.
func (r *Router) initialize(isolate types.IsolateID) {
	r.bps.SetMainIsolate(isolate)
	r.logger.Infow("session initialized", "isolate", isolate)

	if err := r.bps.RegisterAllPending(r.ctx, isolate, breakpoints.MutateOptions{KnownPaused: true}); err != nil {
		r.logger.Warnw("failed to flush pending breakpoints", "isolate", isolate, "error", err)
	}
	if err := r.vm.EnableStepping(r.ctx, isolate); err != nil {
		r.logger.Warnw("failed to enable stepping", "isolate", isolate, "error", err)
	}
	if err := r.vm.SetPauseOnException(r.ctx, isolate, r.opts.ExceptionPauseMode); err != nil {
		r.logger.Warnw("failed to set exception pause mode", "isolate", isolate, "mode", r.opts.ExceptionPauseMode, "error", err)
	}
}

// isEntryPause reports a pause at the VM's own breakpoint on the entry
// function, which no user breakpoint asked for.
func (r *Router) isEntryPause(pc types.PauseContext) bool {
	if pc.Reason != types.PauseBreakpoint {
		return false
	}
	top, ok := pc.TopFrame()
	if !ok || top.Function != r.opts.EntryFunction {
		return false
	}
	if _, ok := r.bps.ResolvePending(top.Location); ok {
		return false
	}
	// set after the isolate appeared, so never queued
	_, user := r.bps.Resolve(top.Location)
	return !user
}

func (r *Router) onBreakpoint(pc types.PauseContext, top types.Frame, bp types.LogicalBreakpoint) {
	if bp.Condition != "" {
		if value, ok := r.evaluate(pc.Isolate, top.ID, bp.Condition); ok && value == "false" {
			r.stats.SubScope("pauses").Counter("condition_false").Inc(1)
			r.resume(pc.Isolate)
			return
		}
	}

	var message string
	if bp.LogExpression != "" {
		message, _ = r.evaluate(pc.Isolate, top.ID, bp.LogExpression)
	}

	if r.host.BreakpointReached(bp, message, pc) {
		r.stats.SubScope("pauses").Counter("suspended").Inc(1)
		return
	}
	r.resume(pc.Isolate)
}

// evaluate waits up to the evaluation timeout for an expression value.
// It returns false when no value arrived.
func (r *Router) evaluate(isolate types.IsolateID, frameID int, expression string) (string, bool) {
	ch := make(chan evalResult, 1)
	if err := r.vm.EvaluateAsync(isolate, frameID, expression, func(text string, err error) {
		ch <- evalResult{text: text, err: err}
	}); err != nil {
		r.logger.Warnw("failed to request evaluation", "expression", expression, "error", err)
		return "", false
	}

	timer := time.NewTimer(r.opts.EvalTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			r.logger.Infow("evaluation failed", "expression", expression, "error", res.err)
			return "", false
		}
		return res.text, true
	case <-timer.C:
		r.stats.SubScope("eval").Counter("timeouts").Inc(1)
		r.logger.Warnw("evaluation timed out",
			"error", errors.EvaluationTimeout(expression, r.opts.EvalTimeout.Milliseconds()))
		return "", false
	case <-r.ctx.Done():
		return "", false
	}
}

func (r *Router) resume(isolate types.IsolateID) {
	if err := r.vm.Resume(r.ctx, isolate); err != nil {
		r.logger.Warnw("failed to resume isolate", "isolate", isolate, "error", err)
		return
	}
	r.setRunning(isolate)
}

func (r *Router) setRunning(isolate types.IsolateID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, isolate)
}
