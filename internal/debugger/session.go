// Package debugger ties a VM connection, its breakpoint synchronizer and
// its pause router into debug sessions.
package debugger

import (
	"context"
	"fmt"
	"sync"
	"time"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/breakpoints"
	"github.com/ctagard/vmdbg/internal/clock"
	"github.com/ctagard/vmdbg/internal/errors"
	"github.com/ctagard/vmdbg/internal/host"
	"github.com/ctagard/vmdbg/internal/pause"
	"github.com/ctagard/vmdbg/internal/vm"
	"github.com/ctagard/vmdbg/internal/version"
	"github.com/ctagard/vmdbg/pkg/types"
)

// maxQueuedEdits bounds breakpoint edits waiting for the session worker.
const maxQueuedEdits = 256

// StepKind selects a step command.
type StepKind string

const (
	StepInto StepKind = "into"
	StepOver StepKind = "over"
	StepOut  StepKind = "out"
)

// Session is one attached VM.
type Session struct {
	ID        string
	Address   string
	CreatedAt time.Time

	client *vm.Client
	sync   *breakpoints.Synchronizer
	router *pause.Router
	host   host.Host
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	closed   bool
	lastUsed time.Time
	protocol version.ProtocolInfo

	ctx        context.Context
	cancel     context.CancelFunc
	edits      chan edit
	workerDone chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

// edit is one queued breakpoint change.
type edit struct {
	run  func(ctx context.Context) error
	done chan error
}

// Snapshot is a point-in-time view of a session for diagnostics.
type Snapshot struct {
	Info        types.SessionInfo         `json:"info"`
	Protocol    version.ProtocolInfo      `json:"protocol"`
	State       string                    `json:"state"`
	Isolates    []types.IsolateID         `json:"isolates"`
	LastPause   *types.PauseContext       `json:"lastPause,omitempty"`
	Breakpoints []breakpoints.Status      `json:"breakpoints"`
	Pending     []types.LogicalBreakpoint `json:"pending"`
	Consistency string                    `json:"consistency"`
}

// sessionParams carries what newSession needs from the manager.
type sessionParams struct {
	id      string
	address string
	client  *vm.Client
	host    host.Host
	vm      pauseConfig
	clock   clock.Clock
	logger  *zap.SugaredLogger
	stats   tally.Scope
}

type pauseConfig struct {
	entryFunction      string
	exceptionPauseMode string
	evalTimeout        time.Duration
}

func newSession(p sessionParams) *Session {
	logger := p.logger.With("session", p.id)
	bps := breakpoints.New(p.client, p.host,
		breakpoints.WithLogger(logger),
		breakpoints.WithStats(p.stats))
	router := pause.New(p.client, bps, p.host, pause.Options{
		EntryFunction:      p.vm.entryFunction,
		ExceptionPauseMode: p.vm.exceptionPauseMode,
		EvalTimeout:        p.vm.evalTimeout,
	}, pause.WithLogger(logger), pause.WithStats(p.stats))

	now := p.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         p.id,
		Address:    p.address,
		CreatedAt:  now,
		client:     p.client,
		sync:       bps,
		router:     router,
		host:       p.host,
		clock:      p.clock,
		logger:     logger,
		lastUsed:   now,
		ctx:        ctx,
		cancel:     cancel,
		edits:      make(chan edit, maxQueuedEdits),
		workerDone: make(chan struct{}),
	}

	p.client.AddListener(router.HandleEvent)
	go s.worker()

	return s
}

// AddBreakpoint registers a breakpoint and waits for the VM round trips.
func (s *Session) AddBreakpoint(ctx context.Context, bp types.LogicalBreakpoint) error {
	if err := s.use(); err != nil {
		return err
	}
	return s.sync.Register(ctx, bp)
}

// RemoveBreakpoint unregisters a breakpoint and waits for the VM round trips.
func (s *Session) RemoveBreakpoint(ctx context.Context, bp types.LogicalBreakpoint) error {
	if err := s.use(); err != nil {
		return err
	}
	return s.sync.Unregister(ctx, bp)
}

// AddBreakpointAsync queues a breakpoint registration on the session worker
// and returns at once. The channel receives the outcome.
func (s *Session) AddBreakpointAsync(bp types.LogicalBreakpoint) <-chan error {
	return s.enqueue(func(ctx context.Context) error {
		return s.sync.Register(ctx, bp)
	})
}

// RemoveBreakpointAsync is RemoveBreakpoint on the session worker.
func (s *Session) RemoveBreakpointAsync(bp types.LogicalBreakpoint) <-chan error {
	return s.enqueue(func(ctx context.Context) error {
		return s.sync.Unregister(ctx, bp)
	})
}

// Breakpoints returns the session's breakpoints.
func (s *Session) Breakpoints() []breakpoints.Status {
	return s.sync.Breakpoints()
}

// Resume continues the main isolate.
func (s *Session) Resume(ctx context.Context) error {
	main, err := s.mainIsolate()
	if err != nil {
		return err
	}
	return s.client.Resume(ctx, main)
}

// Pause interrupts the main isolate.
func (s *Session) Pause(ctx context.Context) error {
	main, err := s.mainIsolate()
	if err != nil {
		return err
	}
	s.sync.RequestPause(main)
	wasPaused, err := s.client.Interrupt(ctx, main)
	if err != nil {
		s.sync.CancelPause(main)
		return err
	}
	if wasPaused {
		s.sync.CancelPause(main)
		s.logger.Debugw("pause requested for paused isolate", "isolate", main)
	}
	return nil
}

// Step runs one step command on the main isolate.
func (s *Session) Step(ctx context.Context, kind StepKind) error {
	main, err := s.mainIsolate()
	if err != nil {
		return err
	}

	switch kind {
	case StepInto:
		err = s.client.StepInto(ctx, main)
	case StepOver:
		err = s.client.StepOver(ctx, main)
	case StepOut:
		err = s.client.StepOut(ctx, main)
	default:
		return errors.InvalidParameter("kind", kind, "one of: into, over, out")
	}
	if err != nil {
		return errors.StepFailed(string(kind), err)
	}
	return nil
}

// Info returns the session summary.
func (s *Session) Info() types.SessionInfo {
	return types.SessionInfo{
		SessionID:   s.ID,
		Address:     s.Address,
		Status:      s.status(),
		MainIsolate: s.sync.MainIsolate(),
		CreatedAt:   s.CreatedAt,
	}
}

// Snapshot returns the session's full debugger state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	protocol := s.protocol
	s.mu.RUnlock()

	snap := Snapshot{
		Info:        s.Info(),
		Protocol:    protocol,
		State:       s.router.State().String(),
		Isolates:    s.sync.Isolates(),
		Breakpoints: s.sync.Breakpoints(),
		Pending:     s.sync.Pending(),
		Consistency: "ok",
	}
	if pc, ok := s.router.LastPause(); ok {
		snap.LastPause = &pc
	}
	if err := s.sync.CheckConsistency(); err != nil {
		snap.Consistency = err.Error()
	}
	return snap
}

// Done is closed when the VM connection has ended and the host has been told.
func (s *Session) Done() <-chan struct{} {
	return s.client.Done()
}

// Close stops the worker and disconnects from the VM. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		<-s.workerDone

		s.closeErr = multierr.Append(s.closeErr, s.client.Close())
		<-s.client.Done()
	})
	return s.closeErr
}

// attach runs the post-connect checks.
func (s *Session) attach(ctx context.Context, minProtocol string, syncIsolates bool) {
	if actual, err := s.client.ProtocolVersion(ctx); err != nil {
		s.logger.Infow("VM did not report a protocol version", "error", err)
	} else {
		info, err := version.CheckProtocol(actual, minProtocol)
		if err != nil {
			s.logger.Warnw("VM protocol version is older than supported", "error", err)
		}
		s.mu.Lock()
		s.protocol = info
		s.mu.Unlock()
	}

	if !syncIsolates {
		return
	}
	isolates, err := s.client.Isolates(ctx)
	if err != nil {
		s.logger.Infow("could not list existing isolates", "error", err)
		return
	}
	for _, iso := range isolates {
		// handled in order with the events the VM sends
		s.client.Dispatch(vm.IsolateCreated{Isolate: iso})
	}
}

func (s *Session) status() types.SessionStatus {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	switch {
	case closed || s.client.Closed():
		return types.SessionStatusTerminated
	case s.router.State() == pause.AwaitingFirstPause:
		return types.SessionStatusInitializing
	case s.router.IsPaused(s.sync.MainIsolate()):
		return types.SessionStatusPaused
	default:
		return types.SessionStatusRunning
	}
}

func (s *Session) mainIsolate() (types.IsolateID, error) {
	if err := s.use(); err != nil {
		return "", err
	}
	main := s.sync.MainIsolate()
	if main == "" {
		return "", errors.NoMainIsolate()
	}
	return main, nil
}

// use marks the session active and fails once it has ended.
func (s *Session) use() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.client.Closed() {
		return errors.SessionTerminated(s.ID)
	}
	s.lastUsed = s.clock.Now()
	return nil
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

func (s *Session) enqueue(run func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	if err := s.use(); err != nil {
		done <- err
		return done
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		done <- errors.SessionTerminated(s.ID)
		return done
	}
	select {
	case s.edits <- edit{run: run, done: done}:
	default:
		done <- fmt.Errorf("session %s has too many queued breakpoint edits", s.ID)
	}
	return done
}

// worker applies queued breakpoint edits one at a time.
func (s *Session) worker() {
	defer close(s.workerDone)

	for {
		select {
		case e := <-s.edits:
			e.done <- e.run(s.ctx)
		case <-s.ctx.Done():
			for {
				select {
				case e := <-s.edits:
					e.done <- errors.SessionTerminated(s.ID)
				default:
					return
				}
			}
		}
	}
}
