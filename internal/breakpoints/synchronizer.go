// Package breakpoints keeps host breakpoints and VM breakpoints in step.
//
// A logical breakpoint (file and line) owns at most one VM breakpoint per
// isolate. Every edit of VM breakpoints happens inside a per-isolate
// critical section that interrupts the isolate, applies the edit and resumes
// it again only if it was running before, so edits never change whether the
// program runs.
package breakpoints

import (
	"context"
	"fmt"
	"sort"
	"sync"

	tally "github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ctagard/vmdbg/internal/errors"
	"github.com/ctagard/vmdbg/internal/host"
	"github.com/ctagard/vmdbg/pkg/types"
)

// VM is the subset of the VM client the synchronizer needs. Lines are
// 1-based on this interface.
type VM interface {
	SetBreakpoint(ctx context.Context, isolate types.IsolateID, url string, line int) (types.VmBreakpoint, error)
	RemoveBreakpoint(ctx context.Context, isolate types.IsolateID, id int) error
	Interrupt(ctx context.Context, isolate types.IsolateID) (wasPaused bool, err error)
	Resume(ctx context.Context, isolate types.IsolateID) error
}

// MutateOptions tune one pause-mutate-resume round.
type MutateOptions struct {
	// KnownPaused skips the interrupt and the resume because the caller
	// already holds the isolate paused.
	KnownPaused bool
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithLogger sets the synchronizer's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithStats sets the scope breakpoint counters are reported under.
func WithStats(stats tally.Scope) Option {
	return func(s *Synchronizer) {
		s.stats = stats
	}
}

// WithPathResolver sets how host files map to VM URLs.
func WithPathResolver(paths host.PathResolver) Option {
	return func(s *Synchronizer) {
		s.paths = paths
	}
}

// entry is one registered logical breakpoint.
type entry struct {
	bp  types.LogicalBreakpoint
	seq int
	url string
	err error
	vms map[types.IsolateID]types.VmBreakpoint

	// isolates that rejected the breakpoint; not retried until re-registered
	rejected map[types.IsolateID]bool
}

// vmKey identifies a VM breakpoint. Ids are only unique per isolate.
type vmKey struct {
	isolate types.IsolateID
	id      int
}

// isolateState is the per-isolate critical section plus the bookkeeping
// used to recognize pauses caused by our own interrupts.
type isolateState struct {
	lock sync.Mutex

	// guarded by Synchronizer.mu
	inFlight int
	expected int
	claimed  int
	// user pause requests not yet matched to a pause event
	userPauses int
	// pauses handed to the user so far
	reported int
}

// Synchronizer owns the mapping between logical and VM breakpoints.
type Synchronizer struct {
	vm     VM
	host   host.Host
	paths  host.PathResolver
	logger *zap.SugaredLogger
	stats  tally.Scope

	mu            sync.Mutex
	logicalToVm   map[types.BreakpointKey]*entry
	vmIdToLogical map[vmKey]types.BreakpointKey
	pending       []types.BreakpointKey
	isolates      map[types.IsolateID]*isolateState
	main          types.IsolateID
	nextSeq       int

	// resolutions that arrived before the setBreakpoint response was recorded
	early map[vmKey]types.VmBreakpoint
}

// New creates a synchronizer issuing requests through vm and reporting to h.
func New(vm VM, h host.Host, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		vm:            vm,
		host:          h,
		paths:         host.URIResolver{},
		logger:        zap.NewNop().Sugar(),
		stats:         tally.NoopScope,
		logicalToVm:   make(map[types.BreakpointKey]*entry),
		vmIdToLogical: make(map[vmKey]types.BreakpointKey),
		isolates:      make(map[types.IsolateID]*isolateState),
		early:         make(map[vmKey]types.VmBreakpoint),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stats = s.stats.SubScope("breakpoints")
	return s
}

// Register adds a logical breakpoint. Before a main isolate is known it is
// only queued. Otherwise it is set in every known isolate. A breakpoint the
// VM rejects is reported to the host as invalid and does not fail Register.
func (s *Synchronizer) Register(ctx context.Context, bp types.LogicalBreakpoint) error {
	url, err := s.paths.ToURL(bp.File)
	if err != nil {
		err = errors.BreakpointFailed(bp.File, bp.Line+1, err)
		s.stats.Counter("invalid").Inc(1)
		s.host.BreakpointInvalid(bp, err)
		return err
	}

	key := bp.Key()
	s.mu.Lock()
	e, ok := s.logicalToVm[key]
	if ok {
		e.bp = bp
		e.url = url
		e.rejected = make(map[types.IsolateID]bool)
	} else {
		e = &entry{
			bp:       bp,
			seq:      s.nextSeq,
			url:      url,
			vms:      make(map[types.IsolateID]types.VmBreakpoint),
			rejected: make(map[types.IsolateID]bool),
		}
		s.nextSeq++
		s.logicalToVm[key] = e
	}
	if s.main == "" {
		if !s.isPendingLocked(key) {
			s.pending = append(s.pending, key)
		}
		s.mu.Unlock()
		s.logger.Debugw("queued breakpoint until an isolate exists", "breakpoint", key)
		return nil
	}
	isolates := s.isolateIDsLocked()
	s.mu.Unlock()

	return s.fanOut(isolates, func(iso types.IsolateID) error {
		return s.mutate(ctx, iso, MutateOptions{}, func(ctx context.Context) error {
			return s.registerInto(ctx, iso, key)
		})
	})
}

// Unregister removes a logical breakpoint and deletes its VM breakpoints.
// Removing a breakpoint that was never set is a no-op.
func (s *Synchronizer) Unregister(ctx context.Context, bp types.LogicalBreakpoint) error {
	key := bp.Key()

	s.mu.Lock()
	s.removePendingLocked(key)
	e, ok := s.logicalToVm[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.logicalToVm, key)
	byIsolate := make(map[types.IsolateID][]types.VmBreakpoint)
	for iso, vmbp := range e.vms {
		delete(s.vmIdToLogical, vmKey{isolate: iso, id: vmbp.ID})
		if _, known := s.isolates[iso]; known {
			byIsolate[iso] = append(byIsolate[iso], vmbp)
		}
	}
	s.mu.Unlock()

	isolates := make([]types.IsolateID, 0, len(byIsolate))
	for iso := range byIsolate {
		isolates = append(isolates, iso)
	}
	sortIsolates(isolates)

	return s.fanOut(isolates, func(iso types.IsolateID) error {
		return s.mutate(ctx, iso, MutateOptions{}, func(ctx context.Context) error {
			var errs error
			for _, vmbp := range byIsolate[iso] {
				if err := s.vm.RemoveBreakpoint(ctx, iso, vmbp.ID); err != nil {
					s.logger.Warnw("failed to remove VM breakpoint", "breakpoint", key, "isolate", iso, "id", vmbp.ID, "error", err)
					errs = multierr.Append(errs, err)
					continue
				}
				s.stats.Counter("removed").Inc(1)
			}
			return errs
		})
	})
}

// RegisterAllPending sets every registered logical breakpoint in isolate
// that does not have a VM breakpoint there yet, in one pause-mutate-resume
// round. The isolate becomes known to the synchronizer.
func (s *Synchronizer) RegisterAllPending(ctx context.Context, isolate types.IsolateID, opts MutateOptions) error {
	s.mu.Lock()
	s.isolateLocked(isolate)
	var keys []types.BreakpointKey
	for _, e := range s.orderedEntriesLocked() {
		if _, ok := e.vms[isolate]; !ok && !e.rejected[isolate] {
			keys = append(keys, e.bp.Key())
		}
	}
	s.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}

	return s.mutate(ctx, isolate, opts, func(ctx context.Context) error {
		var errs error
		for _, key := range keys {
			errs = multierr.Append(errs, s.registerInto(ctx, isolate, key))
		}
		return errs
	})
}

// OnIsolateShutdown forgets an isolate and every VM breakpoint it owned.
func (s *Synchronizer) OnIsolateShutdown(isolate types.IsolateID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.isolates[isolate]; !ok {
		s.stats.Counter("anomalies").Inc(1)
		s.logger.Warnw("shutdown for unknown isolate", "isolate", isolate)
		return
	}
	delete(s.isolates, isolate)

	for _, e := range s.logicalToVm {
		if vmbp, ok := e.vms[isolate]; ok {
			delete(s.vmIdToLogical, vmKey{isolate: isolate, id: vmbp.ID})
			delete(e.vms, isolate)
		}
		delete(e.rejected, isolate)
	}
	for k := range s.early {
		if k.isolate == isolate {
			delete(s.early, k)
		}
	}
}

// Resolve returns the logical breakpoint owning a VM breakpoint at loc.
func (s *Synchronizer) Resolve(loc types.Location) (types.LogicalBreakpoint, bool) {
	loc = s.canonical(loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.orderedEntriesLocked() {
		for _, vmbp := range e.vms {
			if vmbp.Location.Matches(loc) {
				return e.bp, true
			}
		}
	}
	return types.LogicalBreakpoint{}, false
}

// ResolvePending returns the queued breakpoint at loc, matching either a VM
// breakpoint already set for it or the URL and line it was requested at.
func (s *Synchronizer) ResolvePending(loc types.Location) (types.LogicalBreakpoint, bool) {
	loc = s.canonical(loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.pending {
		e, ok := s.logicalToVm[key]
		if !ok {
			continue
		}
		if types.NewLineLocation(e.url, e.bp.Line+1).Matches(loc) {
			return e.bp, true
		}
		for _, vmbp := range e.vms {
			if vmbp.Location.Matches(loc) {
				return e.bp, true
			}
		}
	}
	return types.LogicalBreakpoint{}, false
}

// OnBreakpointResolved records that the VM bound a breakpoint and tells the
// host it is verified. Unknown ids are logged and otherwise ignored.
func (s *Synchronizer) OnBreakpointResolved(vmbp types.VmBreakpoint) {
	vmbp.Location = s.canonical(vmbp.Location)
	k := vmKey{isolate: vmbp.Isolate, id: vmbp.ID}

	s.mu.Lock()
	key, ok := s.vmIdToLogical[k]
	if !ok {
		if _, known := s.isolates[vmbp.Isolate]; known {
			s.early[k] = vmbp
		}
		s.mu.Unlock()
		s.stats.Counter("anomalies").Inc(1)
		s.logger.Warnw("resolved breakpoint has no owner",
			"error", errors.AnomalousEvent("breakpointResolved", fmt.Sprintf("unknown breakpoint id %d in isolate %s", vmbp.ID, vmbp.Isolate)))
		return
	}
	e := s.logicalToVm[key]
	e.vms[vmbp.Isolate] = vmbp
	bp := e.bp
	s.mu.Unlock()

	s.host.BreakpointVerified(bp)
}

// ClaimInterrupt reports whether a paused(interrupted) event for isolate
// was caused by a breakpoint edit and should be ignored. Each interrupt that
// paused a running isolate can be claimed once.
func (s *Synchronizer) ClaimInterrupt(isolate types.IsolateID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.isolates[isolate]
	if !ok {
		return false
	}
	if st.userPauses > 0 {
		// one event answers both interrupts; the user gets it
		st.userPauses--
		st.reported++
		switch {
		case st.expected > 0:
			st.expected--
		case st.inFlight > 0:
			st.claimed++
		}
		return false
	}
	switch {
	case st.expected > 0:
		st.expected--
		return true
	case st.inFlight > 0:
		// the event overtook the interrupt response
		st.claimed++
		return true
	default:
		return false
	}
}

// RequestPause records that the user is about to interrupt isolate, so the
// next interrupted pause is reported even while a breakpoint edit is in
// flight. An edit that overlaps such a pause leaves the isolate paused.
func (s *Synchronizer) RequestPause(isolate types.IsolateID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isolateLocked(isolate).userPauses++
}

// CancelPause withdraws a RequestPause whose interrupt produced no pause
// event. The request is kept while an edit's pause is still due, since that
// pause will answer it.
func (s *Synchronizer) CancelPause(isolate types.IsolateID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.isolates[isolate]
	if !ok || st.userPauses == 0 {
		return
	}
	if st.expected == 0 && st.inFlight == 0 {
		st.userPauses--
	}
}

// SetMainIsolate records the main isolate if none is set yet and reports
// whether it did.
func (s *Synchronizer) SetMainIsolate(isolate types.IsolateID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.main != "" {
		return false
	}
	s.main = isolate
	s.isolateLocked(isolate)
	return true
}

// MainIsolate returns the main isolate, or "" before one is known.
func (s *Synchronizer) MainIsolate() types.IsolateID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.main
}

// Isolates returns the live isolates in order.
func (s *Synchronizer) Isolates() []types.IsolateID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isolateIDsLocked()
}

// registerInto sets one logical breakpoint in one isolate. It runs inside
// the isolate's critical section.
func (s *Synchronizer) registerInto(ctx context.Context, isolate types.IsolateID, key types.BreakpointKey) error {
	s.mu.Lock()
	e, ok := s.logicalToVm[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if _, done := e.vms[isolate]; done {
		s.mu.Unlock()
		return nil
	}
	bp, url := e.bp, e.url
	s.mu.Unlock()

	vmbp, err := s.vm.SetBreakpoint(ctx, isolate, url, bp.Line+1)
	if err != nil {
		if errors.IsProtocolError(err) {
			s.mu.Lock()
			if cur, ok := s.logicalToVm[key]; ok {
				cur.err = err
				cur.rejected[isolate] = true
			}
			s.mu.Unlock()
			s.stats.Counter("invalid").Inc(1)
			s.logger.Infow("VM rejected breakpoint", "breakpoint", key, "isolate", isolate, "error", err)
			s.host.BreakpointInvalid(bp, errors.BreakpointFailed(bp.File, bp.Line+1, err))
			return nil
		}
		return errors.BreakpointFailed(bp.File, bp.Line+1, err)
	}
	vmbp.Location = s.canonical(vmbp.Location)
	k := vmKey{isolate: isolate, id: vmbp.ID}

	s.mu.Lock()
	cur, ok := s.logicalToVm[key]
	if !ok {
		// unregistered while the request was in flight
		s.mu.Unlock()
		return s.vm.RemoveBreakpoint(ctx, isolate, vmbp.ID)
	}
	if _, live := s.isolates[isolate]; !live {
		s.mu.Unlock()
		return nil
	}
	if early, ok := s.early[k]; ok {
		delete(s.early, k)
		vmbp.Location = early.Location
		vmbp.Resolved = true
	}
	cur.vms[isolate] = vmbp
	cur.err = nil
	s.vmIdToLogical[k] = key
	bp = cur.bp
	s.mu.Unlock()

	s.stats.Counter("registered").Inc(1)
	s.logger.Debugw("breakpoint set", "breakpoint", key, "isolate", isolate, "id", vmbp.ID, "resolved", vmbp.Resolved)
	if vmbp.Resolved {
		s.host.BreakpointVerified(bp)
	}
	return nil
}

// mutate runs fn inside the pause-mutate-resume critical section for
// isolate. A failed resume is logged and returned; edits already applied
// are kept.
func (s *Synchronizer) mutate(ctx context.Context, isolate types.IsolateID, opts MutateOptions, fn func(context.Context) error) error {
	s.mu.Lock()
	st, ok := s.isolates[isolate]
	s.mu.Unlock()
	if !ok {
		// shut down since the caller looked
		return nil
	}

	st.lock.Lock()
	defer st.lock.Unlock()

	if opts.KnownPaused {
		return fn(ctx)
	}

	s.mu.Lock()
	st.inFlight++
	reported := st.reported
	s.mu.Unlock()

	wasPaused, err := s.vm.Interrupt(ctx, isolate)

	s.mu.Lock()
	st.inFlight--
	if err == nil && !wasPaused {
		if st.claimed > 0 {
			st.claimed--
		} else {
			st.expected++
		}
	}
	if st.inFlight == 0 {
		st.claimed = 0
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to interrupt isolate %s: %w", isolate, err)
	}

	err = fn(ctx)

	s.mu.Lock()
	userPaused := st.reported != reported
	s.mu.Unlock()
	if userPaused {
		s.logger.Debugw("leaving isolate paused for user pause request", "isolate", isolate)
		return err
	}

	if !wasPaused {
		if rerr := s.vm.Resume(ctx, isolate); rerr != nil {
			s.logger.Warnw("failed to resume isolate after breakpoint edit", "isolate", isolate, "error", rerr)
			err = multierr.Append(err, fmt.Errorf("failed to resume isolate %s: %w", isolate, rerr))
		}
	}
	return err
}

// fanOut runs fn for each isolate concurrently and combines all errors.
func (s *Synchronizer) fanOut(isolates []types.IsolateID, fn func(types.IsolateID) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs error
	)
	for _, iso := range isolates {
		iso := iso
		g.Go(func() error {
			if err := fn(iso); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// canonical rewrites a VM URL through the path resolver so locations
// reported in different spellings compare equal.
func (s *Synchronizer) canonical(loc types.Location) types.Location {
	if file, ok := s.paths.ToFile(loc.URL); ok {
		if url, err := s.paths.ToURL(file); err == nil {
			loc.URL = url
		}
	}
	return loc
}

func (s *Synchronizer) isolateLocked(isolate types.IsolateID) *isolateState {
	st, ok := s.isolates[isolate]
	if !ok {
		st = &isolateState{}
		s.isolates[isolate] = st
	}
	return st
}

func (s *Synchronizer) isolateIDsLocked() []types.IsolateID {
	ids := make([]types.IsolateID, 0, len(s.isolates))
	for iso := range s.isolates {
		ids = append(ids, iso)
	}
	sortIsolates(ids)
	return ids
}

func (s *Synchronizer) orderedEntriesLocked() []*entry {
	entries := make([]*entry, 0, len(s.logicalToVm))
	for _, e := range s.logicalToVm {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (s *Synchronizer) isPendingLocked(key types.BreakpointKey) bool {
	for _, k := range s.pending {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Synchronizer) removePendingLocked(key types.BreakpointKey) {
	for i, k := range s.pending {
		if k == key {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func sortIsolates(ids []types.IsolateID) {
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
}
