package breakpoints

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"

	"github.com/ctagard/vmdbg/pkg/types"
)

// Status is a snapshot of one logical breakpoint.
type Status struct {
	Breakpoint types.LogicalBreakpoint `json:"breakpoint"`
	URL        string                  `json:"url"`
	Pending    bool                    `json:"pending"`
	Verified   bool                    `json:"verified"`
	Instances  []types.VmBreakpoint    `json:"instances,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Breakpoints returns every registered logical breakpoint in registration
// order.
func (s *Synchronizer) Breakpoints() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.orderedEntriesLocked()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		st := Status{
			Breakpoint: e.bp,
			URL:        e.url,
			Pending:    s.isPendingLocked(e.bp.Key()),
			Instances:  instancesOf(e),
		}
		for _, vmbp := range st.Instances {
			st.Verified = st.Verified || vmbp.Resolved
		}
		if e.err != nil {
			st.Error = e.err.Error()
		}
		out = append(out, st)
	}
	return out
}

// VmBreakpoints returns the VM breakpoints of one logical breakpoint.
func (s *Synchronizer) VmBreakpoints(key types.BreakpointKey) []types.VmBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.logicalToVm[key]
	if !ok {
		return nil
	}
	return instancesOf(e)
}

// Pending returns the breakpoints registered before a main isolate existed.
func (s *Synchronizer) Pending() []types.LogicalBreakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.LogicalBreakpoint, 0, len(s.pending))
	for _, key := range s.pending {
		if e, ok := s.logicalToVm[key]; ok {
			out = append(out, e.bp)
		}
	}
	return out
}

// CheckConsistency verifies that the forward and reverse indices describe
// the same set of VM breakpoints.
func (s *Synchronizer) CheckConsistency() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs error
	forward := 0
	for key, e := range s.logicalToVm {
		if e.bp.Key() != key {
			errs = multierr.Append(errs, fmt.Errorf("entry %s stored under %s", e.bp.Key(), key))
		}
		for iso, vmbp := range e.vms {
			forward++
			if vmbp.Isolate != iso {
				errs = multierr.Append(errs, fmt.Errorf("%s: breakpoint %d of isolate %s stored under isolate %s", key, vmbp.ID, vmbp.Isolate, iso))
			}
			if _, live := s.isolates[iso]; !live {
				errs = multierr.Append(errs, fmt.Errorf("%s: breakpoint %d belongs to dead isolate %s", key, vmbp.ID, iso))
			}
			owner, ok := s.vmIdToLogical[vmKey{isolate: iso, id: vmbp.ID}]
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("%s: breakpoint %d in isolate %s missing from reverse index", key, vmbp.ID, iso))
				continue
			}
			if owner != key {
				errs = multierr.Append(errs, fmt.Errorf("%s: breakpoint %d in isolate %s owned by %s in reverse index", key, vmbp.ID, iso, owner))
			}
		}
	}
	if forward != len(s.vmIdToLogical) {
		for k, key := range s.vmIdToLogical {
			e, ok := s.logicalToVm[key]
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("reverse index entry %s/%d points at unknown %s", k.isolate, k.id, key))
				continue
			}
			if vmbp, ok := e.vms[k.isolate]; !ok || vmbp.ID != k.id {
				errs = multierr.Append(errs, fmt.Errorf("reverse index entry %s/%d not present for %s", k.isolate, k.id, key))
			}
		}
	}
	return errs
}

func instancesOf(e *entry) []types.VmBreakpoint {
	out := make([]types.VmBreakpoint, 0, len(e.vms))
	for _, vmbp := range e.vms {
		out = append(out, vmbp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Isolate, out[j].Isolate
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	return out
}
