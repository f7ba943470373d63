// Package host defines the boundary between the debugger core and the
// application that drives it.
package host

import (
	"github.com/ctagard/vmdbg/pkg/types"
)

//go:generate mockgen -destination=hostmock/host_mock.go -package=hostmock github.com/ctagard/vmdbg/internal/host Host

// Host receives notifications from a debug session. Every method is called
// from the session's event goroutine unless noted otherwise, and must return
// promptly.
type Host interface {
	// BreakpointVerified reports that the VM bound bp to executable code.
	BreakpointVerified(bp types.LogicalBreakpoint)

	// BreakpointInvalid reports that the VM rejected bp. It may be called
	// from whichever goroutine registered the breakpoint.
	BreakpointInvalid(bp types.LogicalBreakpoint, err error)

	// PositionReached reports a pause that did not come from a conditional
	// or logging breakpoint.
	PositionReached(pause types.PauseContext)

	// BreakpointReached reports a pause at bp with its evaluated log
	// message. It returns whether the isolate should stay suspended.
	BreakpointReached(bp types.LogicalBreakpoint, logMessage string, pause types.PauseContext) bool

	// SessionStopped reports the end of the session.
	SessionStopped()
}
