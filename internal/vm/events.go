package vm

import (
	"github.com/ctagard/vmdbg/pkg/types"
)

// Event is an unsolicited message from the VM, or the synthetic
// ConnectionClosed. The set of implementations is closed; consumers switch
// on the concrete type.
type Event interface {
	// Name returns the wire name of the event.
	Name() string
	isEvent()
}

// IsolateCreated reports a new isolate.
type IsolateCreated struct {
	Isolate types.IsolateID
}

// IsolateShutdown reports an isolate that exited. Its breakpoints are gone.
type IsolateShutdown struct {
	Isolate types.IsolateID
}

// BreakpointResolved reports that the VM bound a breakpoint to code.
type BreakpointResolved struct {
	Breakpoint types.VmBreakpoint
}

// Paused reports that an isolate stopped.
type Paused struct {
	types.PauseContext
}

// Resumed reports that an isolate is running again.
type Resumed struct {
	Isolate types.IsolateID
}

// ConnectionClosed is delivered exactly once, after every other event, when
// the connection ends for any reason. Err is nil for a local Close.
type ConnectionClosed struct {
	Err error
}

func (IsolateCreated) Name() string     { return "isolateCreated" }
func (IsolateShutdown) Name() string    { return "isolateShutdown" }
func (BreakpointResolved) Name() string { return "breakpointResolved" }
func (Paused) Name() string             { return "paused" }
func (Resumed) Name() string            { return "resumed" }
func (ConnectionClosed) Name() string   { return "connectionClosed" }

func (IsolateCreated) isEvent()     {}
func (IsolateShutdown) isEvent()    {}
func (BreakpointResolved) isEvent() {}
func (Paused) isEvent()             {}
func (Resumed) isEvent()            {}
func (ConnectionClosed) isEvent()   {}

// Listener receives events. Listeners run on the client's single dispatch
// goroutine and may block; later events wait for them.
type Listener func(Event)
