package vm

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/ctagard/vmdbg/pkg/types"
)

// Commands understood by the VM.
const (
	CmdSetBreakpoint       = "setBreakpoint"
	CmdRemoveBreakpoint    = "removeBreakpoint"
	CmdInterrupt           = "interrupt"
	CmdResume              = "resume"
	CmdStepInto            = "stepInto"
	CmdStepOver            = "stepOver"
	CmdStepOut             = "stepOut"
	CmdEnableStepping      = "enableStepping"
	CmdSetPauseOnException = "setPauseOnException"
	CmdEvaluate            = "evaluateExpr"
	CmdGetVersion          = "getVersion"
	CmdGetIsolateList      = "getIsolateList"
)

// Wire names of VM events.
const (
	EventIsolate            = "isolate"
	EventBreakpointResolved = "breakpointResolved"
	EventPaused             = "paused"
	EventResumed            = "resumed"
)

type request struct {
	ID      int64       `json:"id"`
	Command string      `json:"command"`
	Params  interface{} `json:"params,omitempty"`
}

type isolateParams struct {
	IsolateID types.IsolateID `json:"isolateId"`
}

type setBreakpointParams struct {
	IsolateID types.IsolateID `json:"isolateId"`
	URL       string          `json:"url"`
	Line      int             `json:"line"`
}

type removeBreakpointParams struct {
	IsolateID    types.IsolateID `json:"isolateId"`
	BreakpointID int             `json:"breakpointId"`
}

type pauseOnExceptionParams struct {
	IsolateID  types.IsolateID `json:"isolateId"`
	Exceptions string          `json:"exceptions"`
}

type evaluateParams struct {
	IsolateID  types.IsolateID `json:"isolateId"`
	FrameID    int             `json:"frameId"`
	Expression string          `json:"expression"`
}

type wireLocation struct {
	URL      string `json:"url"`
	Line     int    `json:"line,omitempty"`
	TokenPos *int   `json:"tokenPos,omitempty"`
}

func (l wireLocation) location() types.Location {
	loc := types.Location{URL: l.URL, Line: l.Line, TokenOffset: -1}
	if l.TokenPos != nil {
		loc.TokenOffset = *l.TokenPos
	}
	return loc
}

type wireBreakpoint struct {
	ID       int           `json:"id"`
	Resolved bool          `json:"resolved"`
	Location *wireLocation `json:"location,omitempty"`
}

type setBreakpointResult struct {
	BreakpointID int           `json:"breakpointId"`
	Resolved     bool          `json:"resolved"`
	Location     *wireLocation `json:"location,omitempty"`
}

type interruptResult struct {
	WasPaused bool `json:"wasPaused"`
}

type evaluateResult struct {
	Text string `json:"text"`
}

type versionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type isolateListResult struct {
	IsolateIDs []types.IsolateID `json:"isolateIds"`
}

type wireFrame struct {
	ID       int          `json:"id"`
	Function string       `json:"function"`
	Location wireLocation `json:"location"`
}

type isolateEventParams struct {
	Reason string          `json:"reason"`
	ID     types.IsolateID `json:"id"`
}

type breakpointResolvedParams struct {
	IsolateID  types.IsolateID `json:"isolateId"`
	Breakpoint wireBreakpoint  `json:"breakpoint"`
}

type pausedParams struct {
	IsolateID  types.IsolateID `json:"isolateId"`
	Reason     string          `json:"reason"`
	CallFrames []wireFrame     `json:"callFrames"`
	Exception  string          `json:"exception,omitempty"`
	IsStepping bool            `json:"isStepping"`
}

type messageKind int

const (
	kindUnknown messageKind = iota
	kindResponse
	kindEvent
)

// envelope is the result of classifying one raw message.
type envelope struct {
	kind   messageKind
	id     int64
	result json.RawMessage
	errMsg string
	hasErr bool
	event  string
	params json.RawMessage
}

// classify peeks at the top-level keys of a message without decoding the
// payload.
func classify(data []byte) envelope {
	fields := gjson.GetManyBytes(data, "id", "event", "error", "result", "params")
	id, event, errField, result, params := fields[0], fields[1], fields[2], fields[3], fields[4]

	switch {
	case id.Exists() && id.Type == gjson.Number:
		env := envelope{kind: kindResponse, id: id.Int()}
		if errField.Exists() && errField.Type != gjson.Null {
			env.hasErr = true
			env.errMsg = errField.String()
			if errField.IsObject() {
				env.errMsg = errField.Get("message").String()
			}
			if env.errMsg == "" {
				env.errMsg = "unknown error"
			}
		}
		if result.Exists() {
			env.result = json.RawMessage(result.Raw)
		}
		return env
	case event.Exists() && event.Type == gjson.String:
		env := envelope{kind: kindEvent, event: event.String()}
		if params.Exists() {
			env.params = json.RawMessage(params.Raw)
		}
		return env
	default:
		return envelope{kind: kindUnknown}
	}
}

// decodeEvent turns a classified event into its typed form. Unknown event
// names return (nil, nil).
func decodeEvent(env envelope) (Event, error) {
	params := env.params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	switch env.event {
	case EventIsolate:
		var p isolateEventParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.event, err)
		}
		switch p.Reason {
		case "created":
			return IsolateCreated{Isolate: p.ID}, nil
		case "shutdown":
			return IsolateShutdown{Isolate: p.ID}, nil
		default:
			return nil, fmt.Errorf("unknown isolate event reason %q", p.Reason)
		}
	case EventBreakpointResolved:
		var p breakpointResolvedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.event, err)
		}
		bp := types.VmBreakpoint{
			ID:       p.Breakpoint.ID,
			Isolate:  p.IsolateID,
			Resolved: true,
			Location: types.Location{TokenOffset: -1},
		}
		if p.Breakpoint.Location != nil {
			bp.Location = p.Breakpoint.Location.location()
		}
		return BreakpointResolved{Breakpoint: bp}, nil
	case EventPaused:
		var p pausedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.event, err)
		}
		frames := make([]types.Frame, 0, len(p.CallFrames))
		for _, f := range p.CallFrames {
			frames = append(frames, types.Frame{ID: f.ID, Function: f.Function, Location: f.Location.location()})
		}
		return Paused{PauseContext: types.PauseContext{
			Isolate:    p.IsolateID,
			Reason:     types.PauseReason(p.Reason),
			Frames:     frames,
			Exception:  p.Exception,
			IsStepping: p.IsStepping,
		}}, nil
	case EventResumed:
		var p isolateParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode %s event: %w", env.event, err)
		}
		return Resumed{Isolate: p.IsolateID}, nil
	default:
		return nil, nil
	}
}
