package vm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ctagard/vmdbg/pkg/types"
)

// SetBreakpoint asks the VM for a breakpoint at url:line (1-based) in one
// isolate. The returned location is the resolved one when the VM already
// knows it, otherwise the requested one.
func (c *Client) SetBreakpoint(ctx context.Context, isolate types.IsolateID, url string, line int) (types.VmBreakpoint, error) {
	var res setBreakpointResult
	if err := c.Call(ctx, CmdSetBreakpoint, setBreakpointParams{IsolateID: isolate, URL: url, Line: line}, &res); err != nil {
		return types.VmBreakpoint{}, err
	}

	bp := types.VmBreakpoint{
		ID:       res.BreakpointID,
		Isolate:  isolate,
		Resolved: res.Resolved,
		Location: types.NewLineLocation(url, line),
	}
	if res.Location != nil {
		bp.Location = res.Location.location()
	}
	return bp, nil
}

// RemoveBreakpoint deletes one breakpoint from an isolate.
func (c *Client) RemoveBreakpoint(ctx context.Context, isolate types.IsolateID, id int) error {
	return c.Call(ctx, CmdRemoveBreakpoint, removeBreakpointParams{IsolateID: isolate, BreakpointID: id}, nil)
}

// Interrupt pauses the isolate unless it is already paused, and reports
// which was the case.
func (c *Client) Interrupt(ctx context.Context, isolate types.IsolateID) (wasPaused bool, err error) {
	var res interruptResult
	if err := c.Call(ctx, CmdInterrupt, isolateParams{IsolateID: isolate}, &res); err != nil {
		return false, err
	}
	return res.WasPaused, nil
}

// Resume continues a paused isolate.
func (c *Client) Resume(ctx context.Context, isolate types.IsolateID) error {
	return c.Call(ctx, CmdResume, isolateParams{IsolateID: isolate}, nil)
}

// StepInto resumes the isolate until the next statement, entering calls.
func (c *Client) StepInto(ctx context.Context, isolate types.IsolateID) error {
	return c.Call(ctx, CmdStepInto, isolateParams{IsolateID: isolate}, nil)
}

// StepOver resumes the isolate until the next statement in the same frame.
func (c *Client) StepOver(ctx context.Context, isolate types.IsolateID) error {
	return c.Call(ctx, CmdStepOver, isolateParams{IsolateID: isolate}, nil)
}

// StepOut resumes the isolate until the current frame returns.
func (c *Client) StepOut(ctx context.Context, isolate types.IsolateID) error {
	return c.Call(ctx, CmdStepOut, isolateParams{IsolateID: isolate}, nil)
}

// EnableStepping turns on step notifications for the isolate.
func (c *Client) EnableStepping(ctx context.Context, isolate types.IsolateID) error {
	return c.Call(ctx, CmdEnableStepping, isolateParams{IsolateID: isolate}, nil)
}

// SetPauseOnException selects which exceptions pause the isolate: "none",
// "unhandled" or "all".
func (c *Client) SetPauseOnException(ctx context.Context, isolate types.IsolateID, mode string) error {
	return c.Call(ctx, CmdSetPauseOnException, pauseOnExceptionParams{IsolateID: isolate, Exceptions: mode}, nil)
}

// Evaluate evaluates an expression on a frame of a paused isolate and
// returns its textual value.
func (c *Client) Evaluate(ctx context.Context, isolate types.IsolateID, frameID int, expression string) (string, error) {
	var res evaluateResult
	if err := c.Call(ctx, CmdEvaluate, evaluateParams{IsolateID: isolate, FrameID: frameID, Expression: expression}, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

// EvaluateAsync is Evaluate without waiting. done runs on the reader
// goroutine.
func (c *Client) EvaluateAsync(isolate types.IsolateID, frameID int, expression string, done func(string, error)) error {
	_, err := c.Send(CmdEvaluate, evaluateParams{IsolateID: isolate, FrameID: frameID, Expression: expression},
		func(raw json.RawMessage, err error) {
			if err != nil {
				done("", err)
				return
			}
			var res evaluateResult
			if len(raw) == 0 {
				done("", nil)
				return
			}
			if err := json.Unmarshal(raw, &res); err != nil {
				done("", fmt.Errorf("failed to decode %s response: %w", CmdEvaluate, err))
				return
			}
			done(res.Text, nil)
		})
	return err
}

// ProtocolVersion returns the VM's protocol version string.
func (c *Client) ProtocolVersion(ctx context.Context) (string, error) {
	var res versionResult
	if err := c.Call(ctx, CmdGetVersion, nil, &res); err != nil {
		return "", err
	}
	return res.ProtocolVersion, nil
}

// Isolates lists the isolates that currently exist.
func (c *Client) Isolates(ctx context.Context) ([]types.IsolateID, error) {
	var res isolateListResult
	if err := c.Call(ctx, CmdGetIsolateList, nil, &res); err != nil {
		return nil, err
	}
	return res.IsolateIDs, nil
}
