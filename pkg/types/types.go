// Package types defines shared data types used across the vmdbg server.
//
// This package provides type definitions for:
//   - IsolateID: Opaque identity of an execution unit inside the VM
//   - LogicalBreakpoint: A host-side breakpoint keyed by file and line
//   - VmBreakpoint: A breakpoint object owned by one isolate in the VM
//   - Location: A protocol source position (URL plus line or token offset)
//   - Frame, PauseReason, PauseContext: What the VM reports when it pauses
//   - SessionStatus, SessionInfo, Notification: Host-facing session state
//
// These types are used throughout the codebase to maintain type safety
// and provide clear contracts between components.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// IsolateID identifies an isolate. The VM may send it as a JSON number or a
// JSON string; the text is preserved verbatim either way. Only canonical
// integers go back on the wire as numbers.
type IsolateID string

// UnmarshalJSON accepts both numeric and string identifiers.
func (id *IsolateID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = IsolateID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("isolate id must be a number or string: %s", data)
	}
	*id = IsolateID(n.String())
	return nil
}

// MarshalJSON writes canonical integers such as 17 or -3 as numbers and
// everything else, including "007" and "+5", as strings.
func (id IsolateID) MarshalJSON() ([]byte, error) {
	if id.isCanonicalInt() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id IsolateID) isCanonicalInt() bool {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil && strconv.FormatInt(n, 10) == string(id)
}

func (id IsolateID) String() string {
	return string(id)
}

// BreakpointKey is the identity of a logical breakpoint.
type BreakpointKey struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

func (k BreakpointKey) String() string {
	return fmt.Sprintf("%s:%d", k.File, k.Line+1)
}

// LogicalBreakpoint is the host's notion of a breakpoint.
// Line is 0-based.
type LogicalBreakpoint struct {
	File          string `json:"file"`
	Line          int    `json:"line"`
	Condition     string `json:"condition,omitempty"`
	LogExpression string `json:"logExpression,omitempty"`
	// Suspend is the host's suspend policy when the breakpoint is hit.
	// It does not take part in identity.
	Suspend bool `json:"suspend"`
}

// Key returns the identity of the breakpoint. Two breakpoints on the same
// file and line are the same breakpoint.
func (b LogicalBreakpoint) Key() BreakpointKey {
	return BreakpointKey{File: b.File, Line: b.Line}
}

// Location is a position in VM terms. Line is 1-based with 0 meaning
// unknown; TokenOffset is -1 when unknown.
type Location struct {
	URL         string `json:"url"`
	Line        int    `json:"line,omitempty"`
	TokenOffset int    `json:"tokenOffset"`
}

// NewLineLocation returns a location known only by URL and line.
func NewLineLocation(url string, line int) Location {
	return Location{URL: url, Line: line, TokenOffset: -1}
}

// Matches reports whether two locations denote the same position: the URLs
// must be equal and either both lines or both token offsets must be known and
// equal.
func (l Location) Matches(other Location) bool {
	if l.URL != other.URL {
		return false
	}
	if l.Line > 0 && other.Line > 0 && l.Line == other.Line {
		return true
	}
	return l.TokenOffset >= 0 && other.TokenOffset >= 0 && l.TokenOffset == other.TokenOffset
}

func (l Location) String() string {
	switch {
	case l.Line > 0:
		return fmt.Sprintf("%s:%d", l.URL, l.Line)
	case l.TokenOffset >= 0:
		return fmt.Sprintf("%s@%d", l.URL, l.TokenOffset)
	default:
		return l.URL
	}
}

// VmBreakpoint is one breakpoint object known to the VM. IDs are only unique
// within their isolate.
type VmBreakpoint struct {
	ID       int       `json:"id"`
	Isolate  IsolateID `json:"isolate"`
	Location Location  `json:"location"`
	Resolved bool      `json:"resolved"`
}

// Frame is one entry of a paused isolate's call stack.
type Frame struct {
	ID       int      `json:"id"`
	Function string   `json:"function"`
	Location Location `json:"location"`
}

// PauseReason says why an isolate paused.
type PauseReason string

const (
	PauseBreakpoint  PauseReason = "breakpoint"
	PauseStep        PauseReason = "step"
	PauseException   PauseReason = "exception"
	PauseInterrupted PauseReason = "interrupted"
	PauseStart       PauseReason = "start"
)

// PauseContext is everything the VM reported about one pause.
type PauseContext struct {
	Isolate    IsolateID   `json:"isolate"`
	Reason     PauseReason `json:"reason"`
	Frames     []Frame     `json:"frames,omitempty"`
	Exception  string      `json:"exception,omitempty"`
	IsStepping bool        `json:"isStepping,omitempty"`
}

// TopFrame returns the innermost frame, if any.
func (p PauseContext) TopFrame() (Frame, bool) {
	if len(p.Frames) == 0 {
		return Frame{}, false
	}
	return p.Frames[0], true
}

// SessionStatus represents the status of a debug session
type SessionStatus string

const (
	SessionStatusInitializing SessionStatus = "initializing"
	SessionStatusRunning      SessionStatus = "running"
	SessionStatusPaused       SessionStatus = "paused"
	SessionStatusTerminated   SessionStatus = "terminated"
)

// SessionInfo represents information about a debug session
type SessionInfo struct {
	SessionID   string        `json:"sessionId"`
	Address     string        `json:"address"`
	Status      SessionStatus `json:"status"`
	MainIsolate IsolateID     `json:"mainIsolate,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// NotificationKind names a host notification.
type NotificationKind string

const (
	NotifyBreakpointVerified NotificationKind = "breakpointVerified"
	NotifyBreakpointInvalid  NotificationKind = "breakpointInvalid"
	NotifyPositionReached    NotificationKind = "positionReached"
	NotifyBreakpointReached  NotificationKind = "breakpointReached"
	NotifySessionStopped     NotificationKind = "sessionStopped"
)

// Notification is one host notification as recorded for later retrieval.
type Notification struct {
	Seq        int                `json:"seq"`
	Kind       NotificationKind   `json:"kind"`
	Time       time.Time          `json:"time"`
	Breakpoint *LogicalBreakpoint `json:"breakpoint,omitempty"`
	Pause      *PauseContext      `json:"pause,omitempty"`
	Message    string             `json:"message,omitempty"`
	Suspended  bool               `json:"suspended,omitempty"`
	Error      string             `json:"error,omitempty"`
}
