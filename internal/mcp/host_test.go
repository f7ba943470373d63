package mcp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/clock"
	"github.com/ctagard/vmdbg/pkg/types"
)

func TestRecordingHost_BreakpointReachedFollowsSuspend(t *testing.T) {
	h := newRecordingHost(clock.New(), zap.NewNop().Sugar())
	pause := types.PauseContext{Isolate: "1", Reason: types.PauseBreakpoint}

	assert.True(t, h.BreakpointReached(types.LogicalBreakpoint{File: "/a.dart", Suspend: true}, "", pause))
	assert.False(t, h.BreakpointReached(types.LogicalBreakpoint{File: "/a.dart", Suspend: false}, "x=1", pause))

	events, last := h.since(0)
	require.Len(t, events, 2)
	assert.Equal(t, 2, last)
	assert.True(t, events[0].Suspended)
	assert.Equal(t, "x=1", events[1].Message)
	assert.False(t, events[1].Suspended)
}

func TestRecordingHost_Since(t *testing.T) {
	h := newRecordingHost(clock.New(), zap.NewNop().Sugar())
	bp := types.LogicalBreakpoint{File: "/a.dart", Line: 3}

	h.BreakpointVerified(bp)
	h.BreakpointInvalid(bp, fmt.Errorf("no code at line"))
	h.SessionStopped()

	events, last := h.since(1)
	require.Len(t, events, 2)
	assert.Equal(t, 3, last)
	assert.Equal(t, types.NotifyBreakpointInvalid, events[0].Kind)
	assert.Equal(t, "no code at line", events[0].Error)
	assert.Equal(t, types.NotifySessionStopped, events[1].Kind)
	assert.True(t, h.isStopped())

	events, _ = h.since(last)
	assert.Empty(t, events)
}

func TestRecordingHost_DropsOldest(t *testing.T) {
	h := newRecordingHost(clock.New(), zap.NewNop().Sugar())
	for i := 0; i < maxNotifications+10; i++ {
		h.PositionReached(types.PauseContext{Isolate: "1", Reason: types.PauseStep})
	}

	events, last := h.since(0)
	assert.Len(t, events, maxNotifications)
	assert.Equal(t, maxNotifications+10, last)
	assert.Equal(t, 11, events[0].Seq)
}
