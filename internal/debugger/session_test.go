package debugger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ctagard/vmdbg/internal/config"
	"github.com/ctagard/vmdbg/internal/errors"
	"github.com/ctagard/vmdbg/internal/host/hostmock"
	"github.com/ctagard/vmdbg/internal/vm"
	"github.com/ctagard/vmdbg/internal/vm/vmtest"
	"github.com/ctagard/vmdbg/pkg/types"
)

const mainURL = "file:///src/app/bin/main.dart"

// started attaches a session and takes it through the entry pause.
func started(t *testing.T) (*Session, *vmtest.FakeVM, *hostmock.MockHost) {
	t.Helper()
	farm := &vmFarm{}
	m := newManager(t, config.DefaultConfig(), farm)
	h := hostmock.NewMockHost(gomock.NewController(t))
	h.EXPECT().SessionStopped().AnyTimes()

	session, err := m.Attach(context.Background(), "127.0.0.1:8181", h)
	require.NoError(t, err)

	fake := farm.last()
	fake.EmitIsolateCreated("1")
	fake.EmitPaused("1", "breakpoint", false, vmtest.Frame{ID: 0, Function: "main", URL: mainURL, Line: 1})
	require.Eventually(t, func() bool {
		return session.Info().Status == types.SessionStatusRunning
	}, time.Second, 5*time.Millisecond)

	return session, fake, h
}

func TestSession_CommandsNeedMainIsolate(t *testing.T) {
	m := newManager(t, config.DefaultConfig(), &vmFarm{})
	session, err := m.Attach(context.Background(), "127.0.0.1:8181", stoppableHost(t))
	require.NoError(t, err)

	for _, err := range []error{
		session.Resume(context.Background()),
		session.Pause(context.Background()),
		session.Step(context.Background(), StepOver),
	} {
		assert.True(t, errors.HasCode(err, errors.CodeNoMainIsolate))
	}
}

func TestSession_ExecutionControl(t *testing.T) {
	session, fake, _ := started(t)
	ctx := context.Background()

	require.NoError(t, session.Pause(ctx))
	require.NoError(t, session.Step(ctx, StepInto))
	require.NoError(t, session.Step(ctx, StepOver))
	require.NoError(t, session.Step(ctx, StepOut))
	require.NoError(t, session.Resume(ctx))

	cmds := fake.Commands()
	assert.Equal(t, []string{vm.CmdInterrupt, vm.CmdStepInto, vm.CmdStepOver, vm.CmdStepOut, vm.CmdResume}, cmds[len(cmds)-5:])
	for _, req := range fake.Requests()[len(cmds)-5:] {
		assert.Equal(t, types.IsolateID("1"), req.Isolate())
	}

	err := session.Step(ctx, StepKind("sideways"))
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
}

func TestSession_StepFailure(t *testing.T) {
	session, fake, _ := started(t)
	fake.Handle(vm.CmdStepOver, func(*vmtest.FakeVM, vmtest.Request) vmtest.Reply {
		return vmtest.Reply{Error: "isolate must be paused"}
	})

	err := session.Step(context.Background(), StepOver)
	assert.True(t, errors.HasCode(err, errors.CodeStepFailed))
	assert.True(t, errors.IsProtocolError(err))
}

func TestSession_AsyncBreakpointEdits(t *testing.T) {
	session, fake, h := started(t)
	bp := types.LogicalBreakpoint{File: "/src/app/bin/main.dart", Line: 4, Suspend: true}
	h.EXPECT().BreakpointVerified(bp)

	require.NoError(t, <-session.AddBreakpointAsync(bp))
	statuses := session.Breakpoints()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Verified)
	assert.False(t, fake.IsPaused("1"))

	require.NoError(t, <-session.RemoveBreakpointAsync(bp))
	assert.Empty(t, session.Breakpoints())
	assert.Equal(t, 1, fake.Count(vm.CmdRemoveBreakpoint))
}

func TestSession_BreakpointsBeforeFirstPause(t *testing.T) {
	farm := &vmFarm{}
	m := newManager(t, config.DefaultConfig(), farm)
	h := stoppableHost(t)
	session, err := m.Attach(context.Background(), "127.0.0.1:8181", h)
	require.NoError(t, err)

	bp := types.LogicalBreakpoint{File: "/src/app/bin/main.dart", Line: 0, Suspend: true}
	require.NoError(t, session.AddBreakpoint(context.Background(), bp))
	assert.Equal(t, []types.LogicalBreakpoint{bp}, session.Snapshot().Pending)

	// the first pause lands on the user's breakpoint at the entry line
	stopped := make(chan types.PauseContext, 1)
	h.EXPECT().BreakpointVerified(bp)
	h.EXPECT().PositionReached(gomock.Any()).Do(func(pc types.PauseContext) { stopped <- pc })

	fake := farm.last()
	fake.EmitIsolateCreated("1")
	fake.EmitPaused("1", "breakpoint", false, vmtest.Frame{ID: 0, Function: "main", URL: mainURL, Line: 1})

	pc := <-stopped
	assert.Equal(t, types.IsolateID("1"), pc.Isolate)
	assert.Equal(t, types.SessionStatusPaused, session.Info().Status)

	snap := session.Snapshot()
	require.NotNil(t, snap.LastPause)
	assert.Equal(t, "initialized", snap.State)
	assert.Equal(t, "ok", snap.Consistency)
}

func TestSession_EditsAfterCloseFail(t *testing.T) {
	session, _, _ := started(t)
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	err := <-session.AddBreakpointAsync(types.LogicalBreakpoint{File: "/src/a.dart", Line: 1})
	assert.True(t, errors.HasCode(err, errors.CodeSessionTerminated))
	err = session.AddBreakpoint(context.Background(), types.LogicalBreakpoint{File: "/src/a.dart", Line: 1})
	assert.True(t, errors.HasCode(err, errors.CodeSessionTerminated))
}
