package breakpoints

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tally "github.com/uber-go/tally/v4"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/ctagard/vmdbg/internal/errors"
	"github.com/ctagard/vmdbg/internal/host/hostmock"
	"github.com/ctagard/vmdbg/internal/vm"
	"github.com/ctagard/vmdbg/internal/vm/vmtest"
	"github.com/ctagard/vmdbg/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const mainURL = "file:///src/app/bin/main.dart"

var (
	bpA = types.LogicalBreakpoint{File: "/src/app/bin/main.dart", Line: 9, Suspend: true}
	bpB = types.LogicalBreakpoint{File: "/src/app/bin/main.dart", Line: 19, Condition: "i > 3"}
)

type fixture struct {
	sync   *Synchronizer
	fake   *vmtest.FakeVM
	host   *hostmock.MockHost
	client *vm.Client
	scope  tally.TestScope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	fake := vmtest.New()
	client := vm.NewClient(fake)
	t.Cleanup(func() {
		client.Close()
		<-client.Done()
	})

	h := hostmock.NewMockHost(ctrl)
	scope := tally.NewTestScope("testing", make(map[string]string, 0))
	return &fixture{
		sync:   New(client, h, WithStats(scope)),
		fake:   fake,
		host:   h,
		client: client,
		scope:  scope,
	}
}

func (f *fixture) counter(name string) int64 {
	c, ok := f.scope.Snapshot().Counters()["testing.breakpoints."+name+"+"]
	if !ok {
		return 0
	}
	return c.Value()
}

func TestRegister_QueuedBeforeMainIsolate(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sync.Register(context.Background(), bpA))
	require.NoError(t, f.sync.Register(context.Background(), bpB))
	require.NoError(t, f.sync.Register(context.Background(), bpA))

	assert.Empty(t, f.fake.Commands())
	assert.Equal(t, []types.LogicalBreakpoint{bpA, bpB}, f.sync.Pending())
	assert.Empty(t, f.sync.VmBreakpoints(bpA.Key()))

	statuses := f.sync.Breakpoints()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Pending)
	assert.Equal(t, mainURL, statuses[0].URL)
}

func TestRegister_RunningIsolateIsResumed(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA)
	f.sync.SetMainIsolate("1")

	require.NoError(t, f.sync.Register(context.Background(), bpA))

	assert.Equal(t, []string{vm.CmdInterrupt, vm.CmdSetBreakpoint, vm.CmdResume}, f.fake.Commands())
	assert.False(t, f.fake.IsPaused("1"))

	set := f.fake.RequestsFor(vm.CmdSetBreakpoint)[0]
	var params struct {
		URL  string `json:"url"`
		Line int    `json:"line"`
	}
	require.NoError(t, set.Decode(&params))
	assert.Equal(t, mainURL, params.URL)
	assert.Equal(t, 10, params.Line)

	vms := f.sync.VmBreakpoints(bpA.Key())
	require.Len(t, vms, 1)
	assert.Equal(t, types.IsolateID("1"), vms[0].Isolate)
	assert.NoError(t, f.sync.CheckConsistency())
	assert.Equal(t, int64(1), f.counter("registered"))
}

func TestRegister_PausedIsolateStaysPaused(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA)
	f.sync.SetMainIsolate("1")
	f.fake.SetPaused("1", true)

	require.NoError(t, f.sync.Register(context.Background(), bpA))

	assert.Equal(t, []string{vm.CmdInterrupt, vm.CmdSetBreakpoint}, f.fake.Commands())
	assert.True(t, f.fake.IsPaused("1"))
}

func TestRegister_ProtocolErrorMarksInvalid(t *testing.T) {
	f := newFixture(t)
	f.fake.Handle(vm.CmdSetBreakpoint, func(*vmtest.FakeVM, vmtest.Request) vmtest.Reply {
		return vmtest.Reply{Error: "no debuggable code at line 10"}
	})
	f.host.EXPECT().BreakpointInvalid(bpA, gomock.Any()).Do(func(_ types.LogicalBreakpoint, err error) {
		assert.True(t, errors.IsProtocolError(err))
		assert.True(t, errors.HasCode(err, errors.CodeBreakpointFailed))
	})
	f.sync.SetMainIsolate("1")

	require.NoError(t, f.sync.Register(context.Background(), bpA))

	// the isolate is resumed even though the edit failed
	assert.Equal(t, []string{vm.CmdInterrupt, vm.CmdSetBreakpoint, vm.CmdResume}, f.fake.Commands())
	assert.Empty(t, f.sync.VmBreakpoints(bpA.Key()))
	statuses := f.sync.Breakpoints()
	require.Len(t, statuses, 1)
	assert.Contains(t, statuses[0].Error, "no debuggable code")
	assert.Equal(t, int64(1), f.counter("invalid"))

	// a rejected breakpoint is not retried in the same isolate
	require.NoError(t, f.sync.RegisterAllPending(context.Background(), "1", MutateOptions{}))
	assert.Equal(t, 1, f.fake.Count(vm.CmdSetBreakpoint))
}

func TestRegister_RelativePathRejected(t *testing.T) {
	f := newFixture(t)
	bad := types.LogicalBreakpoint{File: "bin/main.dart", Line: 1}
	f.host.EXPECT().BreakpointInvalid(bad, gomock.Any())

	err := f.sync.Register(context.Background(), bad)
	assert.True(t, errors.HasCode(err, errors.CodeBreakpointFailed))
	assert.Empty(t, f.sync.Breakpoints())
}

func TestUnregister(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA)
	f.sync.SetMainIsolate("1")
	require.NoError(t, f.sync.Register(context.Background(), bpA))
	id := f.sync.VmBreakpoints(bpA.Key())[0].ID

	require.NoError(t, f.sync.Unregister(context.Background(), types.LogicalBreakpoint{File: bpA.File, Line: bpA.Line}))

	assert.Equal(t, []string{
		vm.CmdInterrupt, vm.CmdSetBreakpoint, vm.CmdResume,
		vm.CmdInterrupt, vm.CmdRemoveBreakpoint, vm.CmdResume,
	}, f.fake.Commands())
	var params struct {
		BreakpointID int `json:"breakpointId"`
	}
	require.NoError(t, f.fake.RequestsFor(vm.CmdRemoveBreakpoint)[0].Decode(&params))
	assert.Equal(t, id, params.BreakpointID)

	assert.Empty(t, f.sync.VmBreakpoints(bpA.Key()))
	assert.Empty(t, f.sync.Breakpoints())
	assert.NoError(t, f.sync.CheckConsistency())
	assert.False(t, f.fake.IsPaused("1"))
	assert.Equal(t, int64(1), f.counter("removed"))
}

func TestUnregister_UnknownIsNoop(t *testing.T) {
	f := newFixture(t)
	f.sync.SetMainIsolate("1")

	require.NoError(t, f.sync.Unregister(context.Background(), bpA))
	assert.Empty(t, f.fake.Commands())
}

func TestUnregister_DropsPendingEntry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sync.Register(context.Background(), bpA))
	require.NoError(t, f.sync.Unregister(context.Background(), bpA))

	assert.Empty(t, f.sync.Pending())
	f.sync.SetMainIsolate("1")
	require.NoError(t, f.sync.RegisterAllPending(context.Background(), "1", MutateOptions{}))
	assert.Empty(t, f.fake.Commands())
}

func TestRegisterAllPending_FlushesOnceInOneRound(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(gomock.Any()).Times(2)
	require.NoError(t, f.sync.Register(context.Background(), bpA))
	require.NoError(t, f.sync.Register(context.Background(), bpB))

	assert.True(t, f.sync.SetMainIsolate("1"))
	require.NoError(t, f.sync.RegisterAllPending(context.Background(), "1", MutateOptions{}))
	require.NoError(t, f.sync.RegisterAllPending(context.Background(), "1", MutateOptions{}))

	assert.Equal(t, []string{vm.CmdInterrupt, vm.CmdSetBreakpoint, vm.CmdSetBreakpoint, vm.CmdResume}, f.fake.Commands())

	// pending entries outlive the flush
	assert.Len(t, f.sync.Pending(), 2)
	assert.NoError(t, f.sync.CheckConsistency())
}

func TestRegisterAllPending_KnownPaused(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA)
	require.NoError(t, f.sync.Register(context.Background(), bpA))
	f.sync.SetMainIsolate("1")

	require.NoError(t, f.sync.RegisterAllPending(context.Background(), "1", MutateOptions{KnownPaused: true}))
	assert.Equal(t, []string{vm.CmdSetBreakpoint}, f.fake.Commands())
}

func TestRegisterAllPending_NewIsolateGetsExistingBreakpoints(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA).Times(2)
	f.sync.SetMainIsolate("1")
	require.NoError(t, f.sync.Register(context.Background(), bpA))

	require.NoError(t, f.sync.RegisterAllPending(context.Background(), "2", MutateOptions{}))

	vms := f.sync.VmBreakpoints(bpA.Key())
	require.Len(t, vms, 2)
	assert.Equal(t, types.IsolateID("1"), vms[0].Isolate)
	assert.Equal(t, types.IsolateID("2"), vms[1].Isolate)
	assert.Equal(t, []types.IsolateID{"1", "2"}, f.sync.Isolates())
	assert.NoError(t, f.sync.CheckConsistency())
}

// perIsolateIDs hands out breakpoint ids that restart at 1 in each isolate.
func perIsolateIDs() vmtest.HandlerFunc {
	var mu sync.Mutex
	next := make(map[types.IsolateID]int)
	return func(_ *vmtest.FakeVM, req vmtest.Request) vmtest.Reply {
		var p struct {
			URL  string `json:"url"`
			Line int    `json:"line"`
		}
		_ = req.Decode(&p)
		mu.Lock()
		next[req.Isolate()]++
		id := next[req.Isolate()]
		mu.Unlock()
		return vmtest.Reply{Result: map[string]interface{}{
			"breakpointId": id,
			"resolved":     false,
			"location":     map[string]interface{}{"url": p.URL, "line": p.Line},
		}}
	}
}

func TestIDsCollidingAcrossIsolates(t *testing.T) {
	f := newFixture(t)
	f.fake.Handle(vm.CmdSetBreakpoint, perIsolateIDs())
	f.sync.SetMainIsolate("1")
	require.NoError(t, f.sync.RegisterAllPending(context.Background(), "2", MutateOptions{}))

	require.NoError(t, f.sync.Register(context.Background(), bpA))
	require.NoError(t, f.sync.Register(context.Background(), bpB))
	require.NoError(t, f.sync.CheckConsistency())

	for _, vmbp := range f.sync.VmBreakpoints(bpA.Key()) {
		assert.Equal(t, 1, vmbp.ID)
	}
	for _, vmbp := range f.sync.VmBreakpoints(bpB.Key()) {
		assert.Equal(t, 2, vmbp.ID)
	}

	// id 2 in isolate 2 belongs to bpB only
	f.host.EXPECT().BreakpointVerified(bpB)
	f.sync.OnBreakpointResolved(types.VmBreakpoint{
		ID: 2, Isolate: "2", Resolved: true,
		Location: types.NewLineLocation(mainURL, 21),
	})

	for _, vmbp := range f.sync.VmBreakpoints(bpB.Key()) {
		if vmbp.Isolate == "2" {
			assert.True(t, vmbp.Resolved)
			assert.Equal(t, 21, vmbp.Location.Line)
		} else {
			assert.False(t, vmbp.Resolved)
		}
	}
	assert.NoError(t, f.sync.CheckConsistency())
}

func TestOnBreakpointResolved_UnknownID(t *testing.T) {
	f := newFixture(t)
	f.sync.SetMainIsolate("1")

	f.sync.OnBreakpointResolved(types.VmBreakpoint{ID: 42, Isolate: "1", Resolved: true})
	assert.Equal(t, int64(1), f.counter("anomalies"))
	assert.NoError(t, f.sync.CheckConsistency())
}

func TestOnBreakpointResolved_BeforeResponseRecorded(t *testing.T) {
	f := newFixture(t)
	f.fake.Handle(vm.CmdSetBreakpoint, perIsolateIDs())
	f.sync.SetMainIsolate("1")

	// the event overtakes the setBreakpoint response
	f.sync.OnBreakpointResolved(types.VmBreakpoint{ID: 1, Isolate: "1", Resolved: true, Location: types.NewLineLocation(mainURL, 12)})
	f.host.EXPECT().BreakpointVerified(bpA)
	require.NoError(t, f.sync.Register(context.Background(), bpA))

	vms := f.sync.VmBreakpoints(bpA.Key())
	require.Len(t, vms, 1)
	assert.True(t, vms[0].Resolved)
	assert.Equal(t, 12, vms[0].Location.Line)
}

func TestOnIsolateShutdown(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA).Times(2)
	f.sync.SetMainIsolate("1")
	require.NoError(t, f.sync.Register(context.Background(), bpA))
	require.NoError(t, f.sync.RegisterAllPending(context.Background(), "2", MutateOptions{}))

	f.sync.OnIsolateShutdown("2")

	vms := f.sync.VmBreakpoints(bpA.Key())
	require.Len(t, vms, 1)
	assert.Equal(t, types.IsolateID("1"), vms[0].Isolate)
	assert.NoError(t, f.sync.CheckConsistency())
	assert.Equal(t, types.IsolateID("1"), f.sync.MainIsolate())

	f.sync.OnIsolateShutdown("2")
	assert.Equal(t, int64(1), f.counter("anomalies"))

	// removing the breakpoint only touches the surviving isolate
	require.NoError(t, f.sync.Unregister(context.Background(), bpA))
	for _, req := range f.fake.RequestsFor(vm.CmdRemoveBreakpoint) {
		assert.Equal(t, types.IsolateID("1"), req.Isolate())
	}
	assert.Equal(t, 1, f.fake.Count(vm.CmdRemoveBreakpoint))
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA)
	f.sync.SetMainIsolate("1")
	require.NoError(t, f.sync.Register(context.Background(), bpA))

	got, ok := f.sync.Resolve(types.NewLineLocation(mainURL, 10))
	require.True(t, ok)
	assert.Equal(t, bpA, got)

	// other spellings of the same file URL
	got, ok = f.sync.Resolve(types.NewLineLocation("file:/src/app/bin/main.dart", 10))
	require.True(t, ok)
	assert.Equal(t, bpA, got)

	_, ok = f.sync.Resolve(types.NewLineLocation(mainURL, 11))
	assert.False(t, ok)
	_, ok = f.sync.Resolve(types.NewLineLocation("package:app/main.dart", 10))
	assert.False(t, ok)
}

func TestResolvePending(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sync.Register(context.Background(), bpB))

	got, ok := f.sync.ResolvePending(types.NewLineLocation(mainURL, 20))
	require.True(t, ok)
	assert.Equal(t, bpB, got)

	_, ok = f.sync.ResolvePending(types.NewLineLocation(mainURL, 10))
	assert.False(t, ok)
}

func TestClaimInterrupt(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(gomock.Any()).AnyTimes()
	f.sync.SetMainIsolate("1")

	assert.False(t, f.sync.ClaimInterrupt("1"))

	require.NoError(t, f.sync.Register(context.Background(), bpA))
	assert.True(t, f.sync.ClaimInterrupt("1"))
	assert.False(t, f.sync.ClaimInterrupt("1"))

	// an interrupt of a paused isolate causes no pause event
	f.fake.SetPaused("1", true)
	require.NoError(t, f.sync.Register(context.Background(), bpB))
	assert.False(t, f.sync.ClaimInterrupt("1"))

	assert.False(t, f.sync.ClaimInterrupt("9"))
}

func TestClaimInterrupt_UserPause(t *testing.T) {
	f := newFixture(t)
	f.sync.SetMainIsolate("1")

	f.sync.RequestPause("1")
	assert.False(t, f.sync.ClaimInterrupt("1"))
	assert.False(t, f.sync.ClaimInterrupt("1"))

	// an interrupt of a paused isolate answers nothing
	f.sync.RequestPause("1")
	f.sync.CancelPause("1")
	f.sync.CancelPause("1")
	assert.False(t, f.sync.ClaimInterrupt("1"))
}

func TestUserPauseDuringEditIsKept(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA)
	f.sync.SetMainIsolate("1")

	// the user's interrupt and its pause event land while the edit's
	// interrupt is outstanding
	claimed := make(chan bool, 1)
	f.fake.Handle(vm.CmdInterrupt, func(*vmtest.FakeVM, vmtest.Request) vmtest.Reply {
		f.sync.RequestPause("1")
		claimed <- f.sync.ClaimInterrupt("1")
		return vmtest.Reply{Result: map[string]interface{}{"wasPaused": false}}
	})

	require.NoError(t, f.sync.Register(context.Background(), bpA))

	assert.False(t, <-claimed)
	assert.Zero(t, f.fake.Count(vm.CmdResume))
	assert.Equal(t, 1, f.fake.Count(vm.CmdSetBreakpoint))
	// nothing left over for a later pause to be swallowed by
	assert.False(t, f.sync.ClaimInterrupt("1"))
}

func TestMutationsOnOneIsolateDoNotInterleave(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(gomock.Any()).AnyTimes()
	f.sync.SetMainIsolate("1")

	var wg sync.WaitGroup
	for line := 0; line < 10; line++ {
		wg.Add(1)
		go func(line int) {
			defer wg.Done()
			assert.NoError(t, f.sync.Register(context.Background(), types.LogicalBreakpoint{File: bpA.File, Line: line}))
		}(line)
	}
	wg.Wait()

	cmds := f.fake.Commands()
	require.Len(t, cmds, 30)
	for i := 0; i < len(cmds); i += 3 {
		assert.Equal(t, []string{vm.CmdInterrupt, vm.CmdSetBreakpoint, vm.CmdResume}, cmds[i:i+3])
	}
	assert.False(t, f.fake.IsPaused("1"))
	assert.NoError(t, f.sync.CheckConsistency())
}

func TestResumeFailureKeepsMapping(t *testing.T) {
	f := newFixture(t)
	f.host.EXPECT().BreakpointVerified(bpA)
	f.fake.Handle(vm.CmdResume, func(*vmtest.FakeVM, vmtest.Request) vmtest.Reply {
		return vmtest.Reply{Error: "isolate is not paused"}
	})
	f.sync.SetMainIsolate("1")

	err := f.sync.Register(context.Background(), bpA)
	require.Error(t, err)
	assert.True(t, errors.IsProtocolError(err))

	assert.Len(t, f.sync.VmBreakpoints(bpA.Key()), 1)
	assert.NoError(t, f.sync.CheckConsistency())
}

func TestInterruptFailureSkipsEdit(t *testing.T) {
	f := newFixture(t)
	f.fake.Handle(vm.CmdInterrupt, func(*vmtest.FakeVM, vmtest.Request) vmtest.Reply {
		return vmtest.Reply{Error: "isolate exited"}
	})
	f.sync.SetMainIsolate("1")

	err := f.sync.Register(context.Background(), bpA)
	require.Error(t, err)
	assert.Equal(t, []string{vm.CmdInterrupt}, f.fake.Commands())
	assert.Empty(t, f.sync.VmBreakpoints(bpA.Key()))
}
