package mcp

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/clock"
	"github.com/ctagard/vmdbg/pkg/types"
)

// maxNotifications bounds the per-session notification log.
const maxNotifications = 512

// recordingHost keeps a session's notifications until a client asks for them.
// Breakpoints hit with a log expression stay suspended only when their
// Suspend policy says so.
type recordingHost struct {
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu      sync.Mutex
	seq     int
	log     []types.Notification
	stopped bool
}

func newRecordingHost(c clock.Clock, logger *zap.SugaredLogger) *recordingHost {
	return &recordingHost{clock: c, logger: logger}
}

func (h *recordingHost) BreakpointVerified(bp types.LogicalBreakpoint) {
	h.record(types.Notification{Kind: types.NotifyBreakpointVerified, Breakpoint: &bp})
}

func (h *recordingHost) BreakpointInvalid(bp types.LogicalBreakpoint, err error) {
	n := types.Notification{Kind: types.NotifyBreakpointInvalid, Breakpoint: &bp}
	if err != nil {
		n.Error = err.Error()
	}
	h.record(n)
}

func (h *recordingHost) PositionReached(pause types.PauseContext) {
	h.record(types.Notification{Kind: types.NotifyPositionReached, Pause: &pause, Suspended: true})
}

func (h *recordingHost) BreakpointReached(bp types.LogicalBreakpoint, logMessage string, pause types.PauseContext) bool {
	if logMessage != "" {
		h.logger.Infow("breakpoint log", "breakpoint", bp.Key().String(), "message", logMessage)
	}
	h.record(types.Notification{
		Kind:       types.NotifyBreakpointReached,
		Breakpoint: &bp,
		Pause:      &pause,
		Message:    logMessage,
		Suspended:  bp.Suspend,
	})
	return bp.Suspend
}

func (h *recordingHost) SessionStopped() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.record(types.Notification{Kind: types.NotifySessionStopped})
}

// since returns notifications with a sequence number above seq, oldest first,
// and the highest sequence number handed out so far.
func (h *recordingHost) since(seq int) ([]types.Notification, int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := []types.Notification{}
	for _, n := range h.log {
		if n.Seq > seq {
			out = append(out, n)
		}
	}
	return out, h.seq
}

func (h *recordingHost) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *recordingHost) record(n types.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	n.Seq = h.seq
	n.Time = h.clock.Now()
	h.log = append(h.log, n)
	if len(h.log) > maxNotifications {
		// drop the oldest
		h.log = append([]types.Notification(nil), h.log[len(h.log)-maxNotifications:]...)
	}
}
