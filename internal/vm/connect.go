package vm

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ctagard/vmdbg/internal/clock"
	"github.com/ctagard/vmdbg/internal/errors"
)

// Default connect retry parameters.
const (
	DefaultConnectBudget = 5 * time.Second
	DefaultRetryBackoff  = 50 * time.Millisecond
)

// ErrUnrecoverable marks a dial error that must not be retried. DialFuncs
// may wrap it.
var ErrUnrecoverable = stderrors.New("unrecoverable transport error")

// ConnectOptions control the connect retry loop.
type ConnectOptions struct {
	Dial    DialFunc
	Budget  time.Duration
	Backoff time.Duration
	Clock   clock.Clock
	Logger  *zap.SugaredLogger
}

func (o *ConnectOptions) setDefaults() {
	if o.Dial == nil {
		o.Dial = DialTCP
	}
	if o.Budget <= 0 {
		o.Budget = DefaultConnectBudget
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultRetryBackoff
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// Connect dials address until it succeeds or the budget runs out. Transient
// failures are retried after a fixed backoff. Closed-connection errors and
// context cancellation end the loop at once. Failure is reported as a
// CONNECTION_FAILED DebugError wrapping the last dial error. A dial in
// progress is cut off when the budget runs out.
func Connect(ctx context.Context, address string, opts ConnectOptions) (Transport, error) {
	opts.setDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Budget)
	defer cancel()

	deadline := opts.Clock.Now().Add(opts.Budget)
	var lastErr error
	for attempt := 1; ; attempt++ {
		transport, err := opts.Dial(ctx, address)
		if err == nil {
			if attempt > 1 {
				opts.Logger.Debugw("connected to VM", "address", address, "attempts", attempt)
			}
			return transport, nil
		}
		lastErr = err

		if unrecoverable(ctx, err) {
			break
		}
		if !opts.Clock.Now().Add(opts.Backoff).Before(deadline) {
			break
		}
		opts.Logger.Debugw("VM not reachable yet, retrying", "address", address, "attempt", attempt, "error", err)
		if err := sleep(ctx, opts.Clock, opts.Backoff); err != nil {
			break
		}
	}

	return nil, errors.ConnectionFailed(address, lastErr)
}

// sleep waits for d on clk, or until ctx ends.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	done := make(chan struct{})
	go func() {
		clk.Sleep(d)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func unrecoverable(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, ErrUnrecoverable) ||
		stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, context.DeadlineExceeded)
}
