package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cochaviz/keel/internal/logging"
)

var (
	// ErrTimeout means the probe bound elapsed without the check succeeding.
	ErrTimeout = errors.New("timed out")
	// ErrProcessDied means the liveness check failed while polling.
	ErrProcessDied = errors.New("vm process died")
)

// Error reports which probe failed and why.
type Error struct {
	Probe string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("waiting for %s: %v", e.Probe, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Probe is a named predicate with its polling bound. Check receives a context
// that expires at the bound and should return false on any failure.
type Probe struct {
	Name     string
	Timeout  time.Duration
	Interval time.Duration
	Check    func(ctx context.Context) bool
}

// Poller evaluates probes. Liveness, when set, is consulted before every
// evaluation; Exited, when set, aborts a wait as soon as it is closed.
type Poller struct {
	Liveness func() bool
	Exited   <-chan struct{}
	Logger   *slog.Logger
}

const defaultInterval = 5 * time.Second

// Await blocks until probe.Check succeeds, the bound elapses, the liveness
// check fails, or ctx is cancelled. Cancellation returns ctx.Err() unwrapped.
func (p Poller) Await(ctx context.Context, probe Probe) error {
	logger := logging.Ensure(p.Logger).With("probe", probe.Name)
	interval := probe.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	started := time.Now()
	deadline := started.Add(probe.Timeout)
	attempts := 0

	finish := func(outcome string, err error) error {
		observeWait(probe.Name, outcome, time.Since(started))
		if err != nil {
			return &Error{Probe: probe.Name, Err: err}
		}
		return nil
	}

	logger.Info("waiting", "timeout", probe.Timeout)
	for {
		if !p.alive() {
			logger.Error("vm process died while waiting", "attempts", attempts)
			return finish(outcomeDied, ErrProcessDied)
		}

		attempts++
		checkCtx, cancel := context.WithDeadline(ctx, deadline)
		release := p.cancelOnExit(cancel)
		ok := probe.Check(checkCtx)
		release()
		cancel()

		if err := ctx.Err(); err != nil {
			observeWait(probe.Name, outcomeCancelled, time.Since(started))
			return err
		}
		now := time.Now()
		if ok && !now.After(deadline) {
			logger.Debug("probe satisfied", "attempts", attempts, "elapsed", now.Sub(started).Round(time.Millisecond))
			return finish(outcomeReady, nil)
		}
		if !now.Before(deadline) {
			logger.Error("probe timed out", "attempts", attempts, "timeout", probe.Timeout)
			return finish(outcomeTimeout, ErrTimeout)
		}

		wait := interval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		logger.Debug("not ready yet", "attempt", attempts, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			observeWait(probe.Name, outcomeCancelled, time.Since(started))
			return ctx.Err()
		case <-p.Exited:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// cancelOnExit cancels an in-flight check once the process exits.
func (p Poller) cancelOnExit(cancel context.CancelFunc) (release func()) {
	if p.Exited == nil {
		return func() {}
	}
	checkDone := make(chan struct{})
	go func() {
		select {
		case <-p.Exited:
			cancel()
		case <-checkDone:
		}
	}()
	return func() { close(checkDone) }
}

func (p Poller) alive() bool {
	if p.Exited != nil {
		select {
		case <-p.Exited:
			return false
		default:
		}
	}
	return p.Liveness == nil || p.Liveness()
}
