package guest

import (
	"context"
	"fmt"

	"github.com/cochaviz/keel/internal/remote"
)

// ReconcileError reports a required guest command that failed, either with a
// non-zero exit (Result) or without reaching the guest (Err).
type ReconcileError struct {
	Step   string
	Result remote.Result
	Err    error
}

func (e *ReconcileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guest step %q: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("guest step %q failed: %s", e.Step, e.Result.Summary())
}

func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// mustRun runs cmd and turns any failure into a ReconcileError.
func mustRun(ctx context.Context, runner remote.Runner, cmd remote.Command) (remote.Result, error) {
	result, err := runner.Run(ctx, cmd)
	if err != nil {
		return result, &ReconcileError{Step: cmd.Description, Err: err}
	}
	if !result.OK() {
		return result, &ReconcileError{Step: cmd.Description, Result: result}
	}
	return result, nil
}
