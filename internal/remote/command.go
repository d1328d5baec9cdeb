package remote

import (
	"context"
	"fmt"
	"strings"
)

// Shell selects the interpreter a command body runs under.
type Shell int

const (
	// ShellNative runs the body through the guest's default command shell.
	ShellNative Shell = iota
	// ShellScripted runs the body as a PowerShell script.
	ShellScripted
)

func (s Shell) String() string {
	if s == ShellScripted {
		return "powershell"
	}
	return "cmd"
}

// Command is one remote operation. Commands may be retried, so bodies must be
// idempotent.
type Command struct {
	Description string
	Body        string
	Shell       Shell
}

// Native builds a command-shell command.
func Native(description, body string) Command {
	return Command{Description: description, Body: body, Shell: ShellNative}
}

// Script builds a PowerShell command.
func Script(description, body string) Command {
	return Command{Description: description, Body: body, Shell: ShellScripted}
}

// Result is the outcome of a command that reached the guest.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Summary is a one-line excerpt of the output for logs and errors.
func (r Result) Summary() string {
	out := strings.TrimSpace(r.Stderr)
	if out == "" {
		out = strings.TrimSpace(r.Stdout)
	}
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = strings.TrimSpace(out[:i])
	}
	const limit = 200
	if len(out) > limit {
		out = out[:limit] + "..."
	}
	return fmt.Sprintf("exit %d: %s", r.ExitCode, out)
}

// Runner executes commands in the guest. An error means the command never
// produced a result (transport failure); a non-zero exit is not an error.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Session is a Runner that can also report plain reachability.
type Session interface {
	Runner
	Ping(ctx context.Context) bool
}
