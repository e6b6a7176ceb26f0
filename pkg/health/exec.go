package health

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/colony/pkg/command"
)

// maxOutput bounds how much command output lands in a Result message
const maxOutput = 100

// ExecChecker runs a command on the control-plane node through a
// command.Runner. A nil error from the runner is healthy.
type ExecChecker struct {
	Runner  command.Runner
	Command []string
	Timeout time.Duration
}

// NewExecChecker checks by running cmd with a ten second limit
func NewExecChecker(runner command.Runner, cmd []string) *ExecChecker {
	return &ExecChecker{Runner: runner, Command: cmd, Timeout: 10 * time.Second}
}

func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if len(e.Command) == 0 {
		return finish(start, false, "no command configured")
	}
	line := strings.Join(e.Command, " ")

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	out, err := e.Runner.Run(ctx, e.Command[0], e.Command[1:]...)
	if err != nil {
		return finish(start, false, "%s: %v", line, err)
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return finish(start, true, "%s: ok", line)
	}
	if len(out) > maxOutput {
		out = out[:maxOutput] + "..."
	}
	return finish(start, true, "%s: %s", line, out)
}

func (e *ExecChecker) Type() CheckType { return CheckTypeExec }

// WithTimeout sets the per-run limit; zero leaves only ctx in charge
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}
