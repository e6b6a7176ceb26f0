package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes external helper binaries (mount, mkfs, qconf, exportfs, ...)
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the local host
type ExecRunner struct{}

// Run executes name with args and returns combined output
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

// RecordingRunner records every command and replies from canned results.
// Responses are keyed by the full command line.
type RecordingRunner struct {
	mu        sync.Mutex
	commands  []string
	responses map[string]Response
	fallback  Response
}

// Response is a canned command result
type Response struct {
	Output string
	Err    error
}

// NewRecordingRunner creates a runner where every command succeeds with no output
func NewRecordingRunner() *RecordingRunner {
	return &RecordingRunner{responses: make(map[string]Response)}
}

// Respond sets the result for an exact command line
func (r *RecordingRunner) Respond(cmdline string, resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[cmdline] = resp
}

// RespondAll sets the result for commands without a specific response
func (r *RecordingRunner) RespondAll(resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = resp
}

func (r *RecordingRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmdline := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmdline)
	if resp, ok := r.responses[cmdline]; ok {
		return resp.Output, resp.Err
	}
	return r.fallback.Output, r.fallback.Err
}

// Commands returns every command line run so far
func (r *RecordingRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// Ran reports whether any recorded command line starts with prefix
func (r *RecordingRunner) Ran(prefix string) bool {
	for _, c := range r.Commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

var (
	_ Runner = ExecRunner{}
	_ Runner = (*RecordingRunner)(nil)
)
