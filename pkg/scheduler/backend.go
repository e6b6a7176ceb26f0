package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/colony/pkg/command"
)

// Backend drives the external grid job scheduler
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running(ctx context.Context) (bool, error)

	AddExecHost(ctx context.Context, host string, slots int) error
	RemoveExecHost(ctx context.Context, host string) error
	ExecHosts(ctx context.Context) ([]string, error)

	SuspendQueue(ctx context.Context) error
	ResumeQueue(ctx context.Context) error
}

const (
	DefaultSGERoot   = "/opt/sge"
	DefaultQueue     = "all.q"
	DefaultHostGroup = "@allhosts"
)

// SGEBackend manages a Sun Grid Engine qmaster with qconf and qmod
type SGEBackend struct {
	runner    command.Runner
	root      string
	queue     string
	hostGroup string
}

// NewSGEBackend creates a backend rooted at root (DefaultSGERoot if empty)
func NewSGEBackend(runner command.Runner, root string) *SGEBackend {
	if root == "" {
		root = DefaultSGERoot
	}
	return &SGEBackend{
		runner:    runner,
		root:      root,
		queue:     DefaultQueue,
		hostGroup: DefaultHostGroup,
	}
}

func (b *SGEBackend) initScript() string {
	return filepath.Join(b.root, "default", "common", "sgemaster")
}

func (b *SGEBackend) Start(ctx context.Context) error {
	_, err := b.runner.Run(ctx, b.initScript(), "start")
	return err
}

func (b *SGEBackend) Stop(ctx context.Context) error {
	_, err := b.runner.Run(ctx, b.initScript(), "stop")
	return err
}

func (b *SGEBackend) Running(ctx context.Context) (bool, error) {
	if _, err := b.runner.Run(ctx, "qstat", "-f"); err != nil {
		return false, nil
	}
	return true, nil
}

func (b *SGEBackend) AddExecHost(ctx context.Context, host string, slots int) error {
	if _, err := b.runner.Run(ctx, "qconf", "-ah", host); err != nil {
		return fmt.Errorf("failed to add admin host %s: %w", host, err)
	}
	if _, err := b.runner.Run(ctx, "qconf", "-aattr", "hostgroup", "hostlist", host, b.hostGroup); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", host, b.hostGroup, err)
	}
	if slots > 0 {
		attr := fmt.Sprintf("[%s=%d]", host, slots)
		if _, err := b.runner.Run(ctx, "qconf", "-aattr", "queue", "slots", attr, b.queue); err != nil {
			return fmt.Errorf("failed to set slots for %s: %w", host, err)
		}
	}
	return nil
}

func (b *SGEBackend) RemoveExecHost(ctx context.Context, host string) error {
	if _, err := b.runner.Run(ctx, "qconf", "-dattr", "hostgroup", "hostlist", host, b.hostGroup); err != nil {
		return fmt.Errorf("failed to remove %s from %s: %w", host, b.hostGroup, err)
	}
	if _, err := b.runner.Run(ctx, "qconf", "-purge", "queue", "slots", b.queue+"@"+host); err != nil {
		return fmt.Errorf("failed to purge slots for %s: %w", host, err)
	}
	if _, err := b.runner.Run(ctx, "qconf", "-de", host); err != nil {
		return fmt.Errorf("failed to delete exec host %s: %w", host, err)
	}
	return nil
}

// ExecHosts lists configured execution hosts
func (b *SGEBackend) ExecHosts(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, "qconf", "-sel")
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "no execution host") {
			continue
		}
		hosts = append(hosts, line)
	}
	sort.Strings(hosts)
	return hosts, nil
}

func (b *SGEBackend) SuspendQueue(ctx context.Context) error {
	_, err := b.runner.Run(ctx, "qmod", "-sq", b.queue)
	return err
}

func (b *SGEBackend) ResumeQueue(ctx context.Context) error {
	_, err := b.runner.Run(ctx, "qmod", "-usq", b.queue)
	return err
}

// MemBackend is an in-memory Backend for tests and dry runs
type MemBackend struct {
	mu        sync.Mutex
	running   bool
	suspended bool
	hosts     map[string]int
	failStart error
}

func NewMemBackend() *MemBackend {
	return &MemBackend{hosts: make(map[string]int)}
}

// FailStart makes Start return err
func (b *MemBackend) FailStart(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStart = err
}

// Kill simulates the qmaster dying
func (b *MemBackend) Kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
}

func (b *MemBackend) Suspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended
}

// Slots returns the slots configured for host
func (b *MemBackend) Slots(host string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hosts[host]
}

func (b *MemBackend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failStart != nil {
		return b.failStart
	}
	b.running = true
	return nil
}

func (b *MemBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	return nil
}

func (b *MemBackend) Running(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running, nil
}

func (b *MemBackend) AddExecHost(ctx context.Context, host string, slots int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hosts[host] = slots
	return nil
}

func (b *MemBackend) RemoveExecHost(ctx context.Context, host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.hosts[host]; !ok {
		return fmt.Errorf("%s is not an execution host", host)
	}
	delete(b.hosts, host)
	return nil
}

func (b *MemBackend) ExecHosts(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hosts := make([]string, 0, len(b.hosts))
	for h := range b.hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}

func (b *MemBackend) SuspendQueue(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = true
	return nil
}

func (b *MemBackend) ResumeQueue(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended = false
	return nil
}

var (
	_ Backend = (*SGEBackend)(nil)
	_ Backend = (*MemBackend)(nil)
)
