package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/colony/pkg/command"
	"github.com/cuemby/colony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := NewMemBackend()
	s := New(backend, "master.internal", true)

	deps := s.Dependencies()
	require.Len(t, deps, 1)
	assert.Equal(t, types.RoleTransientNFS, deps[0].Role())
	assert.True(t, s.HasRole(types.RoleScheduler))

	require.True(t, s.Add(ctx))
	assert.Equal(t, types.ServiceStateRunning, s.State())

	hosts, err := s.ExecHosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"master.internal"}, hosts)

	backend.Kill()
	s.Status(ctx)
	assert.Equal(t, types.ServiceStateError, s.State())

	require.NoError(t, backend.Start(ctx))
	s.Status(ctx)
	assert.Equal(t, types.ServiceStateRunning, s.State())

	s.Remove(ctx)
	assert.Equal(t, types.ServiceStateShutDown, s.State())
	running, _ := backend.Running(ctx)
	assert.False(t, running)
}

func TestSchedulerStartFailure(t *testing.T) {
	backend := NewMemBackend()
	backend.FailStart(errors.New("qmaster crashed"))
	s := New(backend, "master", false)

	assert.False(t, s.Add(context.Background()))
	assert.Equal(t, types.ServiceStateError, s.State())
}

func TestExecHosts(t *testing.T) {
	ctx := context.Background()
	backend := NewMemBackend()
	s := New(backend, "master", false)

	assert.Error(t, s.AddExecHost(ctx, "w1", 4), "scheduler not running yet")

	require.True(t, s.Add(ctx))
	require.NoError(t, s.AddExecHost(ctx, "w1", 4))
	require.NoError(t, s.AddExecHost(ctx, "w2", 2))
	assert.Equal(t, 4, backend.Slots("w1"))

	require.NoError(t, s.RemoveExecHost(ctx, "w1"))
	assert.Error(t, s.RemoveExecHost(ctx, "w1"))

	hosts, err := s.ExecHosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"w2"}, hosts)

	require.NoError(t, s.Suspend(ctx))
	assert.True(t, backend.Suspended())
	require.NoError(t, s.Resume(ctx))
	assert.False(t, backend.Suspended())
}

func TestSetMasterExecHost(t *testing.T) {
	ctx := context.Background()
	backend := NewMemBackend()
	s := New(backend, "master", true)
	require.True(t, s.Add(ctx))

	tests := []struct {
		name      string
		enabled   bool
		wantHosts []string
	}{
		{name: "disable", enabled: false, wantHosts: []string{}},
		{name: "disable again", enabled: false, wantHosts: []string{}},
		{name: "enable", enabled: true, wantHosts: []string{"master"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.SetMasterExecHost(ctx, tt.enabled))
			assert.Equal(t, tt.enabled, s.MasterIsExecHost())
			hosts, err := s.ExecHosts(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantHosts, hosts)
		})
	}
}

func TestSGEBackendCommands(t *testing.T) {
	ctx := context.Background()
	runner := command.NewRecordingRunner()
	b := NewSGEBackend(runner, "")

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.AddExecHost(ctx, "w1", 4))
	require.NoError(t, b.RemoveExecHost(ctx, "w1"))
	require.NoError(t, b.SuspendQueue(ctx))
	require.NoError(t, b.ResumeQueue(ctx))
	require.NoError(t, b.Stop(ctx))

	assert.Equal(t, []string{
		"/opt/sge/default/common/sgemaster start",
		"qconf -ah w1",
		"qconf -aattr hostgroup hostlist w1 @allhosts",
		"qconf -aattr queue slots [w1=4] all.q",
		"qconf -dattr hostgroup hostlist w1 @allhosts",
		"qconf -purge queue slots all.q@w1",
		"qconf -de w1",
		"qmod -sq all.q",
		"qmod -usq all.q",
		"/opt/sge/default/common/sgemaster stop",
	}, runner.Commands())
}

func TestSGEBackendExecHosts(t *testing.T) {
	tests := []struct {
		name   string
		output string
		err    error
		want   []string
	}{
		{name: "hosts", output: "w2.internal\nw1.internal\n", want: []string{"w1.internal", "w2.internal"}},
		{name: "none", output: "no execution host defined\n", want: nil},
		{name: "error", err: errors.New("qconf failed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := command.NewRecordingRunner()
			runner.Respond("qconf -sel", command.Response{Output: tt.output, Err: tt.err})
			hosts, err := NewSGEBackend(runner, "/sge").ExecHosts(context.Background())
			if tt.err != nil {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, hosts)
		})
	}
}

func TestSGEBackendRunning(t *testing.T) {
	runner := command.NewRecordingRunner()
	b := NewSGEBackend(runner, "")

	running, err := b.Running(context.Background())
	require.NoError(t, err)
	assert.True(t, running)

	runner.Respond("qstat -f", command.Response{Err: errors.New("cannot connect")})
	running, err = b.Running(context.Background())
	require.NoError(t, err)
	assert.False(t, running)
}
