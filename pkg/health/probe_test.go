package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/colony/pkg/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChecker struct {
	results []bool
	i       int
}

func (c *scriptedChecker) Check(ctx context.Context) Result {
	healthy := c.results[c.i]
	if c.i < len(c.results)-1 {
		c.i++
	}
	return Result{Healthy: healthy, CheckedAt: time.Now()}
}

func (c *scriptedChecker) Type() CheckType { return CheckTypeExec }

func TestProbeVerdicts(t *testing.T) {
	tests := []struct {
		name    string
		results []bool
		config  Config
		want    []Verdict
	}{
		{
			name:    "healthy",
			results: []bool{true},
			config:  Config{Retries: 2},
			want:    []Verdict{VerdictHealthy, VerdictHealthy},
		},
		{
			name:    "fails after retries",
			results: []bool{false, false, false},
			config:  Config{Retries: 2},
			want:    []Verdict{VerdictHealthy, VerdictUnhealthy, VerdictUnhealthy},
		},
		{
			name:    "start period hides failures",
			results: []bool{false, false, true, false},
			config:  Config{Retries: 1, StartPeriod: time.Hour},
			want:    []Verdict{VerdictStarting, VerdictStarting, VerdictHealthy, VerdictUnhealthy},
		},
		{
			name:    "recovers",
			results: []bool{false, true},
			config:  Config{Retries: 1},
			want:    []Verdict{VerdictUnhealthy, VerdictHealthy},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProbe(&scriptedChecker{results: tt.results}, tt.config)
			var got []Verdict
			for range tt.want {
				v, _ := p.Observe(context.Background())
				got = append(got, v)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProbeReset(t *testing.T) {
	p := NewProbe(&scriptedChecker{results: []bool{false}}, Config{Retries: 1})
	v, _ := p.Observe(context.Background())
	require.Equal(t, VerdictUnhealthy, v)
	assert.Equal(t, 1, p.Snapshot().ConsecutiveFailures)

	p.Reset()
	assert.Zero(t, p.Snapshot().ConsecutiveFailures)
	assert.True(t, p.Snapshot().Healthy)
}

func TestExecChecker(t *testing.T) {
	runner := command.NewRecordingRunner()
	runner.Respond("pg_isready -p 5910", command.Response{Output: "accepting connections\n"})
	runner.Respond("pg_isready -p 5911", command.Response{Err: errors.New("exit status 2")})

	ok := NewExecChecker(runner, []string{"pg_isready", "-p", "5910"}).Check(context.Background())
	assert.True(t, ok.Healthy)
	assert.Contains(t, ok.Message, "accepting connections")

	bad := NewExecChecker(runner, []string{"pg_isready", "-p", "5911"}).Check(context.Background())
	assert.False(t, bad.Healthy)

	empty := NewExecChecker(runner, nil).Check(context.Background())
	assert.False(t, empty.Healthy)
	assert.Equal(t, CheckTypeExec, NewExecChecker(runner, nil).Type())
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "starting", VerdictStarting.String())
	assert.Equal(t, "healthy", VerdictHealthy.String())
	assert.Equal(t, "unhealthy", VerdictUnhealthy.String())
}
