package metrics

import (
	"testing"

	"github.com/cuemby/colony/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeSource struct{}

func (fakeSource) ServiceSamples() []ServiceSample {
	return []ServiceSample{
		{Type: types.ServiceTypeStorage, State: types.ServiceStateRunning},
		{Type: types.ServiceTypeStorage, State: types.ServiceStateRunning},
		{Type: types.ServiceTypeApplication, State: types.ServiceStateError},
	}
}

func (fakeSource) WorkerStates() []types.MachineState {
	return []types.MachineState{types.MachineRunning, types.MachinePending, types.MachineRunning}
}

func (fakeSource) Status() types.ClusterStatus { return types.ClusterReady }

func (fakeSource) DiskUsage() map[string]types.DiskUsage {
	return map[string]types.DiskUsage{"galaxyData": {Total: 200, Used: 50}}
}

func TestCollectorCollect(t *testing.T) {
	c := NewCollector(fakeSource{})
	c.collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(ServicesTotal.WithLabelValues("storage", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ServicesTotal.WithLabelValues("application", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(WorkersTotal.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ClusterStatus.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(ClusterStatus.WithLabelValues("starting")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(DiskUsageRatio.WithLabelValues("galaxyData")), 0.001)
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(fakeSource{})
	c.Start()
	c.Stop()
}
