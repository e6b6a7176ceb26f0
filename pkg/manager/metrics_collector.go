package manager

import (
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
)

// NewMetricsCollector creates a collector that copies this manager's state
// into the cluster gauges
func NewMetricsCollector(mgr *Manager) *metrics.Collector {
	return metrics.NewCollector(mgr)
}

// ServiceSamples returns the type and state of every registered service
func (m *Manager) ServiceSamples() []metrics.ServiceSample {
	svcs := m.registry.All()
	out := make([]metrics.ServiceSample, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, metrics.ServiceSample{Type: svc.Type(), State: svc.State()})
	}
	return out
}

// WorkerStates returns the machine state of every worker
func (m *Manager) WorkerStates() []types.MachineState {
	workers := m.Workers()
	out := make([]types.MachineState, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.MachineState())
	}
	return out
}

var _ metrics.Source = (*Manager)(nil)
