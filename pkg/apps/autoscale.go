package apps

import (
	"context"

	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/types"
)

const AutoscaleName = "Autoscale"

// AutoscaleService keeps the worker count within [min, max]
type AutoscaleService struct {
	*service.Base
	cluster Cluster
	min     int
	max     int
}

func NewAutoscale(d Deps, _ Options) service.Service {
	a := &AutoscaleService{
		Base:    service.NewBase(AutoscaleName, types.ServiceTypeApplication, types.RoleAutoscale),
		cluster: d.Cluster,
		min:     d.MinWorkers,
		max:     d.MaxWorkers,
	}
	if a.max < a.min {
		a.max = a.min
	}
	return a
}

func (a *AutoscaleService) Bounds() (int, int) { return a.min, a.max }

func (a *AutoscaleService) Add(ctx context.Context) bool {
	a.SetState(types.ServiceStateRunning)
	a.Logger().Info().Int("min", a.min).Int("max", a.max).Msg("autoscaling enabled")
	return true
}

func (a *AutoscaleService) Remove(ctx context.Context) {
	a.SetState(types.ServiceStateShutDown)
}

// Status adds or removes workers to bring the count back within bounds
func (a *AutoscaleService) Status(ctx context.Context) {
	if a.State() != types.ServiceStateRunning {
		return
	}
	n := a.cluster.WorkerCount()
	switch {
	case n < a.min:
		if err := a.cluster.AddWorkers(ctx, a.min-n); err != nil {
			a.Logger().Error().Err(err).Msg("failed to scale up")
		}
	case a.max > 0 && n > a.max:
		if err := a.cluster.RemoveWorkers(ctx, n-a.max); err != nil {
			a.Logger().Error().Err(err).Msg("failed to scale down")
		}
	}
}

var _ service.Service = (*AutoscaleService)(nil)
