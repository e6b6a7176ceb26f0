package apps

import (
	"sort"
	"strings"

	"github.com/cuemby/colony/pkg/health"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/types"
)

type batchIntegration struct {
	name  string
	start []string
	stop  []string
	check []string
}

var batchIntegrations = map[string]batchIntegration{
	"hadoop": {
		name:  "Hadoop",
		start: []string{"/opt/hadoop/sbin/start-all.sh"},
		stop:  []string{"/opt/hadoop/sbin/stop-all.sh"},
		check: []string{"/opt/hadoop/bin/hadoop", "version"},
	},
	"htcondor": {
		name:  "HTCondor",
		start: []string{"condor_master"},
		stop:  []string{"condor_off", "-master"},
		check: []string{"condor_status", "-master"},
	},
}

// BatchIntegrations lists the known batch integration keys
func BatchIntegrations() []string {
	keys := make([]string, 0, len(batchIntegrations))
	for k := range batchIntegrations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KnownBatch reports whether name (any case) is a batch integration
func KnownBatch(name string) bool {
	_, ok := batchIntegrations[strings.ToLower(name)]
	return ok
}

// NewBatch creates the batch integration named by opts.Name, matched either
// by key or by service name. Unknown names fall back to hadoop.
func NewBatch(d Deps, opts Options) service.Service {
	b, ok := batchIntegrations[strings.ToLower(opts.Name)]
	if !ok {
		b = batchIntegrations["hadoop"]
	}
	return NewAppService(AppSpec{
		Name:     b.name,
		Role:     types.RoleBatch,
		Requires: []types.ServiceRole{types.RoleScheduler},
		Home:     opts.Home,
		Start:    b.start,
		Stop:     b.stop,
		Checker:  health.NewExecChecker(d.Runner, b.check),
	}, d)
}
