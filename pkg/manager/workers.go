package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cuemby/colony/pkg/cloud"
	"github.com/cuemby/colony/pkg/comm"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/hosts"
	"github.com/cuemby/colony/pkg/instance"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
	"gopkg.in/yaml.v3"
)

// HostsFileName is the rendered host table workers copy from the transient share
const HostsFileName = "hosts"

// Workers returns the live worker set
func (m *Manager) Workers() []*instance.Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*instance.Instance(nil), m.workers...)
}

func (m *Manager) WorkerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// Worker finds a worker by instance id or, for unfilled spot requests, by
// request id
func (m *Manager) Worker(key string) (*instance.Instance, bool) {
	if key == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.workers {
		if w.ID() == key || w.Key() == key {
			return w, true
		}
	}
	return nil, false
}

func (m *Manager) instanceDeps() instance.Deps {
	return instance.Deps{
		Provider: m.provider,
		Channel:  m.channel,
		Cluster:  m,
		Config:   m.instCfg,
	}
}

func (m *Manager) addWorker(inst *instance.Instance) {
	m.mu.Lock()
	m.workers = append(m.workers, inst)
	m.mu.Unlock()
	m.touch()
	m.eventBroker.Emit(events.EventInstanceAdded, "worker added", map[string]string{"instance": inst.Key()})
}

// userData is handed to new workers so their agent can find the master
func (m *Manager) userData() string {
	data, err := yaml.Marshal(map[string]string{
		"cluster_name":   m.settings.ClusterName,
		"bucket_cluster": m.settings.ClusterBucket,
		"master_ip":      m.meta.PrivateIP,
		"role":           "worker",
	})
	if err != nil {
		return ""
	}
	return string(data)
}

// AddInstances launches n workers. A non-zero spotPrice requests spot-style
// instances, which join the worker set as unfilled requests. An empty
// instanceType uses the control-plane node's type.
func (m *Manager) AddInstances(ctx context.Context, n int, instanceType string, spotPrice float64) error {
	if n <= 0 {
		return fmt.Errorf("instance count must be positive, got %d", n)
	}
	if st := m.Status(); st == types.ClusterShuttingDown || st == types.ClusterTerminated {
		return fmt.Errorf("cluster is %s", st)
	}
	if instanceType == "" {
		instanceType = m.meta.InstanceType
	}
	req := cloud.RunRequest{
		Count:        n,
		InstanceType: instanceType,
		ImageID:      m.meta.ImageID,
		Zone:         m.meta.Zone,
		UserData:     m.userData(),
		SpotPrice:    spotPrice,
	}

	logger := m.logger.With().Int("count", n).Str("type", instanceType).Logger()
	if spotPrice > 0 {
		reqs, err := m.provider.RequestSpot(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to request spot instances: %w", err)
		}
		for _, r := range reqs {
			m.addWorker(instance.NewSpot(r.ID, m.instanceDeps()))
		}
		logger.Info().Float64("price", spotPrice).Msg("spot instances requested")
	} else {
		launched, err := m.provider.RunInstances(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to launch instances: %w", err)
		}
		for _, li := range launched {
			inst := instance.New(li.ID, li.State, m.instanceDeps())
			inst.Tag(ctx)
			m.addWorker(inst)
		}
		logger.Info().Msg("instances launched")
	}

	if m.scheduler.MasterIsExecHost() {
		if err := m.scheduler.SetMasterExecHost(ctx, false); err != nil {
			m.logger.Warn().Err(err).Msg("failed to remove master from execution pool")
		}
	}
	return nil
}

// AddWorkers launches n on-demand workers of the default type
func (m *Manager) AddWorkers(ctx context.Context, n int) error {
	return m.AddInstances(ctx, n, "", 0)
}

// AddLiveInstance starts tracking an instance that is already running, such
// as one that messaged the master before being known. Instances the provider
// does not know, or that are going away, are not adopted.
func (m *Manager) AddLiveInstance(ctx context.Context, id string) (*instance.Instance, bool) {
	if inst, ok := m.Worker(id); ok {
		return inst, true
	}
	if id == "" || id == m.meta.InstanceID {
		return nil, false
	}

	var live cloud.Instance
	err := cloud.Retry(ctx, m.instCfg.LookupAttempts, m.instCfg.LookupDelay, func() error {
		var err error
		live, err = m.provider.DescribeInstance(ctx, id)
		return err
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("instance_id", id).Msg("cannot adopt unknown instance")
		return nil, false
	}
	switch live.State {
	case types.MachineShuttingDown, types.MachineTerminated:
		m.logger.Debug().Str("instance_id", id).Str("state", string(live.State)).Msg("not adopting instance that is going away")
		return nil, false
	}

	inst := instance.New(id, live.State, m.instanceDeps())
	inst.Tag(ctx)
	m.addWorker(inst)
	inst.SendAliveRequest()
	m.logger.Info().Str("instance_id", id).Msg("live instance adopted")
	return inst, true
}

// adoptLiveInstances picks up workers of this cluster left running by a
// previous control plane
func (m *Manager) adoptLiveInstances(ctx context.Context) {
	live, err := m.provider.ListInstances(ctx, cloud.Filter{
		"clusterName": m.settings.ClusterName,
		"role":        "worker",
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to list live instances")
		return
	}
	for _, li := range live {
		m.AddLiveInstance(ctx, li.ID)
	}
}

// RemoveInstance drops inst from the live worker set and from the host
// table and scheduler pool. When the last worker goes the master rejoins
// the execution pool.
func (m *Manager) RemoveInstance(inst *instance.Instance) {
	m.mu.Lock()
	idx := -1
	for i, w := range m.workers {
		if w == inst {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return
	}
	m.workers = append(m.workers[:idx:idx], m.workers[idx+1:]...)
	left := len(m.workers)
	m.mu.Unlock()
	m.touch()

	ctx := context.Background()
	m.hostTable.Remove(inst.ID())
	if host := workerHost(inst); host != "" && m.scheduler != nil {
		if err := m.scheduler.RemoveExecHost(ctx, host); err != nil {
			m.logger.Debug().Err(err).Str("host", host).Msg("failed to remove execution host")
		}
	}
	if left == 0 && m.scheduler != nil && !m.scheduler.MasterIsExecHost() &&
		m.Status() != types.ClusterShuttingDown {
		if err := m.scheduler.SetMasterExecHost(ctx, true); err != nil {
			m.logger.Warn().Err(err).Msg("failed to return master to execution pool")
		}
	}

	m.logger.Info().Str("instance", inst.Key()).Int("workers", left).Msg("worker removed")
	m.eventBroker.Emit(events.EventInstanceRemoved, "worker removed", map[string]string{"instance": inst.Key()})
}

// RemoveInstances terminates up to n workers, picking workers that are not
// ready before the most recently added ones. It returns how many were asked
// to terminate.
func (m *Manager) RemoveInstances(ctx context.Context, n int) int {
	workers := m.Workers()
	// newest first within each group
	candidates := make([]*instance.Instance, 0, len(workers))
	for i := len(workers) - 1; i >= 0; i-- {
		if !workers[i].Ready() {
			candidates = append(candidates, workers[i])
		}
	}
	for i := len(workers) - 1; i >= 0; i-- {
		if workers[i].Ready() {
			candidates = append(candidates, workers[i])
		}
	}

	removed := 0
	for _, w := range candidates {
		if removed >= n {
			break
		}
		w.Terminate(ctx)
		m.eventBroker.Emit(events.EventInstanceTerminated, "worker termination requested", map[string]string{"instance": w.Key()})
		removed++
	}
	return removed
}

func (m *Manager) RemoveWorkers(ctx context.Context, n int) error {
	if got := m.RemoveInstances(ctx, n); got < n {
		return fmt.Errorf("only %d of %d workers could be removed", got, n)
	}
	return nil
}

// TerminateInstance terminates one worker by id
func (m *Manager) TerminateInstance(ctx context.Context, id string) error {
	inst, ok := m.Worker(id)
	if !ok {
		return fmt.Errorf("instance %s: %w", id, cloud.ErrNotFound)
	}
	inst.Terminate(ctx)
	m.eventBroker.Emit(events.EventInstanceTerminated, "worker termination requested", map[string]string{"instance": id})
	return nil
}

// RebootInstance reboots one worker on request. Operator reboots do not
// count toward the escalation ladder.
func (m *Manager) RebootInstance(ctx context.Context, id string) error {
	inst, ok := m.Worker(id)
	if !ok {
		return fmt.Errorf("instance %s: %w", id, cloud.ErrNotFound)
	}
	inst.Reboot(ctx, false)
	m.eventBroker.Emit(events.EventInstanceRebooted, "worker rebooted", map[string]string{"instance": id})
	return nil
}

// Dispatch decodes one inbound message and hands it to the worker it is
// routed to. An unknown routing key is first adopted as a live instance;
// if that fails the message is dropped.
func (m *Manager) Dispatch(ctx context.Context, env comm.Envelope) bool {
	msg, err := comm.Decode(env.Body)
	if err != nil {
		result := "malformed"
		if errors.Is(err, comm.ErrUnknownType) {
			result = "unknown_type"
		}
		metrics.MessagesTotal.WithLabelValues("invalid", result).Inc()
		m.logger.Warn().Err(err).Str("routing_key", env.RoutingKey).Msg("dropping undecodable message")
		return false
	}
	typ := string(msg.Type())

	inst, ok := m.Worker(env.RoutingKey)
	if !ok {
		inst, ok = m.AddLiveInstance(ctx, env.RoutingKey)
	}
	if !ok {
		metrics.MessagesTotal.WithLabelValues(typ, "dropped").Inc()
		m.logger.Warn().
			Str("routing_key", env.RoutingKey).
			Str("type", typ).
			Msg("message for unknown instance dropped")
		return false
	}

	inst.HandleMessage(ctx, msg)
	metrics.MessagesTotal.WithLabelValues(typ, "handled").Inc()
	return true
}

// DrainMessages dispatches every waiting inbound message and returns how
// many were handled
func (m *Manager) DrainMessages(ctx context.Context) int {
	handled := 0
	for {
		env, ok := m.channel.Recv()
		if !ok {
			return handled
		}
		if m.Dispatch(ctx, env) {
			handled++
		}
	}
}

// Instance callbacks

// MountPoints lists every shared filesystem for MOUNT messages, whatever
// its state, so a share that is briefly starting or failing stays in the
// worker's mount list. Buckets are left to the workers.
func (m *Manager) MountPoints() []comm.MountPoint {
	var out []comm.MountPoint
	for _, fs := range m.filesystems() {
		if mp, ok := fs.MountSpec(m.meta.PrivateIP); ok {
			out = append(out, mp)
		}
	}
	return out
}

// BucketFilesystems lists the buckets workers mount themselves
func (m *Manager) BucketFilesystems() []comm.AddBucketFS {
	var out []comm.AddBucketFS
	for _, fs := range m.filesystems() {
		if fs.Kind() != types.KindBucket {
			continue
		}
		roles := types.JoinRoles(fs.Roles())
		for _, b := range fs.Buckets() {
			out = append(out, comm.AddBucketFS{Bucket: b.Name, Roles: roles})
		}
	}
	return out
}

func (m *Manager) MasterPublicKey() string {
	if m.keys == nil {
		return ""
	}
	return m.keys.AuthorizedKey()
}

func (m *Manager) SaveHostCert(cert string) error {
	return m.knownHosts.Append(cert)
}

// RegisterHost adds the worker to the host table and pushes the table out
func (m *Manager) RegisterHost(inst *instance.Instance) {
	hostname := inst.Hostname()
	if hostname == "" {
		hostname = inst.PrivateIP()
	}
	if err := m.hostTable.Add(inst.ID(), inst.PrivateIP(), hostname); err != nil {
		m.logger.Warn().Err(err).Msg("failed to add worker to host table")
		return
	}
	m.syncHosts()
}

// AddExecHost registers the worker with the job scheduler
func (m *Manager) AddExecHost(ctx context.Context, inst *instance.Instance) error {
	host := workerHost(inst)
	if host == "" {
		return fmt.Errorf("worker %s has no address yet", inst.Key())
	}
	return m.scheduler.AddExecHost(ctx, host, inst.CPUs())
}

// WorkerReady refreshes the host table everywhere once a worker is ready
func (m *Manager) WorkerReady(ctx context.Context, inst *instance.Instance) {
	m.touch()
	m.syncHosts()
	m.logger.Info().Str("instance", inst.ID()).Int("cpus", inst.CPUs()).Msg("worker ready")
}

// HostTable returns the cluster host table
func (m *Manager) HostTable() *hosts.Table {
	return m.hostTable
}

// hostsPath is where the rendered host table is written for workers
func (m *Manager) hostsPath() string {
	return filepath.Join(m.settings.TransientPath, HostsFileName)
}

// syncHosts writes the host table to the transient share and tells ready
// workers to copy it
func (m *Manager) syncHosts() {
	path := m.hostsPath()
	if err := m.hostTable.WriteFile(path); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("failed to write hosts file")
		return
	}
	for _, w := range m.Workers() {
		if w.Ready() {
			w.SendSyncEtcHosts(path)
		}
	}
}

func workerHost(inst *instance.Instance) string {
	if h := inst.Hostname(); h != "" {
		return h
	}
	return inst.PrivateIP()
}
