package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/filesystem"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/types"
	"gopkg.in/yaml.v3"
)

// SharedFileList names the key listing every file of a shared cluster
const SharedFileList = "shared_instance_file_list.yaml"

// ShutdownOptions control cluster teardown
type ShutdownOptions struct {
	// DeleteCluster removes the cluster bucket and skips the final persist
	DeleteCluster bool
}

// CheckServices runs a status pass over every service and reports state
// changes
func (m *Manager) CheckServices(ctx context.Context) {
	for _, svc := range m.registry.All() {
		before := svc.State()
		svc.Status(ctx)
		if after := svc.State(); after != before {
			m.eventBroker.Emit(events.EventServiceStateChange, "service state changed", map[string]string{
				"service": svc.Name(),
				"from":    string(before),
				"to":      string(after),
			})
		}
	}
}

// StartEligible adds every unstarted service whose dependencies are bound
// and running. It reports whether any service left UNSTARTED.
func (m *Manager) StartEligible(ctx context.Context) bool {
	switch m.Status() {
	case types.ClusterShuttingDown, types.ClusterTerminated:
		return false
	}

	changed := false
	for _, svc := range m.registry.All() {
		if svc.State() != types.ServiceStateUnstarted || !m.registry.Ready(svc) {
			continue
		}
		m.logger.Debug().Str("service", svc.Name()).Msg("starting service")
		svc.Add(ctx)
		if svc.State() != types.ServiceStateUnstarted {
			changed = true
		}
	}
	if changed {
		m.touch()
	}
	return changed
}

// RequestGrow records a resize of the named filesystem, or of the primary
// data filesystem when name is empty. The resize runs on the next tick.
func (m *Manager) RequestGrow(name string, req types.GrowRequest) error {
	var fs *filesystem.Filesystem
	if name == "" {
		primary, ok := m.PrimaryData()
		if !ok {
			return errors.New("cluster has no primary data filesystem")
		}
		fs = primary
	} else {
		svc, ok := m.registry.ByName(name)
		if !ok {
			return fmt.Errorf("filesystem %s is not registered", name)
		}
		if fs, ok = svc.(*filesystem.Filesystem); !ok {
			return fmt.Errorf("service %s is not a filesystem", name)
		}
	}
	if err := fs.RequestGrow(req); err != nil {
		return err
	}
	m.logger.Info().Str("filesystem", fs.Name()).Int("target_size", req.TargetSize).Msg("filesystem resize requested")
	return nil
}

// ExpandPending carries out every pending resize and reports whether any
// was attempted. Nothing is expanded once shutdown has begun.
func (m *Manager) ExpandPending(ctx context.Context) bool {
	switch m.Status() {
	case types.ClusterShuttingDown, types.ClusterTerminated:
		return false
	}

	attempted := false
	for _, fs := range m.filesystems() {
		if fs.Grow() == nil {
			continue
		}
		attempted = true
		result := "success"
		if !fs.Expand(ctx) {
			result = "failure"
		}
		metrics.FilesystemExpansionsTotal.WithLabelValues(result).Inc()
		m.eventBroker.Emit(events.EventFilesystemExpanded, "filesystem expansion "+result, map[string]string{
			"filesystem": fs.Name(),
			"size":       fmt.Sprint(fs.Size()),
		})
	}
	return attempted
}

// RestartFilesystems takes every persistent filesystem down, keeping its
// volumes, and brings it back up
func (m *Manager) RestartFilesystems(ctx context.Context) {
	for _, fs := range m.filesystems() {
		if !fs.Persistent() {
			continue
		}
		fs.RemoveBacking(ctx, false)
		fs.Wait()
		fs.Add(ctx)
	}
}

// RefreshDiskUsage samples usage of every running filesystem
func (m *Manager) RefreshDiskUsage() {
	usage := make(map[string]types.DiskUsage)
	for _, fs := range m.filesystems() {
		if fs.State() != types.ServiceStateRunning {
			continue
		}
		du, err := fs.DiskUsage()
		if err != nil {
			m.logger.Debug().Err(err).Str("filesystem", fs.Name()).Msg("failed to sample disk usage")
			continue
		}
		usage[fs.Name()] = du
	}
	m.mu.Lock()
	m.diskUsage = usage
	m.mu.Unlock()
}

// DiskUsage returns the latest disk usage samples by filesystem name
func (m *Manager) DiskUsage() map[string]types.DiskUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]types.DiskUsage, len(m.diskUsage))
	for k, v := range m.diskUsage {
		out[k] = v
	}
	return out
}

// ToggleMasterExecHost flips whether the control-plane node runs jobs and
// returns the new setting
func (m *Manager) ToggleMasterExecHost(ctx context.Context) (bool, error) {
	enabled := !m.scheduler.MasterIsExecHost()
	if err := m.scheduler.SetMasterExecHost(ctx, enabled); err != nil {
		return !enabled, err
	}
	return enabled, nil
}

func (m *Manager) appServices() []service.Service {
	return m.registry.ByType(types.ServiceTypeApplication)
}

// StopAppServices stops the application services and suspends the job
// queue, waiting up to the shutdown bound for the services to stop
func (m *Manager) StopAppServices(ctx context.Context) {
	var stopping []service.Service
	for _, svc := range m.appServices() {
		if svc.State().Off() {
			continue
		}
		svc.Remove(ctx)
		stopping = append(stopping, svc)
	}
	if m.scheduler != nil && m.scheduler.State() == types.ServiceStateRunning {
		if err := m.scheduler.Suspend(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("failed to suspend job queue")
		}
	}
	if !m.waitOff(ctx, stopping, time.Now().Add(m.settings.ShutdownWait)) {
		m.logger.Warn().Msg("application services did not stop in time")
	}
}

// StartAppServices restarts stopped application services and resumes the
// job queue
func (m *Manager) StartAppServices(ctx context.Context) {
	for _, svc := range m.appServices() {
		if svc.State() == types.ServiceStateShutDown {
			svc.Add(ctx)
		}
	}
	if m.scheduler != nil && m.scheduler.State() == types.ServiceStateRunning {
		if err := m.scheduler.Resume(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("failed to resume job queue")
		}
	}
}

// waitOff polls until every service is in a terminal state or the
// deadline passes
func (m *Manager) waitOff(ctx context.Context, svcs []service.Service, deadline time.Time) bool {
	for {
		done := true
		for _, svc := range svcs {
			if !svc.State().Off() {
				done = false
				break
			}
		}
		if done {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.pollInterval):
		}
	}
}

// ShareCluster snapshots the data filesystem and publishes a reduced copy
// of the cluster configuration under shared/<timestamp>/ in the cluster
// bucket, readable by grantees or by everyone when grantees is empty.
// Application services are stopped for the snapshot. It returns the share
// string a new cluster bootstraps from.
func (m *Manager) ShareCluster(ctx context.Context, grantees []string) (string, error) {
	if m.ClusterType() == "" {
		return "", errors.New("cluster is not configured")
	}
	primary, ok := m.PrimaryData()
	if !ok {
		return "", errors.New("cluster has no primary data filesystem")
	}

	m.StopAppServices(ctx)
	defer m.StartAppServices(ctx)

	ts := time.Now().UTC().Format("2006-01-02--15-04-05")
	desc := fmt.Sprintf("Share of cluster %s at %s", m.settings.ClusterName, ts)
	snaps, err := primary.CreateSnapshot(ctx, desc)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot %s: %w", primary.Name(), err)
	}
	for _, id := range snaps {
		if err := m.provider.ShareSnapshot(ctx, id, grantees); err != nil {
			return "", fmt.Errorf("failed to share snapshot %s: %w", id, err)
		}
	}

	doc, err := m.BuildDocument()
	if err != nil {
		return "", err
	}
	data, err := doc.SharedView([]types.ServiceRole{types.RoleReferenceData}, snaps).Marshal()
	if err != nil {
		return "", err
	}

	bucket := m.settings.ClusterBucket
	prefix := SharedPrefix + ts + "/"
	m.withStore(func() {
		err = m.writeShare(bucket, prefix, data, grantees)
	})
	if err != nil {
		return "", err
	}

	share := bucket + "/" + strings.TrimSuffix(prefix, "/")
	m.logger.Info().Str("share", share).Strs("snapshots", snaps).Msg("cluster shared")
	m.eventBroker.Emit(events.EventClusterShared, "cluster shared", map[string]string{
		"share":     share,
		"snapshots": strings.Join(snaps, ","),
	})
	return share, nil
}

// writeShare copies the cluster's top-level keys under prefix, writes the
// shared document and file list and grants access. Callers hold storeMu.
func (m *Manager) writeShare(bucket, prefix string, doc []byte, grantees []string) error {
	listed, err := m.store.ListKeys(bucket, "", "/")
	if err != nil {
		return fmt.Errorf("failed to list cluster bucket: %w", err)
	}

	var files []string
	for _, key := range listed.Keys {
		if key == clusterconf.FileName {
			continue
		}
		if err := m.store.Copy(bucket, key, bucket, prefix+key); err != nil {
			return fmt.Errorf("failed to copy %s: %w", key, err)
		}
		files = append(files, prefix+key)
	}
	if err := m.store.Put(bucket, prefix+clusterconf.FileName, doc); err != nil {
		return fmt.Errorf("failed to write shared document: %w", err)
	}
	files = append(files, prefix+clusterconf.FileName)

	list, err := yaml.Marshal(files)
	if err != nil {
		return err
	}
	if err := m.store.Put(bucket, prefix+SharedFileList, list); err != nil {
		return fmt.Errorf("failed to write shared file list: %w", err)
	}
	files = append(files, prefix+SharedFileList)

	for _, key := range files {
		if len(grantees) == 0 {
			err = m.store.MakeKeyPublic(bucket, key)
		} else {
			err = m.store.GrantKeyRead(bucket, key, grantees)
		}
		if err != nil {
			return fmt.Errorf("failed to grant read on %s: %w", key, err)
		}
	}
	if len(grantees) == 0 {
		err = m.store.MakeBucketPublic(bucket)
	} else {
		err = m.store.GrantBucketRead(bucket, grantees)
	}
	if err != nil {
		return fmt.Errorf("failed to grant read on bucket %s: %w", bucket, err)
	}
	return nil
}

// Shutdown tears the cluster down in order: autoscaling, workers and spot
// requests, application services, storage. It then waits, bounded by the
// shutdown wait, for every service to stop and marks the cluster
// TERMINATED. Later calls do nothing.
func (m *Manager) Shutdown(ctx context.Context, opts ShutdownOptions) error {
	var err error
	m.shutdownOnce.Do(func() {
		err = m.shutdown(ctx, opts)
	})
	return err
}

func (m *Manager) shutdown(ctx context.Context, opts ShutdownOptions) error {
	m.logger.Info().Bool("delete_cluster", opts.DeleteCluster).Msg("shutting down cluster")
	deadline := time.Now().Add(m.settings.ShutdownWait)

	if !opts.DeleteCluster && m.ClusterType() != "" {
		if err := m.PersistConfig(ctx); err != nil {
			m.logger.Error().Err(err).Msg("failed to persist configuration before shutdown")
		}
	}
	m.SetStatus(types.ClusterShuttingDown)

	for _, svc := range m.registry.ByRole(types.RoleAutoscale) {
		m.RemoveService(ctx, svc.Name())
	}

	workers := m.Workers()
	for _, w := range workers {
		w.Terminate(ctx)
	}
	for _, w := range workers {
		w.Wait()
	}

	var others []service.Service
	for _, svc := range m.registry.All() {
		if svc.Type() == types.ServiceTypeStorage {
			continue
		}
		if !svc.State().Off() && svc.State() != types.ServiceStateShuttingDown {
			svc.Remove(ctx)
		}
		others = append(others, svc)
	}
	if !m.waitOff(ctx, others, deadline) {
		m.logger.Warn().Msg("application services did not stop in time, removing storage anyway")
	}

	var storageSvcs []service.Service
	for _, fs := range m.filesystems() {
		fs.Remove(ctx)
		storageSvcs = append(storageSvcs, fs)
	}
	if !m.waitOff(ctx, storageSvcs, deadline) {
		m.logger.Warn().Msg("storage services did not stop in time")
	}

	var err error
	if opts.DeleteCluster {
		m.withStore(func() {
			err = m.deleteBucket()
		})
		if err != nil {
			m.logger.Error().Err(err).Msg("failed to delete cluster bucket")
		}
	}

	m.SetStatus(types.ClusterTerminated)
	return err
}

// deleteBucket removes every key of the cluster bucket and the bucket.
// Callers hold storeMu.
func (m *Manager) deleteBucket() error {
	bucket := m.settings.ClusterBucket
	listed, err := m.store.ListKeys(bucket, "", "")
	if err != nil {
		return err
	}
	for _, key := range listed.Keys {
		if err := m.store.Delete(bucket, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	return m.store.DeleteBucket(bucket)
}
