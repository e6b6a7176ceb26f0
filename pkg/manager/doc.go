/*
Package manager is the cluster control plane's core. A Manager owns the
service registry, the worker instances and the persisted description of the
cluster, and exposes the operations the reconciler and the CLI drive.

# Startup

Start discovers the node this process runs on, creates the cluster bucket
and registers the services every cluster has: the transient NFS share, the
grid scheduler, the post-start script and the batch integrations. It then
picks one of three paths:

  - a share string is configured: the shared document, files and data
    snapshots are copied into a new cluster
  - a persisted document exists: its filesystems and services are
    re-registered and live workers tagged with the cluster name are adopted
  - neither: the cluster waits in WAITING until InitCluster picks a type

An unreadable document or a failed share bootstrap makes Start return an
error, and the process exits.

# Workers

Workers are added through the provider (on-demand or spot) and tracked in
a single map keyed by instance id, or by spot request id until the request
is filled. Messages from workers arrive on the comm channel; Dispatch routes
each one to its worker, adopting instances this master has not seen yet when
the provider reports them alive. The master is an execution host only while
no workers exist.

# Persistence

PersistConfig writes persistent_data.yaml into the cluster bucket. A
document identical to the last one written is skipped. Secrets in bucket
filesystems are sealed with a key derived from the cluster name.

# Orchestration

ShareCluster snapshots the primary data, writes a trimmed document under
shared/<timestamp>/ and grants read access. RequestGrow queues a resize that
ExpandPending carries out on the next reconciler pass. Shutdown stops
autoscaling, terminates workers, stops application services and then storage,
and marks the cluster TERMINATED.

	mgr, err := manager.NewManager(&manager.Config{
		Settings: settings,
		Provider: provider,
		Store:    store,
		Channel:  channel,
		Host:     host,
	})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	err = mgr.InitCluster(ctx, types.ClusterTypeData, 20, manager.StorageVolume)
*/
package manager
