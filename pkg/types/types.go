package types

import (
	"strings"
	"time"
)

// ServiceState represents where a managed service is in its lifecycle
type ServiceState string

const (
	ServiceStateUnstarted            ServiceState = "unstarted"
	ServiceStateStarting             ServiceState = "starting"
	ServiceStateConfiguring          ServiceState = "configuring"
	ServiceStateRunning              ServiceState = "running"
	ServiceStateShuttingDown         ServiceState = "shutting_down"
	ServiceStateShutDown             ServiceState = "shut_down"
	ServiceStateError                ServiceState = "error"
	ServiceStateWaitingForUserAction ServiceState = "waiting_for_user_action"
	ServiceStateCompleted            ServiceState = "completed"
)

// Off reports whether the state counts as stopped for cluster shutdown purposes
func (s ServiceState) Off() bool {
	switch s {
	case ServiceStateShutDown, ServiceStateError, ServiceStateUnstarted, ServiceStateCompleted:
		return true
	}
	return false
}

// ServiceType groups services by the kind of work they do
type ServiceType string

const (
	ServiceTypeStorage     ServiceType = "storage"
	ServiceTypeScheduler   ServiceType = "scheduler"
	ServiceTypeApplication ServiceType = "application"
	ServiceTypeOneShot     ServiceType = "oneshot"
)

// ServiceRole is a capability tag used to match dependencies
type ServiceRole string

const (
	RolePrimaryData   ServiceRole = "primary-data"
	RoleReferenceData ServiceRole = "reference-data"
	RoleGenericFS     ServiceRole = "generic-fs"
	RoleTransientNFS  ServiceRole = "transient-nfs"
	RoleScheduler     ServiceRole = "scheduler"
	RoleDatabase      ServiceRole = "database"
	RoleWebApp        ServiceRole = "webapp"
	RoleReporting     ServiceRole = "reporting"
	RoleAllReady      ServiceRole = "all-ready"
	RoleMigration     ServiceRole = "migration"
	RoleAutoscale     ServiceRole = "autoscale"
	RoleBatch         ServiceRole = "batch"
)

// ParseRoles converts persisted role strings, dropping empty entries
func ParseRoles(in []string) []ServiceRole {
	roles := make([]ServiceRole, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		roles = append(roles, ServiceRole(r))
	}
	return roles
}

// RoleStrings converts roles for persistence and wire messages
func RoleStrings(roles []ServiceRole) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// JoinRoles renders roles as a comma separated list
func JoinRoles(roles []ServiceRole) string {
	return strings.Join(RoleStrings(roles), ",")
}

// FilesystemKind describes how a filesystem is backed
type FilesystemKind string

const (
	KindVolume    FilesystemKind = "volume"
	KindSnapshot  FilesystemKind = "snapshot"
	KindBucket    FilesystemKind = "bucket"
	KindNFS       FilesystemKind = "nfs"
	KindGluster   FilesystemKind = "gluster"
	KindTransient FilesystemKind = "transient"
)

// VolumeStatus mirrors the provider's view of a block volume
type VolumeStatus string

const (
	VolumeStatusNone      VolumeStatus = ""
	VolumeStatusCreating  VolumeStatus = "creating"
	VolumeStatusAvailable VolumeStatus = "available"
	VolumeStatusAttaching VolumeStatus = "attaching"
	VolumeStatusAttached  VolumeStatus = "attached"
	VolumeStatusDetaching VolumeStatus = "detaching"
	VolumeStatusDeleting  VolumeStatus = "deleting"
	VolumeStatusDeleted   VolumeStatus = "deleted"
	VolumeStatusError     VolumeStatus = "error"
)

// MachineState mirrors provider instance states
type MachineState string

const (
	MachinePending      MachineState = "pending"
	MachineRunning      MachineState = "running"
	MachineShuttingDown MachineState = "shutting-down"
	MachineTerminated   MachineState = "terminated"
	MachineError        MachineState = "error"
)

// SoftwareState is the worker's self-reported software status
type SoftwareState string

const (
	SoftwarePending  SoftwareState = "pending"
	SoftwareStarting SoftwareState = "starting"
	SoftwareReady    SoftwareState = "ready"
	SoftwareStopping SoftwareState = "stopping"
	SoftwareError    SoftwareState = "error"
)

// ParseSoftwareState maps worker-reported strings (any case) to a known state
func ParseSoftwareState(s string) SoftwareState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "wake":
		return SoftwarePending
	case "starting", "startup":
		return SoftwareStarting
	case "ready":
		return SoftwareReady
	case "stopping", "shutting_down", "shutting-down":
		return SoftwareStopping
	}
	return SoftwareError
}

// Lifecycle distinguishes on-demand from spot-style provisioning
type Lifecycle string

const (
	LifecycleOnDemand Lifecycle = "on-demand"
	LifecycleSpot     Lifecycle = "spot"
)

// SpotState is the state of a spot-style provisioning request
type SpotState string

const (
	SpotOpen      SpotState = "open"
	SpotActive    SpotState = "active"
	SpotClosed    SpotState = "closed"
	SpotCancelled SpotState = "cancelled"
	SpotFailed    SpotState = "failed"
)

// ClusterStatus is the overall state of the cluster
type ClusterStatus string

const (
	ClusterStarting     ClusterStatus = "starting"
	ClusterWaiting      ClusterStatus = "waiting"
	ClusterReady        ClusterStatus = "ready"
	ClusterShuttingDown ClusterStatus = "shutting_down"
	ClusterTerminated   ClusterStatus = "terminated"
)

// ClusterType is selected once, the first time a cluster is configured
type ClusterType string

const (
	ClusterTypeFull      ClusterType = "full"
	ClusterTypeData      ClusterType = "data"
	ClusterTypeScheduler ClusterType = "scheduler"
)

// Valid reports whether t is a known cluster type
func (t ClusterType) Valid() bool {
	switch t {
	case ClusterTypeFull, ClusterTypeData, ClusterTypeScheduler:
		return true
	}
	return false
}

// GrowRequest asks for a filesystem's volumes to be resized via snapshot
type GrowRequest struct {
	TargetSize          int
	SnapshotDescription string
	DeleteSnapshotAfter bool
}

// DiskUsage is a point-in-time usage sample for a mounted filesystem
type DiskUsage struct {
	Path      string
	Total     uint64
	Used      uint64
	SampledAt time.Time
}

// Percent returns used space as a percentage of total
func (d DiskUsage) Percent() float64 {
	if d.Total == 0 {
		return 0
	}
	return float64(d.Used) / float64(d.Total) * 100
}
