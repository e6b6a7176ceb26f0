package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/cloud"
	"github.com/cuemby/colony/pkg/comm"
	"github.com/cuemby/colony/pkg/config"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the thresholds for health maintenance
type Config struct {
	ClusterName       string
	CommTimeout       time.Duration
	StateChangeWait   time.Duration
	RebootTimeout     time.Duration
	RebootAttempts    int
	TerminateAttempts int
	SpotTagRetries    int
	SpotTagWait       time.Duration

	// LookupAttempts and LookupDelay bound retries of provider lookups
	LookupAttempts int
	LookupDelay    time.Duration
}

// ConfigFrom builds instance thresholds from the control-plane config
func ConfigFrom(clusterName string, c config.InstanceConfig) Config {
	return Config{
		ClusterName:       clusterName,
		CommTimeout:       c.CommTimeout,
		StateChangeWait:   c.StateChangeWait,
		RebootTimeout:     c.RebootTimeout,
		RebootAttempts:    c.RebootAttempts,
		TerminateAttempts: c.TerminateAttempts,
		SpotTagRetries:    c.SpotTagRetries,
		SpotTagWait:       c.SpotTagWait,
		LookupAttempts:    5,
		LookupDelay:       time.Second,
	}
}

// Cluster is the part of the cluster manager an instance reports back to
type Cluster interface {
	// MountPoints lists the shared filesystems workers must mount
	MountPoints() []comm.MountPoint
	// BucketFilesystems lists bucket-backed filesystems workers mount directly
	BucketFilesystems() []comm.AddBucketFS
	MasterPublicKey() string
	SaveHostCert(cert string) error

	// RegisterHost adds the worker to the host table
	RegisterHost(inst *Instance)
	// AddExecHost adds the worker to the job scheduler's execution pool
	AddExecHost(ctx context.Context, inst *Instance) error
	// WorkerReady propagates a newly ready worker to the rest of the cluster
	WorkerReady(ctx context.Context, inst *Instance)
	// RemoveInstance drops the instance from the live worker set
	RemoveInstance(inst *Instance)
}

// Deps are the collaborators of an Instance
type Deps struct {
	Provider cloud.Provider
	Channel  comm.Channel
	Cluster  Cluster
	Config   Config
}

// Instance is one worker node tracked by the control plane
type Instance struct {
	deps Deps

	mu             sync.Mutex
	id             string
	spotRequestID  string
	lifecycle      types.Lifecycle
	spotState      types.SpotState
	machineState   types.MachineState
	softwareState  types.SoftwareState
	lastComm       time.Time
	lastStateCheck time.Time
	lastMachineChg time.Time
	lastReboot     time.Time
	rebootCount    int
	terminateCount int
	terminating    bool
	alive          bool
	ready          bool
	cpus           int
	privateIP      string
	publicIP       string
	hostname       string
	zone           string
	instanceType   string
	imageID        string
	nodeStatus     comm.NodeStatus

	wg sync.WaitGroup
}

// New tracks an on-demand instance
func New(id string, state types.MachineState, deps Deps) *Instance {
	return &Instance{
		deps:           deps,
		id:             id,
		lifecycle:      types.LifecycleOnDemand,
		machineState:   state,
		softwareState:  types.SoftwarePending,
		lastMachineChg: time.Now(),
		cpus:           1,
	}
}

// NewSpot tracks a spot request that has not been filled yet
func NewSpot(requestID string, deps Deps) *Instance {
	return &Instance{
		deps:           deps,
		spotRequestID:  requestID,
		lifecycle:      types.LifecycleSpot,
		spotState:      types.SpotOpen,
		machineState:   types.MachinePending,
		softwareState:  types.SoftwarePending,
		lastMachineChg: time.Now(),
		cpus:           1,
	}
}

func (i *Instance) logger() *zerolog.Logger {
	i.mu.Lock()
	id, sid := i.id, i.spotRequestID
	i.mu.Unlock()
	l := log.WithInstanceID(id)
	if sid != "" {
		l = l.With().Str("spot_request_id", sid).Logger()
	}
	return &l
}

// ID returns the provider instance id, empty for an unfilled spot request
func (i *Instance) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id
}

func (i *Instance) SpotRequestID() string { return i.spotRequestID }
func (i *Instance) IsSpot() bool          { return i.lifecycle == types.LifecycleSpot }

// Key returns the id, or the spot request id until the request is filled
func (i *Instance) Key() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.id != "" {
		return i.id
	}
	return i.spotRequestID
}

func (i *Instance) MachineState() types.MachineState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.machineState
}

func (i *Instance) SoftwareState() types.SoftwareState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.softwareState
}

func (i *Instance) SpotState() types.SpotState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.spotState
}

func (i *Instance) RebootCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rebootCount
}

func (i *Instance) TerminateAttempts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.terminateCount
}

func (i *Instance) PrivateIP() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.privateIP
}

func (i *Instance) PublicIP() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.publicIP
}

func (i *Instance) Hostname() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hostname
}

func (i *Instance) CPUs() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cpus
}

// Ready reports whether the worker has announced NODE_READY
func (i *Instance) Ready() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ready
}

// Quiet reports whether the worker has not been heard from within the
// communication timeout
func (i *Instance) Quiet() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return time.Since(i.lastComm) > i.deps.Config.CommTimeout
}

// CheckDue reports whether at least interval has passed since the last
// explicit state check and records a new check when it has
func (i *Instance) CheckDue(interval time.Duration) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if time.Since(i.lastStateCheck) < interval {
		return false
	}
	i.lastStateCheck = time.Now()
	return true
}

// Status is a point-in-time view of an instance
type Status struct {
	ID                string              `json:"id"`
	SpotRequestID     string              `json:"spot_request_id,omitempty"`
	Lifecycle         types.Lifecycle     `json:"lifecycle"`
	SpotState         types.SpotState     `json:"spot_state,omitempty"`
	MachineState      types.MachineState  `json:"machine_state"`
	SoftwareState     types.SoftwareState `json:"software_state"`
	TimeInState       time.Duration       `json:"time_in_state"`
	LastComm          time.Time           `json:"last_comm"`
	RebootCount       int                 `json:"reboot_count"`
	TerminateAttempts int                 `json:"terminate_attempts"`
	PrivateIP         string              `json:"private_ip,omitempty"`
	PublicIP          string              `json:"public_ip,omitempty"`
	Hostname          string              `json:"hostname,omitempty"`
	InstanceType      string              `json:"instance_type,omitempty"`
	ImageID           string              `json:"image_id,omitempty"`
	Zone              string              `json:"zone,omitempty"`
	CPUs              int                 `json:"cpus"`
	Load              string              `json:"load,omitempty"`
	Mounts            comm.NodeStatus     `json:"mounts"`
}

// Snapshot returns the instance's current status
func (i *Instance) Snapshot() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		ID:                i.id,
		SpotRequestID:     i.spotRequestID,
		Lifecycle:         i.lifecycle,
		SpotState:         i.spotState,
		MachineState:      i.machineState,
		SoftwareState:     i.softwareState,
		TimeInState:       time.Since(i.lastMachineChg),
		LastComm:          i.lastComm,
		RebootCount:       i.rebootCount,
		TerminateAttempts: i.terminateCount,
		PrivateIP:         i.privateIP,
		PublicIP:          i.publicIP,
		Hostname:          i.hostname,
		InstanceType:      i.instanceType,
		ImageID:           i.imageID,
		Zone:              i.zone,
		CPUs:              i.cpus,
		Load:              i.nodeStatus.Load,
		Mounts:            i.nodeStatus,
	}
}

// RefreshMachineState asks the provider for the instance's state. An
// instance the provider no longer knows is TERMINATED; a failing lookup
// leaves it in ERROR.
func (i *Instance) RefreshMachineState(ctx context.Context) types.MachineState {
	id := i.ID()
	if id == "" {
		return i.MachineState()
	}

	var inst cloud.Instance
	cfg := i.deps.Config
	err := cloud.Retry(ctx, cfg.LookupAttempts, cfg.LookupDelay, func() error {
		var err error
		inst, err = i.deps.Provider.DescribeInstance(ctx, id)
		return err
	})

	next := inst.State
	switch {
	case errors.Is(err, cloud.ErrNotFound):
		next = types.MachineTerminated
	case err != nil:
		i.logger().Warn().Err(err).Msg("failed to refresh instance state")
		next = types.MachineError
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err == nil {
		if inst.PrivateIP != "" {
			i.privateIP = inst.PrivateIP
		}
		if inst.PublicIP != "" {
			i.publicIP = inst.PublicIP
		}
	}
	if next != i.machineState {
		i.machineState = next
		i.lastMachineChg = time.Now()
	}
	return i.machineState
}

// Maintain inspects the instance's machine state and escalates when it has
// been stuck or silent for too long
func (i *Instance) Maintain(ctx context.Context) {
	state := i.RefreshMachineState(ctx)
	cfg := i.deps.Config

	i.mu.Lock()
	sinceChange := time.Since(i.lastMachineChg)
	sinceReboot := time.Since(i.lastReboot)
	sinceComm := time.Since(i.lastComm)
	i.mu.Unlock()

	l := i.logger()
	switch state {
	case types.MachinePending, types.MachineShuttingDown:
		if sinceChange > cfg.StateChangeWait && sinceReboot > cfg.RebootTimeout {
			l.Debug().Str("state", string(state)).Dur("in_state", sinceChange).Msg("instance stuck")
			i.escalate(ctx)
		}
	case types.MachineError:
		l.Debug().Msg("instance in error state")
		i.escalate(ctx)
	case types.MachineTerminated:
		l.Debug().Msg("instance terminated")
		i.deps.Cluster.RemoveInstance(i)
	case types.MachineRunning:
		if sinceComm > cfg.CommTimeout && sinceChange > cfg.StateChangeWait && sinceReboot > cfg.RebootTimeout {
			l.Debug().Dur("since_comm", sinceComm).Dur("since_reboot", sinceReboot).Msg("instance not responding")
			i.escalate(ctx)
		}
	}
}

// escalate reboots until the reboot budget is spent, then terminates, and
// finally gives up and drops the record
func (i *Instance) escalate(ctx context.Context) {
	i.mu.Lock()
	reboots, terminates, terminating := i.rebootCount, i.terminateCount, i.terminating
	i.mu.Unlock()

	cfg := i.deps.Config
	switch {
	case reboots < cfg.RebootAttempts:
		i.Reboot(ctx, true)
	case terminates >= cfg.TerminateAttempts:
		i.logger().Warn().Int("attempts", terminates).Msg("giving up on terminating instance, removing it")
		metrics.InstanceEscalationsTotal.WithLabelValues("remove").Inc()
		i.deps.Cluster.RemoveInstance(i)
	case terminating:
		i.logger().Debug().Msg("termination already in progress")
	default:
		i.logger().Info().Int("reboots", reboots).Msg("instance not responding after reboots, terminating")
		i.Terminate(ctx)
	}
}

// Reboot asks the provider to reboot the instance. A counted reboot is
// recorded whether or not the call succeeds.
func (i *Instance) Reboot(ctx context.Context, count bool) {
	id := i.ID()
	metrics.InstanceEscalationsTotal.WithLabelValues("reboot").Inc()

	if id != "" {
		if err := i.deps.Provider.RebootInstance(ctx, id); err != nil {
			i.logger().Error().Err(err).Msg("failed to reboot instance")
		}
	}

	i.mu.Lock()
	i.lastReboot = time.Now()
	if count {
		i.rebootCount++
	}
	n := i.rebootCount
	i.mu.Unlock()
	i.logger().Info().Int("reboot_count", n).Int("max", i.deps.Config.RebootAttempts).Msg("rebooted instance")
}

// Terminate stops the instance in the background. The attempt is counted
// when the provider call returns; a successful call removes the instance.
func (i *Instance) Terminate(ctx context.Context) {
	i.mu.Lock()
	if i.terminating {
		i.mu.Unlock()
		return
	}
	i.terminating = true
	i.softwareState = types.SoftwareStopping
	id, sid := i.id, i.spotRequestID
	i.mu.Unlock()

	metrics.InstanceEscalationsTotal.WithLabelValues("terminate").Inc()
	bg := context.WithoutCancel(ctx)
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		err := i.terminate(bg, id, sid)

		i.mu.Lock()
		i.terminateCount++
		i.terminating = false
		i.mu.Unlock()

		if err != nil {
			i.logger().Error().Err(err).Msg("failed to terminate instance")
			return
		}
		i.logger().Info().Msg("instance terminated")
		i.deps.Cluster.RemoveInstance(i)
	}()
}

func (i *Instance) terminate(ctx context.Context, id, spotID string) error {
	var errs []error
	if spotID != "" {
		if err := i.deps.Provider.CancelSpotRequest(ctx, spotID); err != nil && !errors.Is(err, cloud.ErrNotFound) {
			errs = append(errs, fmt.Errorf("cancel spot request %s: %w", spotID, err))
		}
	}
	if id != "" {
		if err := i.deps.Provider.TerminateInstance(ctx, id); err != nil && !errors.Is(err, cloud.ErrNotFound) {
			errs = append(errs, fmt.Errorf("terminate %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until background termination finishes
func (i *Instance) Wait() {
	i.wg.Wait()
}

// UpdateSpot polls the spot request until it is filled. force polls even
// after the request became active.
func (i *Instance) UpdateSpot(ctx context.Context, force bool) types.SpotState {
	if !i.IsSpot() {
		return ""
	}
	old := i.SpotState()
	if !force && old == types.SpotActive {
		return old
	}

	reqs, err := i.deps.Provider.DescribeSpotRequests(ctx, []string{i.spotRequestID})
	if err != nil {
		i.logger().Error().Err(err).Msg("failed to describe spot request")
		return old
	}
	if len(reqs) == 0 {
		return old
	}
	req := reqs[0]

	i.mu.Lock()
	i.spotState = req.State
	i.mu.Unlock()

	if req.State == old {
		return req.State
	}
	switch req.State {
	case types.SpotCancelled:
		i.logger().Info().Msg("spot request cancelled, removing instance")
		i.deps.Cluster.RemoveInstance(i)
	case types.SpotActive:
		i.mu.Lock()
		i.id = req.InstanceID
		i.mu.Unlock()
		i.logger().Info().Msg("spot request filled")
		i.tagSpotInstance(ctx)
	}
	return req.State
}

// tagSpotInstance tags a freshly filled spot instance, retrying while the
// provider catches up
func (i *Instance) tagSpotInstance(ctx context.Context) {
	cfg := i.deps.Config
	id := i.ID()
	for attempt := 0; attempt < max(cfg.SpotTagRetries, 1); attempt++ {
		if _, err := i.deps.Provider.DescribeInstance(ctx, id); err == nil {
			i.Tag(ctx)
			return
		}
		if attempt < cfg.SpotTagRetries-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.SpotTagWait):
			}
		}
	}
	i.logger().Warn().Int("attempts", cfg.SpotTagRetries).Msg("spot instance not visible, left untagged")
}

// Tag marks the instance as a worker of this cluster
func (i *Instance) Tag(ctx context.Context) {
	id := i.ID()
	if id == "" {
		return
	}
	name := i.deps.Config.ClusterName
	tags := []struct{ k, v string }{
		{"clusterName", name},
		{"role", "worker"},
		{"Name", "Worker: " + name},
	}
	for _, t := range tags {
		if err := i.deps.Provider.AddTag(ctx, id, t.k, t.v); err != nil {
			i.logger().Warn().Err(err).Str("tag", t.k).Msg("failed to tag instance")
		}
	}
}

// SpotFilled reports whether this is a spot instance whose request is active
func (i *Instance) SpotFilled(ctx context.Context) bool {
	return i.IsSpot() && i.UpdateSpot(ctx, false) == types.SpotActive
}
