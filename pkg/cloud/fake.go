package cloud

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/types"
	"github.com/google/uuid"
)

// FakeProvider is an in-memory Provider. Volumes attach and snapshots
// complete synchronously; failures can be injected per method name.
type FakeProvider struct {
	mu        sync.Mutex
	meta      Metadata
	instances map[string]*Instance
	spots     map[string]*SpotRequest
	volumes   map[string]*Volume
	snapshots map[string]*Snapshot
	tags      map[string]map[string]string
	shares    map[string][]string
	failures  map[string]error
	calls     map[string]int
}

// NewFakeProvider creates a fake provider whose metadata describes the
// control-plane instance
func NewFakeProvider(meta Metadata) *FakeProvider {
	if meta.InstanceID == "" {
		meta.InstanceID = "i-master"
	}
	if meta.Zone == "" {
		meta.Zone = "us-east-1a"
	}
	return &FakeProvider{
		meta:      meta,
		instances: make(map[string]*Instance),
		spots:     make(map[string]*SpotRequest),
		volumes:   make(map[string]*Volume),
		snapshots: make(map[string]*Snapshot),
		tags:      make(map[string]map[string]string),
		shares:    make(map[string][]string),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func newID(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

// Fail makes every later call to method return err; a nil err clears it
func (f *FakeProvider) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Calls returns how many times method was invoked
func (f *FakeProvider) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// call must be invoked with f.mu held
func (f *FakeProvider) call(method string) error {
	f.calls[method]++
	return f.failures[method]
}

// AddInstance seeds an instance, as if launched outside the control plane
func (f *FakeProvider) AddInstance(inst Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst.Tags == nil {
		inst.Tags = make(map[string]string)
	}
	if inst.State == "" {
		inst.State = types.MachineRunning
	}
	f.instances[inst.ID] = &inst
}

// SetInstanceState changes the machine state reported for id
func (f *FakeProvider) SetInstanceState(id string, state types.MachineState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[id]; ok {
		inst.State = state
	}
}

// RemoveInstance forgets id entirely, as the provider does some time after termination
func (f *FakeProvider) RemoveInstance(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
}

// SetSpotState moves a spot request; an active request gets instanceID bound
// and the instance is created if missing
func (f *FakeProvider) SetSpotState(id string, state types.SpotState, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.spots[id]
	if !ok {
		return
	}
	req.State = state
	if instanceID == "" {
		return
	}
	req.InstanceID = instanceID
	if _, ok := f.instances[instanceID]; !ok {
		f.instances[instanceID] = &Instance{
			ID:         instanceID,
			Zone:       f.meta.Zone,
			State:      types.MachinePending,
			Tags:       make(map[string]string),
			LaunchedAt: time.Now(),
		}
	}
}

// SeedSnapshot registers a snapshot that did not come from CreateSnapshot
func (f *FakeProvider) SeedSnapshot(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap.Status == "" {
		snap.Status = "completed"
	}
	f.snapshots[snap.ID] = &snap
}

// Shares returns the user ids snapshotID was shared with
func (f *FakeProvider) Shares(snapshotID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.shares[snapshotID]...)
}

// Volumes returns every known volume sorted by id
func (f *FakeProvider) Volumes() []Volume {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Volume, 0, len(f.volumes))
	for _, v := range f.volumes {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshots returns every known snapshot sorted by id
func (f *FakeProvider) Snapshots() []Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Snapshot, 0, len(f.snapshots))
	for _, s := range f.snapshots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *FakeProvider) Metadata(ctx context.Context) (Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("Metadata"); err != nil {
		return Metadata{}, err
	}
	return f.meta, nil
}

func (f *FakeProvider) RunInstances(ctx context.Context, req RunRequest) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RunInstances"); err != nil {
		return nil, err
	}
	out := make([]Instance, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		inst := &Instance{
			ID:         newID("i"),
			Type:       req.InstanceType,
			ImageID:    req.ImageID,
			Zone:       req.Zone,
			State:      types.MachinePending,
			Tags:       make(map[string]string),
			LaunchedAt: time.Now(),
		}
		f.instances[inst.ID] = inst
		out = append(out, *inst)
	}
	return out, nil
}

func (f *FakeProvider) RequestSpot(ctx context.Context, req RunRequest) ([]SpotRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RequestSpot"); err != nil {
		return nil, err
	}
	out := make([]SpotRequest, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		sr := &SpotRequest{ID: newID("sir"), State: types.SpotOpen}
		f.spots[sr.ID] = sr
		out = append(out, *sr)
	}
	return out, nil
}

func (f *FakeProvider) DescribeSpotRequests(ctx context.Context, ids []string) ([]SpotRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeSpotRequests"); err != nil {
		return nil, err
	}
	var out []SpotRequest
	for _, id := range ids {
		if sr, ok := f.spots[id]; ok {
			out = append(out, *sr)
		}
	}
	return out, nil
}

func (f *FakeProvider) CancelSpotRequest(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CancelSpotRequest"); err != nil {
		return err
	}
	sr, ok := f.spots[id]
	if !ok {
		return fmt.Errorf("spot request %s: %w", id, ErrNotFound)
	}
	sr.State = types.SpotCancelled
	return nil
}

func (f *FakeProvider) RebootInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("RebootInstance"); err != nil {
		return err
	}
	if _, ok := f.instances[id]; !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

func (f *FakeProvider) TerminateInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("TerminateInstance"); err != nil {
		return err
	}
	inst, ok := f.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	inst.State = types.MachineTerminated
	return nil
}

func (f *FakeProvider) DescribeInstance(ctx context.Context, id string) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeInstance"); err != nil {
		return Instance{}, err
	}
	inst, ok := f.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return copyInstance(inst), nil
}

func (f *FakeProvider) ListInstances(ctx context.Context, filter Filter) ([]Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ListInstances"); err != nil {
		return nil, err
	}
	var out []Instance
	for _, inst := range f.instances {
		if matches(filter, inst.Tags, map[string]string{"instance-state": string(inst.State)}) {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeProvider) AddTag(ctx context.Context, resourceID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AddTag"); err != nil {
		return err
	}
	switch {
	case f.instances[resourceID] != nil:
		f.instances[resourceID].Tags[key] = value
	case f.volumes[resourceID] != nil:
		f.volumes[resourceID].Tags[key] = value
	default:
		if f.tags[resourceID] == nil {
			f.tags[resourceID] = make(map[string]string)
		}
		f.tags[resourceID][key] = value
	}
	return nil
}

func (f *FakeProvider) GetTag(ctx context.Context, resourceID, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("GetTag"); err != nil {
		return "", err
	}
	switch {
	case f.instances[resourceID] != nil:
		return f.instances[resourceID].Tags[key], nil
	case f.volumes[resourceID] != nil:
		return f.volumes[resourceID].Tags[key], nil
	}
	return f.tags[resourceID][key], nil
}

func (f *FakeProvider) CreateVolume(ctx context.Context, size int, zone, snapshotID string) (Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateVolume"); err != nil {
		return Volume{}, err
	}
	if snapshotID != "" {
		snap, ok := f.snapshots[snapshotID]
		if !ok {
			return Volume{}, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
		}
		if size == 0 {
			size = snap.Size
		}
		if size < snap.Size {
			return Volume{}, fmt.Errorf("volume size %d smaller than snapshot %s (%d)", size, snapshotID, snap.Size)
		}
	}
	if size <= 0 {
		return Volume{}, fmt.Errorf("invalid volume size %d", size)
	}
	vol := &Volume{
		ID:         newID("vol"),
		Size:       size,
		Zone:       zone,
		SnapshotID: snapshotID,
		Status:     types.VolumeStatusAvailable,
		Tags:       make(map[string]string),
	}
	f.volumes[vol.ID] = vol
	return copyVolume(vol), nil
}

func (f *FakeProvider) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("AttachVolume"); err != nil {
		return err
	}
	vol, ok := f.volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	if vol.Status != types.VolumeStatusAvailable {
		return fmt.Errorf("volume %s is %s, not available", volumeID, vol.Status)
	}
	for _, other := range f.volumes {
		if other.InstanceID == instanceID && other.Device == device {
			return fmt.Errorf("device %s already in use on %s", device, instanceID)
		}
	}
	vol.Status = types.VolumeStatusAttached
	vol.InstanceID = instanceID
	vol.Device = device
	return nil
}

func (f *FakeProvider) DetachVolume(ctx context.Context, volumeID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DetachVolume"); err != nil {
		return err
	}
	vol, ok := f.volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	vol.Status = types.VolumeStatusAvailable
	vol.InstanceID = ""
	vol.Device = ""
	return nil
}

func (f *FakeProvider) DeleteVolume(ctx context.Context, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteVolume"); err != nil {
		return err
	}
	vol, ok := f.volumes[volumeID]
	if !ok {
		return fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	if vol.Status == types.VolumeStatusAttached {
		return fmt.Errorf("volume %s is still attached", volumeID)
	}
	delete(f.volumes, volumeID)
	return nil
}

func (f *FakeProvider) DescribeVolume(ctx context.Context, volumeID string) (Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeVolume"); err != nil {
		return Volume{}, err
	}
	vol, ok := f.volumes[volumeID]
	if !ok {
		return Volume{}, fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	return copyVolume(vol), nil
}

func (f *FakeProvider) ListVolumes(ctx context.Context, filter Filter) ([]Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ListVolumes"); err != nil {
		return nil, err
	}
	var out []Volume
	for _, vol := range f.volumes {
		attrs := map[string]string{
			"status":                 string(vol.Status),
			"attachment.instance-id": vol.InstanceID,
			"attachment.device":      vol.Device,
		}
		if matches(filter, vol.Tags, attrs) {
			out = append(out, copyVolume(vol))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *FakeProvider) CreateSnapshot(ctx context.Context, volumeID, description string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("CreateSnapshot"); err != nil {
		return Snapshot{}, err
	}
	vol, ok := f.volumes[volumeID]
	if !ok {
		return Snapshot{}, fmt.Errorf("volume %s: %w", volumeID, ErrNotFound)
	}
	snap := &Snapshot{
		ID:          newID("snap"),
		VolumeID:    volumeID,
		Size:        vol.Size,
		Description: description,
		Status:      "completed",
		Progress:    "100%",
	}
	f.snapshots[snap.ID] = snap
	return *snap, nil
}

func (f *FakeProvider) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DeleteSnapshot"); err != nil {
		return err
	}
	if _, ok := f.snapshots[snapshotID]; !ok {
		return fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	delete(f.snapshots, snapshotID)
	return nil
}

func (f *FakeProvider) DescribeSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("DescribeSnapshot"); err != nil {
		return Snapshot{}, err
	}
	snap, ok := f.snapshots[snapshotID]
	if !ok {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	return *snap, nil
}

func (f *FakeProvider) ShareSnapshot(ctx context.Context, snapshotID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("ShareSnapshot"); err != nil {
		return err
	}
	if _, ok := f.snapshots[snapshotID]; !ok {
		return fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	if len(userIDs) == 0 {
		userIDs = []string{"all"}
	}
	f.shares[snapshotID] = append(f.shares[snapshotID], userIDs...)
	return nil
}

func matches(filter Filter, tags, attrs map[string]string) bool {
	for k, want := range filter {
		if got, ok := attrs[k]; ok {
			if got != want {
				return false
			}
			continue
		}
		if tags[k] != want {
			return false
		}
	}
	return true
}

func copyInstance(inst *Instance) Instance {
	out := *inst
	out.Tags = make(map[string]string, len(inst.Tags))
	for k, v := range inst.Tags {
		out.Tags[k] = v
	}
	return out
}

func copyVolume(vol *Volume) Volume {
	out := *vol
	out.Tags = make(map[string]string, len(vol.Tags))
	for k, v := range vol.Tags {
		out.Tags[k] = v
	}
	return out
}

var _ Provider = (*FakeProvider)(nil)
