package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/colony/pkg/types"
)

// ErrNotFound is returned when the provider has no record of a resource
var ErrNotFound = errors.New("resource not found")

// Metadata describes the instance the control plane runs on
type Metadata struct {
	InstanceID     string
	Zone           string
	InstanceType   string
	ImageID        string
	PrivateIP      string
	PublicIP       string
	Hostname       string
	KeyName        string
	SecurityGroups []string
}

// Instance is the provider's view of one compute instance
type Instance struct {
	ID         string
	Type       string
	ImageID    string
	Zone       string
	State      types.MachineState
	PrivateIP  string
	PublicIP   string
	Hostname   string
	Tags       map[string]string
	LaunchedAt time.Time
}

// RunRequest describes instances to launch
type RunRequest struct {
	Count        int
	InstanceType string
	ImageID      string
	Zone         string
	UserData     string
	// SpotPrice switches the request to spot-style provisioning when non-zero
	SpotPrice float64
}

// SpotRequest is a pending or fulfilled spot-style provisioning request
type SpotRequest struct {
	ID         string
	State      types.SpotState
	InstanceID string
}

// Volume is a block storage device
type Volume struct {
	ID         string
	Size       int
	Zone       string
	SnapshotID string
	Status     types.VolumeStatus
	InstanceID string
	Device     string
	Tags       map[string]string
}

// Snapshot is a point-in-time copy of a volume
type Snapshot struct {
	ID          string
	VolumeID    string
	Size        int
	Description string
	Status      string
	Progress    string
}

// Filter narrows list calls; keys are tag names or the reserved "instance-state"
type Filter map[string]string

// Provider is the cloud capability the control plane consumes. Implementations
// are selected at construction time; FakeProvider serves tests and local runs.
type Provider interface {
	Metadata(ctx context.Context) (Metadata, error)

	RunInstances(ctx context.Context, req RunRequest) ([]Instance, error)
	RequestSpot(ctx context.Context, req RunRequest) ([]SpotRequest, error)
	DescribeSpotRequests(ctx context.Context, ids []string) ([]SpotRequest, error)
	CancelSpotRequest(ctx context.Context, id string) error
	RebootInstance(ctx context.Context, id string) error
	TerminateInstance(ctx context.Context, id string) error
	DescribeInstance(ctx context.Context, id string) (Instance, error)
	ListInstances(ctx context.Context, filter Filter) ([]Instance, error)

	AddTag(ctx context.Context, resourceID, key, value string) error
	GetTag(ctx context.Context, resourceID, key string) (string, error)

	CreateVolume(ctx context.Context, size int, zone, snapshotID string) (Volume, error)
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error
	DetachVolume(ctx context.Context, volumeID, instanceID string) error
	DeleteVolume(ctx context.Context, volumeID string) error
	DescribeVolume(ctx context.Context, volumeID string) (Volume, error)
	ListVolumes(ctx context.Context, filter Filter) ([]Volume, error)

	CreateSnapshot(ctx context.Context, volumeID, description string) (Snapshot, error)
	DeleteSnapshot(ctx context.Context, snapshotID string) error
	DescribeSnapshot(ctx context.Context, snapshotID string) (Snapshot, error)
	ShareSnapshot(ctx context.Context, snapshotID string, userIDs []string) error
}

// Retry calls fn up to attempts times, sleeping delay between failures.
// ErrNotFound ends retrying at once.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)
	var last error
	err := backoff.Retry(func() error {
		last = fn()
		if errors.Is(last, ErrNotFound) {
			return backoff.Permanent(last)
		}
		return last
	}, b)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrNotFound):
		return err
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, last)
}
