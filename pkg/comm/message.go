package comm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FieldSeparator delimits positional fields on the wire
const FieldSeparator = " | "

var (
	// ErrUnknownType is returned when the leading type tag is not recognised
	ErrUnknownType = errors.New("unknown message type")

	// ErrMalformed is returned when required fields are missing or invalid
	ErrMalformed = errors.New("malformed message")
)

// MessageType is the leading tag of every wire message
type MessageType string

// Worker to master
const (
	TypeAlive            MessageType = "ALIVE"
	TypeGetMountPoints   MessageType = "GET_MOUNTPOINTS"
	TypeMountDone        MessageType = "MOUNT_DONE"
	TypeWorkerHostCert   MessageType = "WORKER_H_CERT"
	TypeNodeReady        MessageType = "NODE_READY"
	TypeNodeStatus       MessageType = "NODE_STATUS"
	TypeNodeShuttingDown MessageType = "NODE_SHUTTING_DOWN"
)

// Master to worker
const (
	TypeMasterPubKey   MessageType = "MASTER_PUBKEY"
	TypeStartScheduler MessageType = "START_SGE"
	TypeMount          MessageType = "MOUNT"
	TypeAddBucketFS    MessageType = "ADDS3FS"
	TypeSyncEtcHosts   MessageType = "SYNC_ETC_HOSTS"
	TypeRestart        MessageType = "RESTART"
	TypeAliveRequest   MessageType = "ALIVE_REQUEST"
	TypeStatusCheck    MessageType = "STATUS_CHECK"
)

// Message is one control message. Each variant carries its own fields.
type Message interface {
	Type() MessageType
	fields() []string
}

// Alive is sent by a worker once its agent starts. Hostname was added in a
// later protocol revision and falls back to PublicIP when absent.
type Alive struct {
	PrivateIP    string
	PublicIP     string
	Zone         string
	InstanceType string
	ImageID      string
	Hostname     string
}

// GetMountPoints asks the master to resend the MOUNT list
type GetMountPoints struct{}

// MountDone reports that all shared filesystems are mounted on the worker
type MountDone struct{}

// WorkerHostCert carries the worker's SSH host key line
type WorkerHostCert struct {
	Cert string
}

// NodeReady reports the worker is ready to accept jobs
type NodeReady struct {
	Address string
	CPUs    int
}

// NodeStatus is periodic worker telemetry. Mount flags are "1" or "0".
// TransientNFS was added in a later protocol revision.
type NodeStatus struct {
	DataNFS          string
	ToolsNFS         string
	IndicesNFS       string
	SchedulerNFS     string
	GotCert          string
	SchedulerStarted string
	Load             string
	Status           string
	TransientNFS     string
}

// NodeShuttingDown reports the worker's own shutdown progress
type NodeShuttingDown struct {
	Status string
}

// MasterPubKey hands the master's public key to a worker
type MasterPubKey struct {
	Key string
}

// StartScheduler tells a worker to start its job-scheduler daemon
type StartScheduler struct{}

// MountPoint describes one shared filesystem a worker should mount
type MountPoint struct {
	FSType       string `json:"fs_type"`
	Server       string `json:"server"`
	MountOptions string `json:"mount_options,omitempty"`
	MountPath    string `json:"shared_mount_path"`
	Name         string `json:"fs_name"`
}

// Mount carries the full list of shared filesystems
type Mount struct {
	MountPoints []MountPoint `json:"mount_points"`
}

// AddBucketFS tells a worker to mount an object-store bucket
type AddBucketFS struct {
	Bucket string
	Roles  string
}

// SyncEtcHosts tells a worker to copy the cluster hosts file from path
type SyncEtcHosts struct {
	Path string
}

// Restart tells a worker to restart its agent against a (possibly new) master
type Restart struct {
	MasterIP string
}

// AliveRequest asks a worker to announce itself
type AliveRequest struct{}

// StatusCheck asks a worker to report NODE_STATUS
type StatusCheck struct{}

func (Alive) Type() MessageType            { return TypeAlive }
func (GetMountPoints) Type() MessageType   { return TypeGetMountPoints }
func (MountDone) Type() MessageType        { return TypeMountDone }
func (WorkerHostCert) Type() MessageType   { return TypeWorkerHostCert }
func (NodeReady) Type() MessageType        { return TypeNodeReady }
func (NodeStatus) Type() MessageType       { return TypeNodeStatus }
func (NodeShuttingDown) Type() MessageType { return TypeNodeShuttingDown }
func (MasterPubKey) Type() MessageType     { return TypeMasterPubKey }
func (StartScheduler) Type() MessageType   { return TypeStartScheduler }
func (Mount) Type() MessageType            { return TypeMount }
func (AddBucketFS) Type() MessageType      { return TypeAddBucketFS }
func (SyncEtcHosts) Type() MessageType     { return TypeSyncEtcHosts }
func (Restart) Type() MessageType          { return TypeRestart }
func (AliveRequest) Type() MessageType     { return TypeAliveRequest }
func (StatusCheck) Type() MessageType      { return TypeStatusCheck }

func (m Alive) fields() []string {
	return []string{m.PrivateIP, m.PublicIP, m.Zone, m.InstanceType, m.ImageID, m.Hostname}
}
func (GetMountPoints) fields() []string     { return nil }
func (MountDone) fields() []string          { return nil }
func (m WorkerHostCert) fields() []string   { return []string{m.Cert} }
func (m NodeReady) fields() []string        { return []string{m.Address, strconv.Itoa(m.CPUs)} }
func (m NodeShuttingDown) fields() []string { return []string{m.Status} }
func (m NodeStatus) fields() []string {
	return []string{m.DataNFS, m.ToolsNFS, m.IndicesNFS, m.SchedulerNFS, m.GotCert,
		m.SchedulerStarted, m.Load, m.Status, m.TransientNFS}
}
func (m MasterPubKey) fields() []string { return []string{m.Key} }
func (StartScheduler) fields() []string { return nil }
func (m Mount) fields() []string {
	data, _ := json.Marshal(m)
	return []string{string(data)}
}
func (m AddBucketFS) fields() []string  { return []string{m.Bucket, m.Roles} }
func (m SyncEtcHosts) fields() []string { return []string{m.Path} }
func (m Restart) fields() []string      { return []string{m.MasterIP} }
func (AliveRequest) fields() []string   { return nil }
func (StatusCheck) fields() []string    { return nil }

// Encode renders m in the wire format "TYPE | f1 | f2 ..."
func Encode(m Message) string {
	parts := append([]string{string(m.Type())}, m.fields()...)
	return strings.Join(parts, FieldSeparator)
}

// decoder describes how many positional fields a type needs. Fields beyond
// required+optional are ignored so newer workers can talk to older masters.
type decoder struct {
	required int
	optional int
	build    func(f []string) (Message, error)
}

// field returns f[i] or "" when the optional field was omitted
func field(f []string, i int) string {
	if i < len(f) {
		return f[i]
	}
	return ""
}

var decoders = map[MessageType]decoder{
	TypeAlive: {required: 5, optional: 1, build: func(f []string) (Message, error) {
		m := Alive{PrivateIP: f[0], PublicIP: f[1], Zone: f[2], InstanceType: f[3], ImageID: f[4], Hostname: field(f, 5)}
		if m.Hostname == "" {
			m.Hostname = m.PublicIP
		}
		return m, nil
	}},
	TypeGetMountPoints: {build: func([]string) (Message, error) { return GetMountPoints{}, nil }},
	TypeMountDone:      {build: func([]string) (Message, error) { return MountDone{}, nil }},
	TypeWorkerHostCert: {required: 1, build: func(f []string) (Message, error) {
		return WorkerHostCert{Cert: f[0]}, nil
	}},
	TypeNodeReady: {required: 2, build: func(f []string) (Message, error) {
		cpus, err := strconv.Atoi(strings.TrimSpace(f[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: NODE_READY cpu count %q", ErrMalformed, f[1])
		}
		return NodeReady{Address: f[0], CPUs: cpus}, nil
	}},
	TypeNodeStatus: {required: 8, optional: 1, build: func(f []string) (Message, error) {
		return NodeStatus{
			DataNFS: f[0], ToolsNFS: f[1], IndicesNFS: f[2], SchedulerNFS: f[3],
			GotCert: f[4], SchedulerStarted: f[5], Load: f[6], Status: f[7],
			TransientNFS: field(f, 8),
		}, nil
	}},
	TypeNodeShuttingDown: {required: 1, build: func(f []string) (Message, error) {
		return NodeShuttingDown{Status: f[0]}, nil
	}},
	TypeMasterPubKey: {required: 1, build: func(f []string) (Message, error) {
		return MasterPubKey{Key: f[0]}, nil
	}},
	TypeStartScheduler: {build: func([]string) (Message, error) { return StartScheduler{}, nil }},
	TypeMount: {required: 1, build: func(f []string) (Message, error) {
		var m Mount
		// the JSON payload is the remainder of the body, separators included
		if err := json.Unmarshal([]byte(strings.Join(f, FieldSeparator)), &m); err != nil {
			return nil, fmt.Errorf("%w: MOUNT payload: %v", ErrMalformed, err)
		}
		return m, nil
	}},
	TypeAddBucketFS: {required: 2, build: func(f []string) (Message, error) {
		return AddBucketFS{Bucket: f[0], Roles: f[1]}, nil
	}},
	TypeSyncEtcHosts: {required: 1, build: func(f []string) (Message, error) {
		return SyncEtcHosts{Path: f[0]}, nil
	}},
	TypeRestart: {required: 1, build: func(f []string) (Message, error) {
		return Restart{MasterIP: f[0]}, nil
	}},
	TypeAliveRequest: {build: func([]string) (Message, error) { return AliveRequest{}, nil }},
	TypeStatusCheck:  {build: func([]string) (Message, error) { return StatusCheck{}, nil }},
}

// Decode parses a wire message. A body with fewer than the required fields
// for its type is rejected with ErrMalformed.
func Decode(body string) (Message, error) {
	parts := strings.Split(strings.TrimRight(body, "\r\n"), FieldSeparator)
	typ := MessageType(strings.TrimSpace(parts[0]))
	dec, ok := decoders[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, parts[0])
	}
	f := parts[1:]
	if len(f) < dec.required {
		return nil, fmt.Errorf("%w: %s needs %d fields, got %d", ErrMalformed, typ, dec.required, len(f))
	}
	if typ != TypeMount && len(f) > dec.required+dec.optional {
		f = f[:dec.required+dec.optional]
	}
	return dec.build(f)
}
