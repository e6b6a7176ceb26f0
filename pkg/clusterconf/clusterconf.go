package clusterconf

import (
	"errors"
	"fmt"

	"github.com/cuemby/colony/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the key the document is stored under in the cluster bucket
	FileName = "persistent_data.yaml"

	// CurrentVersion is the persisted_data_version written by this control plane
	CurrentVersion = 3
)

// Document is the persisted description of a cluster's composition
type Document struct {
	ClusterName           string            `yaml:"cluster_name"`
	ClusterType           types.ClusterType `yaml:"cluster_type,omitempty"`
	Placement             string            `yaml:"placement,omitempty"`
	MachineImageID        string            `yaml:"machine_image_id,omitempty"`
	PersistentDataVersion int               `yaml:"persistent_data_version"`
	DeploymentVersion     string            `yaml:"deployment_version,omitempty"`
	Tags                  map[string]string `yaml:"tags,omitempty"`
	Filesystems           []Filesystem      `yaml:"filesystems"`
	Services              []Service         `yaml:"services"`
	SharedDataSnaps       []string          `yaml:"shared_data_snaps,omitempty"`
}

// Filesystem is one persisted storage service. IDs holds volume ids for
// kind volume, snapshot ids for kind snapshot and bucket names for kind bucket.
type Filesystem struct {
	Name         string               `yaml:"name"`
	Roles        []string             `yaml:"roles"`
	MountPoint   string               `yaml:"mount_point"`
	Kind         types.FilesystemKind `yaml:"kind"`
	IDs          []string             `yaml:"ids,omitempty"`
	Size         int                  `yaml:"size,omitempty"`
	AccessKey    string               `yaml:"access_key,omitempty"`
	SecretKey    string               `yaml:"secret_key,omitempty"`
	Server       string               `yaml:"server,omitempty"`
	MountOptions string               `yaml:"mount_options,omitempty"`
}

// Service is one persisted non-storage service
type Service struct {
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
	Home  string   `yaml:"home,omitempty"`
}

// Unmarshal parses a persisted document
func Unmarshal(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse cluster document: %w", err)
	}
	return &doc, nil
}

// Marshal renders the document as YAML
func (d *Document) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to render cluster document: %w", err)
	}
	return data, nil
}

// Validate checks a single filesystem entry
func (f Filesystem) Validate() error {
	if f.Name == "" {
		return errors.New("filesystem has no name")
	}
	switch f.Kind {
	case types.KindVolume, types.KindSnapshot, types.KindBucket:
		if len(f.IDs) == 0 {
			return fmt.Errorf("filesystem %s of kind %s has no ids", f.Name, f.Kind)
		}
	case types.KindNFS, types.KindGluster:
		if f.Server == "" {
			return fmt.Errorf("filesystem %s of kind %s has no server", f.Name, f.Kind)
		}
	case types.KindTransient:
		return fmt.Errorf("filesystem %s is transient and cannot be persisted", f.Name)
	default:
		return fmt.Errorf("filesystem %s has unknown kind %q", f.Name, f.Kind)
	}
	return nil
}

// Validate checks a single service entry
func (s Service) Validate() error {
	if s.Name == "" {
		return errors.New("service has no name")
	}
	if len(types.ParseRoles(s.Roles)) == 0 {
		return fmt.Errorf("service %s has no roles", s.Name)
	}
	return nil
}

// Validate reports every problem in the document. Loaders skip bad entries
// individually, so this is informational except for a missing cluster name.
func (d *Document) Validate() error {
	var errs []error
	if d.ClusterName == "" {
		errs = append(errs, errors.New("cluster_name is required"))
	}
	if d.ClusterType != "" && !d.ClusterType.Valid() {
		errs = append(errs, fmt.Errorf("unknown cluster_type %q", d.ClusterType))
	}
	seen := make(map[string]bool)
	for i, fs := range d.Filesystems {
		if err := fs.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("filesystems[%d]: %w", i, err))
			continue
		}
		if seen[fs.Name] {
			errs = append(errs, fmt.Errorf("filesystems[%d]: duplicate name %s", i, fs.Name))
		}
		seen[fs.Name] = true
	}
	for i, svc := range d.Services {
		if err := svc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("services[%d]: %w", i, err))
			continue
		}
		if seen[svc.Name] {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate name %s", i, svc.Name))
		}
		seen[svc.Name] = true
	}
	return errors.Join(errs...)
}

// SharedView returns the reduced document written when a cluster is shared:
// only filesystems carrying one of keepRoles remain, credentials are dropped
// and snaps is recorded as shared_data_snaps
func (d *Document) SharedView(keepRoles []types.ServiceRole, snaps []string) *Document {
	shared := *d
	shared.Tags = nil
	shared.Filesystems = nil
	shared.SharedDataSnaps = append([]string(nil), snaps...)
	shared.Services = append([]Service(nil), d.Services...)

	for _, fs := range d.Filesystems {
		if !hasAnyRole(fs.Roles, keepRoles) {
			continue
		}
		fs.AccessKey = ""
		fs.SecretKey = ""
		shared.Filesystems = append(shared.Filesystems, fs)
	}
	return &shared
}

func hasAnyRole(have []string, want []types.ServiceRole) bool {
	for _, h := range types.ParseRoles(have) {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
