package filesystem

import (
	"fmt"

	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/types"
)

// Record renders the filesystem as a persisted entry. Snapshot-kind
// filesystems record their source snapshots so they can be recreated;
// volume-kind filesystems record the volumes themselves.
func (fs *Filesystem) Record() clusterconf.Filesystem {
	kind := fs.Kind()
	rec := clusterconf.Filesystem{
		Name:       fs.Name(),
		Roles:      types.RoleStrings(fs.Roles()),
		MountPoint: fs.mountPoint,
		Kind:       kind,
	}

	switch kind {
	case types.KindVolume, types.KindSnapshot:
		for _, v := range fs.Volumes() {
			id := v.ID
			if kind == types.KindSnapshot {
				id = v.SnapshotID
			}
			if id != "" {
				rec.IDs = append(rec.IDs, id)
			}
		}
		rec.Size = fs.Size()
	case types.KindBucket:
		for i, b := range fs.Buckets() {
			rec.IDs = append(rec.IDs, b.Name)
			if i == 0 {
				rec.AccessKey = b.AccessKey
				rec.SecretKey = b.SecretKey
			}
		}
	case types.KindNFS, types.KindGluster:
		fs.mu.Lock()
		rec.Server = fs.remote.server
		rec.MountOptions = fs.remote.options
		fs.mu.Unlock()
	}
	return rec
}

// FromRecord rebuilds a filesystem from a persisted entry
func FromRecord(rec clusterconf.Filesystem, env *Env) (*Filesystem, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	fs := New(rec.Name, rec.MountPoint, env, types.ParseRoles(rec.Roles)...)
	switch rec.Kind {
	case types.KindVolume:
		for _, id := range rec.IDs {
			fs.AddVolume(id, rec.Size, "")
		}
	case types.KindSnapshot:
		for _, id := range rec.IDs {
			fs.AddVolume("", 0, id)
		}
	case types.KindBucket:
		for _, name := range rec.IDs {
			fs.AddBucket(name, rec.AccessKey, rec.SecretKey)
		}
	case types.KindNFS, types.KindGluster:
		if err := fs.SetRemote(rec.Kind, rec.Server, rec.MountOptions); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("filesystem %s: unsupported kind %q", rec.Name, rec.Kind)
	}
	return fs, nil
}
