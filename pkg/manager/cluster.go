package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/colony/pkg/apps"
	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/filesystem"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// SharedPrefix is the bucket prefix shared cluster snapshots are written under
const SharedPrefix = "shared/"

// bootstrapRoles are registered at every startup and never persisted
var bootstrapRoles = []types.ServiceRole{
	types.RoleScheduler,
	types.RoleTransientNFS,
	types.RoleAllReady,
	types.RoleMigration,
	types.RoleAutoscale,
	types.RoleBatch,
}

// InitCluster configures a new cluster of the given type. It fails when the
// cluster type has already been chosen.
func (m *Manager) InitCluster(ctx context.Context, typ types.ClusterType, dataSize int, storageType string) error {
	if !typ.Valid() {
		return fmt.Errorf("unknown cluster type %q", typ)
	}
	if current := m.ClusterType(); current != "" {
		return fmt.Errorf("cluster type already set to %s", current)
	}
	if dataSize <= 0 {
		dataSize = m.settings.DefaultDataSize
	}
	if storageType == "" {
		storageType = m.settings.StorageType
	}

	var svcs []service.Service
	switch typ {
	case types.ClusterTypeFull:
		for _, ref := range m.settings.ReferenceFilesystems {
			roles := types.ParseRoles(ref.Roles)
			if len(roles) == 0 {
				roles = []types.ServiceRole{types.RoleReferenceData}
			}
			fs := filesystem.New(ref.Name, "", m.fsEnv, roles...)
			fs.AddVolume("", ref.Size, ref.SnapshotID)
			svcs = append(svcs, fs)
		}
		data, err := m.newPrimaryData(storageType, dataSize)
		if err != nil {
			return err
		}
		svcs = append(svcs, data)
		for _, role := range []types.ServiceRole{types.RoleDatabase, types.RoleWebApp, types.RoleReporting} {
			svc, err := apps.Build(role, m.appDeps, apps.Options{})
			if err != nil {
				return err
			}
			svcs = append(svcs, svc)
		}
	case types.ClusterTypeData:
		data, err := m.newPrimaryData(storageType, dataSize)
		if err != nil {
			return err
		}
		svcs = append(svcs, data)
	case types.ClusterTypeScheduler:
		// the scheduler is registered at startup
	}

	for _, svc := range svcs {
		if err := m.Register(svc); err != nil {
			m.logger.Warn().Err(err).Msg("skipping service")
		}
	}

	m.mu.Lock()
	m.clusterType = typ
	m.dataVersion = clusterconf.CurrentVersion
	m.mu.Unlock()
	m.SetStatus(types.ClusterStarting)
	m.persistPending.Store(true)

	m.logger.Info().
		Str("type", string(typ)).
		Int("data_size", dataSize).
		Str("storage_type", storageType).
		Msg("cluster initialized")
	return nil
}

func (m *Manager) newPrimaryData(storageType string, size int) (*filesystem.Filesystem, error) {
	switch storageType {
	case StorageVolume:
		fs := filesystem.New(PrimaryDataName, PrimaryDataMountPoint, m.fsEnv, types.RolePrimaryData)
		fs.AddVolume("", size, "")
		return fs, nil
	case StorageTransient:
		fs := filesystem.NewTransient(PrimaryDataName, m.settings.TransientPath+"/"+PrimaryDataName, m.fsEnv)
		fs.AddRole(types.RolePrimaryData)
		return fs, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", storageType)
	}
}

// parseShare splits "<bucket>/shared/<timestamp>" into the bucket and the
// key prefix of the shared snapshot
func parseShare(share string) (bucket, prefix string, err error) {
	share = strings.Trim(share, "/")
	bucket, rest, ok := strings.Cut(share, "/")
	if !ok || bucket == "" || !strings.HasPrefix(rest+"/", SharedPrefix) || rest+"/" == SharedPrefix {
		return "", "", fmt.Errorf("invalid share string %q, expected <bucket>/shared/<timestamp>", share)
	}
	return bucket, rest + "/", nil
}

// InitSharedCluster bootstraps this cluster from a shared snapshot of
// another: the shared keys are copied into the cluster bucket, the data
// volume is created from the shared snapshot and a new persisted document
// is written
func (m *Manager) InitSharedCluster(ctx context.Context, share string) error {
	srcBucket, prefix, err := parseShare(share)
	if err != nil {
		return err
	}
	dst := m.settings.ClusterBucket

	var doc *clusterconf.Document
	m.withStore(func() {
		if err = m.ensureBucket(); err != nil {
			return
		}
		var listed storage.ListResult
		listed, err = m.store.ListKeys(srcBucket, prefix, "")
		if err != nil {
			err = fmt.Errorf("failed to list shared cluster: %w", err)
			return
		}
		for _, key := range listed.Keys {
			name := strings.TrimPrefix(key, prefix)
			if name == "" || name == SharedFileList || name == clusterconf.FileName {
				continue
			}
			if cerr := m.store.Copy(srcBucket, key, dst, name); cerr != nil {
				m.logger.Warn().Err(cerr).Str("key", key).Msg("failed to copy shared key")
			}
		}
		var data []byte
		data, err = m.store.Get(srcBucket, prefix+clusterconf.FileName)
		if err != nil {
			err = fmt.Errorf("failed to read shared cluster document: %w", err)
			return
		}
		doc, err = clusterconf.Unmarshal(data)
	})
	if err != nil {
		return err
	}

	snaps := doc.SharedDataSnaps
	doc.ClusterName = m.settings.ClusterName
	doc.SharedDataSnaps = nil
	m.LoadPersisted(ctx, doc)

	if len(snaps) > 0 {
		size := m.settings.DefaultDataSize
		if snap, serr := m.provider.DescribeSnapshot(ctx, snaps[0]); serr == nil {
			size = max(size, snap.Size)
		}
		data := filesystem.New(PrimaryDataName, PrimaryDataMountPoint, m.fsEnv, types.RolePrimaryData)
		for _, id := range snaps {
			data.AddVolume("", size, id)
		}
		if err := m.Register(data); err != nil {
			m.logger.Warn().Err(err).Msg("shared cluster already has a data filesystem")
		}
	}

	m.logger.Info().Str("share", share).Int("snapshots", len(snaps)).Msg("cluster bootstrapped from share")
	if err := m.PersistConfig(ctx); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist derived cluster")
	}
	return nil
}

// LoadPersisted registers the filesystems and services of a persisted
// document. Invalid entries are skipped.
func (m *Manager) LoadPersisted(ctx context.Context, doc *clusterconf.Document) {
	if doc.ClusterName != "" && doc.ClusterName != m.settings.ClusterName {
		m.logger.Warn().
			Str("persisted", doc.ClusterName).
			Str("configured", m.settings.ClusterName).
			Msg("persisted cluster name differs from configuration")
	}

	for _, rec := range doc.Filesystems {
		secret, err := m.sealer.Open(rec.SecretKey)
		if err != nil {
			m.logger.Warn().Err(err).Str("filesystem", rec.Name).Msg("cannot open bucket credentials, skipping")
			continue
		}
		rec.SecretKey = secret
		fs, err := filesystem.FromRecord(rec, m.fsEnv)
		if err != nil {
			m.logger.Warn().Err(err).Str("filesystem", rec.Name).Msg("skipping invalid filesystem entry")
			continue
		}
		if err := m.Register(fs); err != nil {
			m.logger.Warn().Err(err).Msg("skipping filesystem")
		}
	}

	for _, rec := range doc.Services {
		if isBootstrap(types.ParseRoles(rec.Roles)) {
			continue
		}
		svc, err := apps.FromRecord(rec, m.appDeps)
		if err != nil {
			m.logger.Warn().Err(err).Str("service", rec.Name).Msg("skipping invalid service entry")
			continue
		}
		if err := m.Register(svc); err != nil {
			m.logger.Warn().Err(err).Msg("skipping service")
		}
	}

	version := doc.PersistentDataVersion
	if version == 0 {
		version = 1
	}
	m.mu.Lock()
	m.clusterType = doc.ClusterType
	m.dataVersion = version
	m.sharedSnaps = append([]string(nil), doc.SharedDataSnaps...)
	m.mu.Unlock()

	if version < clusterconf.CurrentVersion {
		migration, err := apps.Build(types.RoleMigration, m.appDeps, apps.Options{})
		if err == nil {
			err = m.Register(migration)
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("failed to register migration")
		}
	}

	if doc.ClusterType != "" {
		m.SetStatus(types.ClusterStarting)
	}
	m.logger.Info().
		Str("type", string(doc.ClusterType)).
		Int("version", version).
		Int("services", m.registry.Len()).
		Msg("persisted cluster loaded")
}

func isBootstrap(roles []types.ServiceRole) bool {
	for _, r := range roles {
		for _, b := range bootstrapRoles {
			if r == b {
				return true
			}
		}
	}
	return false
}

// BuildDocument renders the current cluster composition. Transient
// filesystems and services registered at every startup are left out;
// bucket secrets are sealed.
func (m *Manager) BuildDocument() (*clusterconf.Document, error) {
	m.mu.RLock()
	doc := &clusterconf.Document{
		ClusterName:           m.settings.ClusterName,
		ClusterType:           m.clusterType,
		Placement:             m.meta.Zone,
		MachineImageID:        m.meta.ImageID,
		PersistentDataVersion: m.dataVersion,
		SharedDataSnaps:       append([]string(nil), m.sharedSnaps...),
	}
	m.mu.RUnlock()

	for _, svc := range m.registry.All() {
		switch s := svc.(type) {
		case *filesystem.Filesystem:
			if !s.Persistent() {
				continue
			}
			rec := s.Record()
			if err := rec.Validate(); err != nil {
				m.logger.Debug().Err(err).Str("filesystem", s.Name()).Msg("filesystem not persisted yet")
				continue
			}
			sealed, err := m.sealer.Seal(rec.SecretKey)
			if err != nil {
				return nil, fmt.Errorf("failed to seal credentials of %s: %w", s.Name(), err)
			}
			rec.SecretKey = sealed
			doc.Filesystems = append(doc.Filesystems, rec)
		case apps.Record:
			if isBootstrap(svc.Roles()) {
				continue
			}
			doc.Services = append(doc.Services, s.Record())
		}
	}
	return doc, nil
}

// PersistConfig writes the persisted document and the cluster name marker
// to the cluster bucket. Unchanged documents are not rewritten.
func (m *Manager) PersistConfig(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConfigPersistDuration)

	m.persistPending.Store(false)
	doc, err := m.BuildDocument()
	if err != nil {
		return err
	}
	data, err := doc.Marshal()
	if err != nil {
		return err
	}

	m.mu.RLock()
	unchanged := bytes.Equal(data, m.lastDoc)
	m.mu.RUnlock()
	if unchanged {
		return nil
	}

	bucket := m.settings.ClusterBucket
	m.withStore(func() {
		if err = m.ensureBucket(); err != nil {
			return
		}
		if err = m.store.Put(bucket, clusterconf.FileName, data); err != nil {
			err = fmt.Errorf("failed to write %s: %w", clusterconf.FileName, err)
			return
		}
		marker := m.settings.ClusterName + ".clusterName"
		if perr := m.store.Put(bucket, marker, []byte(m.settings.ClusterName)); perr != nil {
			m.logger.Warn().Err(perr).Msg("failed to write cluster name marker")
		}
	})
	if err != nil {
		m.persistPending.Store(true)
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		return err
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	m.mu.Lock()
	m.lastDoc = data
	m.mu.Unlock()
	m.logger.Debug().Int("filesystems", len(doc.Filesystems)).Int("services", len(doc.Services)).Msg("configuration persisted")
	m.eventBroker.Emit(events.EventConfigPersisted, "configuration persisted", map[string]string{"bucket": bucket})
	return nil
}

// PersistPending reports and clears a request to persist the configuration
// raised outside the reconciler
func (m *Manager) PersistPending() bool {
	return m.persistPending.Swap(false)
}

// loadDocument reads the persisted document, nil when there is none
func (m *Manager) loadDocument() (*clusterconf.Document, error) {
	var data []byte
	var err error
	m.withStore(func() {
		data, err = m.store.Get(m.settings.ClusterBucket, clusterconf.FileName)
	})
	if errors.Is(err, storage.ErrNoSuchKey) || errors.Is(err, storage.ErrNoSuchBucket) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := clusterconf.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastDoc = data
	m.mu.Unlock()
	return doc, nil
}

func (m *Manager) withStore(fn func()) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	fn()
}

// ensureBucket creates the cluster bucket when missing. Callers hold storeMu.
func (m *Manager) ensureBucket() error {
	bucket := m.settings.ClusterBucket
	ok, err := m.store.BucketExists(bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if ok {
		return nil
	}
	if err := m.store.CreateBucket(bucket); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	m.logger.Info().Str("bucket", bucket).Msg("cluster bucket created")
	return nil
}
