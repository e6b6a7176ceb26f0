package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/colony/pkg/apps"
	"github.com/cuemby/colony/pkg/cloud"
	"github.com/cuemby/colony/pkg/comm"
	"github.com/cuemby/colony/pkg/command"
	"github.com/cuemby/colony/pkg/config"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/filesystem"
	"github.com/cuemby/colony/pkg/hosts"
	"github.com/cuemby/colony/pkg/instance"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/scheduler"
	"github.com/cuemby/colony/pkg/security"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// TransientName is the registry name of the node-local scratch filesystem
	TransientName = "transient_nfs"

	// PrimaryDataName is the registry name of the cluster's data filesystem
	PrimaryDataName = "galaxy"

	// PrimaryDataMountPoint is where the data filesystem is mounted
	PrimaryDataMountPoint = "/mnt/galaxy"

	// StorageVolume and StorageTransient are the accepted storage types for
	// the primary data filesystem
	StorageVolume    = "volume"
	StorageTransient = "transient"
)

var (
	metadataAttempts = 5
	metadataDelay    = time.Second
)

// Manager is the cluster control plane. It owns the service registry and
// the live worker set and carries out cluster-level operations; the
// reconciler drives it.
type Manager struct {
	settings *config.Config
	provider cloud.Provider
	store    storage.Store
	channel  comm.Channel
	host     filesystem.Host
	runner   command.Runner
	backend  scheduler.Backend
	http     *http.Client

	registry    *service.Registry
	sealer      *security.Sealer
	eventBroker *events.Broker
	ownBroker   bool
	hostTable   *hosts.Table
	knownHosts  *security.KnownHosts
	keys        *security.KeyPair
	logger      zerolog.Logger

	// storeMu serializes every object-store interaction. It is taken only by
	// top-level operations, never while already held.
	storeMu sync.Mutex

	// Set by Start
	meta      cloud.Metadata
	scheduler *scheduler.Scheduler
	fsEnv     *filesystem.Env
	appDeps   apps.Deps
	instCfg   instance.Config

	mu          sync.RWMutex
	workers     []*instance.Instance
	status      types.ClusterStatus
	clusterType types.ClusterType
	dataVersion int
	sharedSnaps []string
	diskUsage   map[string]types.DiskUsage
	lastChange  time.Time
	lastDoc     []byte

	persistPending atomic.Bool
	shutdownOnce   sync.Once
	pollInterval   time.Duration
}

// Config holds the collaborators for creating a Manager. Provider, Store,
// Channel and Host are required; the rest have production defaults.
type Config struct {
	Settings  *config.Config
	Provider  cloud.Provider
	Store     storage.Store
	Channel   comm.Channel
	Host      filesystem.Host
	Runner    command.Runner
	Scheduler scheduler.Backend

	// Keys is loaded from Settings.KeyDir when nil
	Keys       *security.KeyPair
	Events     *events.Broker
	HTTPClient *http.Client
}

// NewManager creates a new Manager. Nothing touches the provider or the
// object store until Start.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if cfg.Provider == nil || cfg.Store == nil || cfg.Channel == nil || cfg.Host == nil {
		return nil, errors.New("provider, store, channel and host are required")
	}
	if err := os.MkdirAll(cfg.Settings.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	runner := cfg.Runner
	if runner == nil {
		runner = command.ExecRunner{}
	}
	backend := cfg.Scheduler
	if backend == nil {
		backend = scheduler.NewSGEBackend(runner, "/opt/sge")
	}

	sealer, err := security.NewClusterSealer(cfg.Settings.ClusterName)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential sealer: %w", err)
	}

	broker, own := cfg.Events, false
	if broker == nil {
		broker, own = events.NewBroker(), true
		broker.Start()
	}

	return &Manager{
		settings:     cfg.Settings,
		provider:     cfg.Provider,
		store:        cfg.Store,
		channel:      cfg.Channel,
		host:         cfg.Host,
		runner:       runner,
		backend:      backend,
		http:         cfg.HTTPClient,
		keys:         cfg.Keys,
		registry:     service.NewRegistry(),
		sealer:       sealer,
		eventBroker:  broker,
		ownBroker:    own,
		hostTable:    hosts.NewTable(cfg.Settings.DNSDomain),
		knownHosts:   security.NewKnownHosts(filepath.Join(cfg.Settings.DataDir, "known_hosts")),
		logger:       log.WithComponent("manager"),
		status:       types.ClusterStarting,
		diskUsage:    make(map[string]types.DiskUsage),
		lastChange:   time.Now(),
		pollInterval: time.Second,
	}, nil
}

// Start runs the startup sequence: discover the control-plane node, register
// the services every cluster has, then load a shared cluster, a persisted
// cluster or wait for a cluster type. A returned error is fatal.
func (m *Manager) Start(ctx context.Context) error {
	s := m.settings

	err := cloud.Retry(ctx, metadataAttempts, metadataDelay, func() error {
		var err error
		m.meta, err = m.provider.Metadata(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read instance metadata: %w", err)
	}
	m.hostTable.SetMaster(m.meta.PrivateIP, m.meta.Hostname)

	if m.keys == nil {
		m.keys, err = security.LoadOrCreateKeyPair(s.KeyDir)
		if err != nil {
			return fmt.Errorf("failed to load master key pair: %w", err)
		}
	}

	m.fsEnv = &filesystem.Env{
		Provider:    m.provider,
		Host:        m.host,
		InstanceID:  m.meta.InstanceID,
		Zone:        m.meta.Zone,
		ClusterName: s.ClusterName,
		ExportLock:  filesystem.NewFileLock(s.ExportLockPath),
		StartGrace:  s.FSStartGrace,
		OnVolumeChange: func(fs *filesystem.Filesystem) {
			m.logger.Info().Str("filesystem", fs.Name()).Msg("volume binding changed, persisting configuration")
			m.persistPending.Store(true)
		},
	}
	m.appDeps = apps.Deps{
		Cluster:            m,
		Runner:             m.runner,
		Store:              m.store,
		StoreLock:          &m.storeMu,
		Bucket:             s.ClusterBucket,
		HomeDir:            s.DataDir,
		PostStartScriptURL: s.PostStartScriptURL,
		MinWorkers:         s.MinWorkers,
		MaxWorkers:         s.MaxWorkers,
		HealthStartPeriod:  s.FSStartGrace,
		HTTPClient:         m.http,
	}
	m.instCfg = instance.ConfigFrom(s.ClusterName, s.Instance)

	m.withStore(func() {
		if err := m.ensureBucket(); err != nil {
			m.logger.Error().Err(err).Str("bucket", s.ClusterBucket).Msg("cluster bucket unavailable, configuration will not be persisted")
		}
	})

	if err := m.registerBaseServices(); err != nil {
		return err
	}

	switch {
	case s.ShareString != "":
		if err := m.InitSharedCluster(ctx, s.ShareString); err != nil {
			return fmt.Errorf("failed to bootstrap shared cluster: %w", err)
		}
	default:
		doc, err := m.loadDocument()
		if err != nil {
			return fmt.Errorf("failed to load persisted cluster: %w", err)
		}
		if doc != nil {
			m.LoadPersisted(ctx, doc)
		}
	}

	if m.ClusterType() == "" {
		m.SetStatus(types.ClusterWaiting)
		m.logger.Info().Msg("waiting for cluster type selection")
	}

	m.adoptLiveInstances(ctx)

	m.logger.Info().
		Str("cluster", s.ClusterName).
		Str("master", m.meta.InstanceID).
		Int("services", m.registry.Len()).
		Msg("control plane started")
	return nil
}

// registerBaseServices registers the scheduler, the transient filesystem,
// the all-ready one-shot and the configured batch integrations
func (m *Manager) registerBaseServices() error {
	s := m.settings
	m.scheduler = scheduler.New(m.backend, m.masterHost(), true)

	base := []service.Service{
		m.scheduler,
		filesystem.NewTransient(TransientName, s.TransientPath, m.fsEnv),
	}
	ready, err := apps.Build(types.RoleAllReady, m.appDeps, apps.Options{})
	if err != nil {
		return fmt.Errorf("failed to build ready service: %w", err)
	}
	base = append(base, ready)

	if s.MinWorkers > 0 {
		autoscale, err := apps.Build(types.RoleAutoscale, m.appDeps, apps.Options{})
		if err != nil {
			return fmt.Errorf("failed to build autoscale service: %w", err)
		}
		base = append(base, autoscale)
	}

	for _, name := range s.BatchIntegrations {
		if !apps.KnownBatch(name) {
			m.logger.Warn().Str("integration", name).Msg("unknown batch integration, skipping")
			continue
		}
		batch, err := apps.Build(types.RoleBatch, m.appDeps, apps.Options{Name: name})
		if err != nil {
			return err
		}
		base = append(base, batch)
	}

	for _, svc := range base {
		if err := m.Register(svc); err != nil {
			return fmt.Errorf("failed to bootstrap registry: %w", err)
		}
	}
	return nil
}

// Close releases resources owned by the manager
func (m *Manager) Close() {
	if m.ownBroker {
		m.eventBroker.Stop()
	}
}

// Register adds a service to the registry. A duplicate name is rejected.
func (m *Manager) Register(svc service.Service) error {
	if err := m.registry.Register(svc); err != nil {
		return err
	}
	m.touch()
	m.eventBroker.Emit(events.EventServiceRegistered, "service registered", map[string]string{
		"service": svc.Name(),
		"roles":   types.JoinRoles(svc.Roles()),
	})
	return nil
}

// Deregister removes the named service, stopping it first when it is still
// active
func (m *Manager) Deregister(ctx context.Context, name string) error {
	svc, ok := m.registry.ByName(name)
	if !ok {
		return fmt.Errorf("service %s is not registered", name)
	}
	if !svc.State().Off() && svc.State() != types.ServiceStateShuttingDown {
		svc.Remove(ctx)
	}
	m.registry.Deregister(name)
	m.touch()
	m.eventBroker.Emit(events.EventServiceRemoved, "service removed", map[string]string{"service": name})
	return nil
}

// RemoveService deregisters a service that has finished its work
func (m *Manager) RemoveService(ctx context.Context, name string) {
	if err := m.Deregister(ctx, name); err != nil {
		m.logger.Warn().Err(err).Msg("failed to remove service")
	}
}

// Services returns every registered service in registration order
func (m *Manager) Services() []service.Service {
	return m.registry.All()
}

// Registry exposes the service registry
func (m *Manager) Registry() *service.Registry {
	return m.registry
}

// Scheduler returns the grid scheduler service, nil before Start
func (m *Manager) Scheduler() *scheduler.Scheduler {
	return m.scheduler
}

// Events returns the manager's event broker
func (m *Manager) Events() *events.Broker {
	return m.eventBroker
}

// Channel returns the worker message channel
func (m *Manager) Channel() comm.Channel {
	return m.channel
}

// Status returns the cluster status
func (m *Manager) Status() types.ClusterStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// SetStatus records a new cluster status
func (m *Manager) SetStatus(status types.ClusterStatus) {
	m.mu.Lock()
	old := m.status
	m.status = status
	m.mu.Unlock()
	if old == status {
		return
	}
	m.logger.Info().Str("from", string(old)).Str("to", string(status)).Msg("cluster status changed")
	m.eventBroker.Emit(events.EventClusterStatus, "cluster status changed", map[string]string{
		"from": string(old),
		"to":   string(status),
	})
}

func (m *Manager) ClusterType() types.ClusterType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clusterType
}

func (m *Manager) PersistentDataVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dataVersion
}

func (m *Manager) SetPersistentDataVersion(v int) {
	m.mu.Lock()
	m.dataVersion = v
	m.mu.Unlock()
	m.persistPending.Store(true)
}

// LastChange is when the service or worker set last changed
func (m *Manager) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// InstanceConfig returns the worker health thresholds
func (m *Manager) InstanceConfig() instance.Config {
	return m.instCfg
}

// MasterIP is the control-plane node's private address
func (m *Manager) MasterIP() string {
	return m.meta.PrivateIP
}

func (m *Manager) masterHost() string {
	if m.meta.Hostname != "" {
		return m.meta.Hostname
	}
	return m.meta.PrivateIP
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
}

// filesystems returns every registered filesystem service
func (m *Manager) filesystems() []*filesystem.Filesystem {
	var out []*filesystem.Filesystem
	for _, svc := range m.registry.ByType(types.ServiceTypeStorage) {
		if fs, ok := svc.(*filesystem.Filesystem); ok {
			out = append(out, fs)
		}
	}
	return out
}

// PrimaryData returns the filesystem holding the cluster's data
func (m *Manager) PrimaryData() (*filesystem.Filesystem, bool) {
	for _, svc := range m.registry.ByRole(types.RolePrimaryData) {
		if fs, ok := svc.(*filesystem.Filesystem); ok {
			return fs, true
		}
	}
	return nil, false
}

var (
	_ apps.Cluster     = (*Manager)(nil)
	_ instance.Cluster = (*Manager)(nil)
)
