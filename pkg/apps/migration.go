package apps

import (
	"context"
	"os"

	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/types"
)

const MigrationName = "Migration"

// MigrationStep upgrades persisted state written by an older release. It
// applies when the persisted version is below Version.
type MigrationStep struct {
	Version int
	Name    string
	Run     func(ctx context.Context, m *MigrationService) error
}

// MigrationService brings data written by older releases up to the current
// layout. Steps are best effort; the service removes itself afterwards.
type MigrationService struct {
	*service.Base
	d       Deps
	steps   []MigrationStep
	target  int
	oldHome string
	newHome string
}

// NewMigration creates the migration service targeting the current
// persisted-data version
func NewMigration(d Deps, _ Options) service.Service {
	m := &MigrationService{
		Base:    service.NewBase(MigrationName, types.ServiceTypeOneShot, types.RoleMigration),
		d:       d,
		target:  clusterconf.CurrentVersion,
		oldHome: LegacyDatabaseHome,
		newHome: DefaultDatabaseHome,
	}
	m.Require(types.RolePrimaryData)
	m.steps = defaultSteps()
	return m
}

func defaultSteps() []MigrationStep {
	return []MigrationStep{
		{Version: 2, Name: "relocate-database", Run: relocateDatabase},
		{Version: 3, Name: "restart-filesystems", Run: restartFilesystems},
	}
}

func relocateDatabase(ctx context.Context, m *MigrationService) error {
	if _, err := os.Stat(m.oldHome); err != nil {
		return nil
	}
	if _, err := os.Stat(m.newHome); err == nil {
		return nil
	}
	m.Logger().Info().Str("from", m.oldHome).Str("to", m.newHome).Msg("relocating database directory")
	_, err := m.d.Runner.Run(ctx, "mv", m.oldHome, m.newHome)
	return err
}

func restartFilesystems(ctx context.Context, m *MigrationService) error {
	m.d.Cluster.RestartFilesystems(ctx)
	return nil
}

// Needed reports whether the persisted data predates the current layout
func (m *MigrationService) Needed() bool {
	return m.d.Cluster.PersistentDataVersion() < m.target
}

func (m *MigrationService) Add(ctx context.Context) bool {
	if m.State() == types.ServiceStateCompleted {
		return false
	}
	m.SetState(types.ServiceStateStarting)

	from := m.d.Cluster.PersistentDataVersion()
	for _, step := range m.steps {
		if from >= step.Version {
			continue
		}
		m.Logger().Info().Str("step", step.Name).Int("from_version", from).Msg("running migration step")
		if err := step.Run(ctx, m); err != nil {
			m.Logger().Warn().Err(err).Str("step", step.Name).Msg("migration step failed, continuing")
		}
	}
	if from < m.target {
		m.d.Cluster.SetPersistentDataVersion(m.target)
	}

	m.SetState(types.ServiceStateCompleted)
	m.d.Cluster.RemoveService(ctx, m.Name())
	return true
}

func (m *MigrationService) Remove(ctx context.Context) {
	if m.State() != types.ServiceStateCompleted {
		m.SetState(types.ServiceStateShutDown)
	}
}

func (m *MigrationService) Status(ctx context.Context) {}

var _ service.Service = (*MigrationService)(nil)
