package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/colony/pkg/cloud"
	"github.com/cuemby/colony/pkg/comm"
	"github.com/cuemby/colony/pkg/command"
	"github.com/cuemby/colony/pkg/config"
	"github.com/cuemby/colony/pkg/filesystem"
	"github.com/cuemby/colony/pkg/hosts"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/manager"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/reconciler"
	"github.com/cuemby/colony/pkg/scheduler"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the cluster control plane",
	Long: `Start the control plane on this node. It discovers the node's identity,
registers the base services, then either loads the persisted cluster, builds
one from a share string or waits for a cluster type to be chosen.

The process runs until SIGINT or SIGTERM, which shuts the cluster down in
order: application services, workers, then storage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		simulate, _ := cmd.Flags().GetBool("simulate")
		advertiseIP, _ := cmd.Flags().GetString("advertise-ip")
		clusterType, _ := cmd.Flags().GetString("cluster-type")
		dataSize, _ := cmd.Flags().GetInt("data-size")
		workers, _ := cmd.Flags().GetInt("workers")
		deleteCluster, _ := cmd.Flags().GetBool("delete-on-shutdown")

		settings, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(settings.LogLevel),
			JSONOutput: settings.LogJSON,
			Cluster:    settings.ClusterName,
		})
		metrics.SetVersion(Version)

		provider, err := newProvider(settings, advertiseIP)
		if err != nil {
			return err
		}

		store, err := storage.NewBoltStore(filepath.Join(settings.DataDir, "objects"))
		if err != nil {
			return fmt.Errorf("failed to open object store: %w", err)
		}
		defer store.Close()
		metrics.RegisterComponent(metrics.ComponentStore, true, "")

		mgrCfg := &manager.Config{
			Settings: settings,
			Provider: provider,
			Store:    store,
			Channel:  comm.NewMemChannel(),
		}
		if simulate {
			mgrCfg.Host = filesystem.NewMemHost()
			mgrCfg.Runner = command.NewRecordingRunner()
			mgrCfg.Scheduler = scheduler.NewMemBackend()
		} else {
			runner := command.ExecRunner{}
			mgrCfg.Runner = runner
			mgrCfg.Host = filesystem.NewSystemHost(runner, filesystem.SystemHostConfig{
				CredentialsDir: filepath.Join(settings.DataDir, "credentials"),
			})
		}

		mgr, err := manager.NewManager(mgrCfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer mgr.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(cmd.OutOrStdout(), "Starting cluster %s...\n", settings.ClusterName)
		metrics.RegisterComponent(metrics.ComponentManager, false, "starting")
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		metrics.UpdateComponent(metrics.ComponentManager, true, string(mgr.Status()))

		if clusterType != "" && mgr.ClusterType() == "" {
			if dataSize <= 0 {
				dataSize = settings.DefaultDataSize
			}
			if err := mgr.InitCluster(ctx, types.ClusterType(clusterType), dataSize, settings.StorageType); err != nil {
				return err
			}
		}
		if workers > 0 {
			if err := mgr.AddWorkers(ctx, workers); err != nil {
				return err
			}
		}

		return serve(ctx, settings, mgr, manager.ShutdownOptions{DeleteCluster: deleteCluster})
	},
}

// serve supervises the control-plane goroutines until ctx ends, then runs
// the ordered shutdown and lets the reconciler observe TERMINATED
func serve(ctx context.Context, settings *config.Config, mgr *manager.Manager, opts manager.ShutdownOptions) error {
	logger := log.WithComponent("colony")
	rec := reconciler.NewReconciler(mgr, reconciler.Config{
		QuietCheckInterval: settings.Instance.QuietCheckInterval,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	httpSrv := &http.Server{
		Addr:              settings.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	dnsSrv := hosts.NewServer(mgr.HostTable(), &hosts.Config{ListenAddr: settings.DNSAddr})
	if err := dnsSrv.Start(ctx); err != nil {
		metrics.RegisterComponent(metrics.ComponentDNS, false, err.Error())
		logger.Warn().Err(err).Msg("host-table DNS server not started")
	} else {
		metrics.RegisterComponent(metrics.ComponentDNS, true, dnsSrv.Addr().String())
		defer dnsSrv.Stop()
	}

	collector := manager.NewMetricsCollector(mgr)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("address", settings.MetricsAddr).Msg("metrics server started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return rec.Run(context.Background())
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down cluster")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		err := mgr.Shutdown(shutdownCtx, opts)
		metrics.UpdateComponent(metrics.ComponentManager, err == nil, string(mgr.Status()))
		rec.Wake()

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer httpCancel()
		if herr := httpSrv.Shutdown(httpCtx); herr != nil {
			logger.Warn().Err(herr).Msg("metrics server did not stop cleanly")
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// newProvider returns the compute provider named in the configuration
func newProvider(settings *config.Config, advertiseIP string) (cloud.Provider, error) {
	switch settings.Provider {
	case "fake":
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "localhost"
		}
		return cloud.NewFakeProvider(cloud.Metadata{
			InstanceID:   "i-" + hostname,
			Zone:         "local-1a",
			InstanceType: "local",
			PrivateIP:    advertiseIP,
			Hostname:     hostname,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", settings.Provider)
	}
}

func init() {
	runCmd.Flags().Bool("simulate", false, "Keep mounts and the job scheduler in memory instead of touching this host")
	runCmd.Flags().String("advertise-ip", "127.0.0.1", "Private address workers use to reach this node")
	runCmd.Flags().String("cluster-type", "", "Initialize a new cluster of this type (full, data or scheduler)")
	runCmd.Flags().Int("data-size", 0, "Primary data volume size in GB for a new cluster")
	runCmd.Flags().Int("workers", 0, "Number of workers to start")
	runCmd.Flags().Bool("delete-on-shutdown", false, "Delete the cluster bucket on shutdown")
}
