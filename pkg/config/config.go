package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (COLONY_CLUSTER_NAME, ...)
const EnvPrefix = "COLONY"

// ReferenceFilesystem describes a read-only data filesystem created from a
// provider snapshot when a full cluster is first configured
type ReferenceFilesystem struct {
	Name       string   `mapstructure:"name" yaml:"name"`
	Roles      []string `mapstructure:"roles" yaml:"roles"`
	SnapshotID string   `mapstructure:"snap_id" yaml:"snap_id"`
	Size       int      `mapstructure:"size" yaml:"size,omitempty"`
}

// InstanceConfig holds the thresholds driving worker health maintenance
type InstanceConfig struct {
	CommTimeout        time.Duration `mapstructure:"comm_timeout" yaml:"comm_timeout"`
	StateChangeWait    time.Duration `mapstructure:"state_change_wait" yaml:"state_change_wait"`
	RebootTimeout      time.Duration `mapstructure:"reboot_timeout" yaml:"reboot_timeout"`
	RebootAttempts     int           `mapstructure:"reboot_attempts" yaml:"reboot_attempts"`
	TerminateAttempts  int           `mapstructure:"terminate_attempts" yaml:"terminate_attempts"`
	QuietCheckInterval time.Duration `mapstructure:"quiet_check_interval" yaml:"quiet_check_interval"`
	SpotTagRetries     int           `mapstructure:"spot_tag_retries" yaml:"spot_tag_retries"`
	SpotTagWait        time.Duration `mapstructure:"spot_tag_wait" yaml:"spot_tag_wait"`
}

// Config is the control-plane configuration
type Config struct {
	ClusterName   string `mapstructure:"cluster_name" yaml:"cluster_name"`
	ClusterBucket string `mapstructure:"cluster_bucket" yaml:"cluster_bucket"`
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	Provider      string `mapstructure:"provider" yaml:"provider"`

	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogJSON     bool   `mapstructure:"log_json" yaml:"log_json"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	DNSAddr     string `mapstructure:"dns_addr" yaml:"dns_addr"`
	DNSDomain   string `mapstructure:"dns_domain" yaml:"dns_domain"`

	// ShareString bootstraps a derived cluster from "<bucket>/shared/<timestamp>"
	ShareString          string                `mapstructure:"share_string" yaml:"share_string,omitempty"`
	DefaultDataSize      int                   `mapstructure:"default_data_size" yaml:"default_data_size"`
	StorageType          string                `mapstructure:"storage_type" yaml:"storage_type"`
	ReferenceFilesystems []ReferenceFilesystem `mapstructure:"reference_filesystems" yaml:"reference_filesystems"`
	BatchIntegrations    []string              `mapstructure:"batch_integrations" yaml:"batch_integrations"`
	PostStartScriptURL   string                `mapstructure:"post_start_script_url" yaml:"post_start_script_url,omitempty"`
	MinWorkers           int                   `mapstructure:"min_workers" yaml:"min_workers"`
	MaxWorkers           int                   `mapstructure:"max_workers" yaml:"max_workers"`

	Instance InstanceConfig `mapstructure:"instance" yaml:"instance"`

	FSStartGrace   time.Duration `mapstructure:"fs_start_grace" yaml:"fs_start_grace"`
	ShutdownWait   time.Duration `mapstructure:"shutdown_wait" yaml:"shutdown_wait"`
	TransientPath  string        `mapstructure:"transient_path" yaml:"transient_path"`
	ExportLockPath string        `mapstructure:"export_lock_path" yaml:"export_lock_path"`
	KeyDir         string        `mapstructure:"key_dir" yaml:"key_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster_name", "colony")
	v.SetDefault("cluster_bucket", "")
	v.SetDefault("data_dir", "/var/lib/colony")
	v.SetDefault("provider", "fake")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("metrics_addr", "127.0.0.1:9090")
	v.SetDefault("dns_addr", "127.0.0.1:5353")
	v.SetDefault("dns_domain", "colony")
	v.SetDefault("default_data_size", 10)
	v.SetDefault("storage_type", "volume")
	v.SetDefault("min_workers", 0)
	v.SetDefault("max_workers", 20)

	v.SetDefault("instance.comm_timeout", 5*time.Minute)
	v.SetDefault("instance.state_change_wait", 4*time.Minute)
	v.SetDefault("instance.reboot_timeout", 5*time.Minute)
	v.SetDefault("instance.reboot_attempts", 4)
	v.SetDefault("instance.terminate_attempts", 4)
	v.SetDefault("instance.quiet_check_interval", 30*time.Second)
	v.SetDefault("instance.spot_tag_retries", 3)
	v.SetDefault("instance.spot_tag_wait", 5*time.Second)

	v.SetDefault("fs_start_grace", 30*time.Second)
	v.SetDefault("shutdown_wait", 5*time.Minute)
	v.SetDefault("transient_path", "/mnt/transient_nfs")
	v.SetDefault("export_lock_path", "/tmp/colony-exports.lock")
	v.SetDefault("key_dir", "/var/lib/colony/keys")
}

func newViper(env bool) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	if !env {
		return v
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration, ignoring files and environment
func Default() *Config {
	cfg, _ := decode(newViper(false))
	return cfg
}

// Load reads a YAML configuration file and merges it over the defaults.
// An empty path loads defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := newViper(true)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.ClusterBucket == "" {
		cfg.ClusterBucket = "cm-" + cfg.ClusterName
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	var errs []error
	if c.ClusterName == "" {
		errs = append(errs, errors.New("cluster_name is required"))
	}
	if c.Instance.RebootAttempts < 0 || c.Instance.TerminateAttempts < 0 {
		errs = append(errs, errors.New("instance attempt thresholds must not be negative"))
	}
	if c.DefaultDataSize <= 0 {
		errs = append(errs, fmt.Errorf("default_data_size must be positive, got %d", c.DefaultDataSize))
	}
	if c.MaxWorkers < c.MinWorkers {
		errs = append(errs, fmt.Errorf("max_workers (%d) is below min_workers (%d)", c.MaxWorkers, c.MinWorkers))
	}
	for i, fs := range c.ReferenceFilesystems {
		if fs.Name == "" || fs.SnapshotID == "" {
			errs = append(errs, fmt.Errorf("reference_filesystems[%d] needs name and snap_id", i))
		}
	}
	return errors.Join(errs...)
}
