package main

import (
	"fmt"
	"os"

	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		settings, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to encode configuration: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a persisted cluster document and list what would be loaded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		doc, err := clusterconf.Unmarshal(raw)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cluster: %s\n", doc.ClusterName)
		fmt.Fprintf(out, "Type: %s\n", valueOr(string(doc.ClusterType), "(not set)"))
		fmt.Fprintf(out, "Version: %d\n", doc.PersistentDataVersion)

		skipped := 0
		fmt.Fprintln(out, "Filesystems:")
		for _, fs := range doc.Filesystems {
			if err := fs.Validate(); err != nil {
				fmt.Fprintf(out, "  ✗ %s: %v\n", valueOr(fs.Name, "(unnamed)"), err)
				skipped++
				continue
			}
			fmt.Fprintf(out, "  ✓ %s (%s) at %s\n", fs.Name, fs.Kind, fs.MountPoint)
		}
		fmt.Fprintln(out, "Services:")
		for _, svc := range doc.Services {
			if err := svc.Validate(); err != nil {
				fmt.Fprintf(out, "  ✗ %s: %v\n", valueOr(svc.Name, "(unnamed)"), err)
				skipped++
				continue
			}
			fmt.Fprintf(out, "  ✓ %s\n", svc.Name)
		}

		if skipped > 0 {
			return fmt.Errorf("%d entries would be skipped", skipped)
		}
		return nil
	},
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}
