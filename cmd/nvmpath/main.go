package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/nvmpath/pkg/config"
	"github.com/cuemby/nvmpath/pkg/log"
	"github.com/cuemby/nvmpath/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded before any subcommand runs
var cfg = config.Default()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nvmpath",
	Short: "nvmpath - storage controller and multipath control plane",
	Long: `nvmpath drives the lifecycle of NVMe style storage controllers and
keeps I/O flowing across the paths to shared namespaces.

Controllers are reset on keep-alive loss, namespaces are rescanned on
async events, and I/O to a multipath group is queued and resubmitted
while the group fails over to a healthy path.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded
		log.Init(cfg.LoggerConfig())
		metrics.SetVersion(Version)
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nvmpath version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")

	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads --config over the defaults, then applies flag overrides
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		c = loaded
	}

	if cmd.Flags().Changed("log-level") {
		c.Log.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-json") {
		c.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if err := c.Validate(); err != nil {
		return config.Config{}, err
	}
	return c, nil
}
