package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tollgate/internal/config"
	"github.com/jmcleod/tollgate/internal/logger"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	configPath string
	envFile    string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate is an authentication and session service",
	Long: `Authenticates principals with passwords, passkeys and second factors,
keeps their sessions, and authorizes their real-time channel subscriptions.
Complete documentation is available at https://github.com/jmcleod/tollgate`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath, envFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
		logger.Init(logger.Config{
			Env:     cfg.Log.Env,
			Level:   cfg.Log.Level,
			Service: "tollgate",
			Version: Version,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file; ignored when missing")
}
