// Command recctl is the operator tool for a screenkeep installation: it
// exports stored chunks while the daemon is down, mints API tokens and checks
// the capture toolchain.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"screenkeep/internal/config"
	"screenkeep/internal/logging"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "recctl",
		Short:         "Operate a screenkeep recorder",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newExportCommand(), newTokenCommand(), newDoctorCommand())
	return root
}

// loadConfig reads and validates the same environment the daemon uses.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
