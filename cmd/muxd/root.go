package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/muxsh/mux/internal/config"
)

var cfgPath string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "muxd",
		Short:         "mux agent session daemon",
		Long:          "muxd hosts per-workspace agent sessions: the turn state machine, tool execution, background processes, and the websocket event relay.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: <home>/mux.yaml or mux.json5)")
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

// loadConfig resolves the configuration: an explicit --config path, the
// default home config if present, otherwise built-in defaults.
func loadConfig() (*config.Config, error) {
	if cfgPath != "" {
		return config.Load(cfgPath)
	}
	for _, name := range []string{"mux.yaml", "mux.json5"} {
		path := filepath.Join(config.DefaultHome(), name)
		if _, err := os.Stat(path); err == nil {
			return config.Load(path)
		}
	}
	return config.Default(), nil
}
