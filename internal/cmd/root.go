// Package cmd provides the CLI commands for rbxsync-broker.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rbxsync/broker/internal/synclog"
)

// global flags
var (
	logPath string
	verbose bool
)

// rootCmd is the root command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "rbxsync-broker",
	Short: "Local broker coordinating a Roblox Studio editor plugin, sync clients and playtest bots",
	Long: `rbxsync-broker runs a local HTTP broker that a Roblox Studio editor
plugin, filesystem sync clients and automated playtest bots all talk to.

Running without a subcommand starts the broker in the foreground, the
same as 'rbxsync-broker serve'.

Commands:
  serve    Start the broker (foreground by default)
  status   Show whether a broker instance is running
  stop     Stop a running broker instance
  sync     Filesystem sync helpers (e.g. watch mode)
  version  Print version information

Examples:
  rbxsync-broker serve                # Start the broker on the default port
  rbxsync-broker serve --background   # Start detached, tracked by PID
  rbxsync-broker status               # Check whether it's running
  rbxsync-broker stop                 # Stop the running instance`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logPath == "" {
			if flag := cmd.Flags().Lookup("log"); flag != nil && flag.Value != nil {
				logPath = strings.TrimSpace(flag.Value.String())
			}
		}
		if logPath == "" {
			logPath = strings.TrimSpace(os.Getenv("RBXSYNC_LOG_FILE"))
		}
		if logPath != "" {
			if err := synclog.Init(logPath); err != nil {
				return fmt.Errorf("init log: %w", err)
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		_ = synclog.Log.Close()
		return nil
	},
	RunE: runServe,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "write debug log to file")

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "broker port (default from config, fallback 44755)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "broker host (default from config, fallback 127.0.0.1)")
	serveCmd.Flags().BoolVar(&serveBackground, "background", false, "start detached and tracked by PID, printing once ready")
	rootCmd.Flags().IntVarP(&servePort, "port", "p", 0, "broker port (default from config, fallback 44755)")
	rootCmd.Flags().StringVar(&serveHost, "host", "", "broker host (default from config, fallback 127.0.0.1)")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")

	syncWatchCmd.Flags().StringVarP(&syncWatchProjectDir, "project", "p", ".", "project directory to watch")
	syncCmd.AddCommand(syncWatchCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}
