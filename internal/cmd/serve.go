package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbxsync/broker/internal/app"
	"github.com/rbxsync/broker/internal/config"
	"github.com/rbxsync/broker/internal/server"
	"github.com/rbxsync/broker/internal/synclog"
)

var (
	servePort       int
	serveHost       string
	serveBackground bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	Long: `Start the broker's HTTP server.

The broker listens on loopback only and serves the registry, dispatch
bus, extraction, sync/diff, playtest and console endpoints used by the
editor plugin, sync clients and playtest bots.

Examples:
  rbxsync-broker serve                  # Start in the foreground
  rbxsync-broker serve -p 9000          # Start on a custom port
  rbxsync-broker serve --background     # Start detached, tracked by PID`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveBackground {
		return runServeBackground()
	}
	return runServeForeground()
}

func runServeForeground() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}

	broker := app.New(cfg)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		synclog.Log.Info("received interrupt signal, shutting down")
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	go reapLoop(ctx, broker)

	if err := config.RegisterInstance(config.Instance{
		Type:      config.InstanceBroker,
		PID:       os.Getpid(),
		Port:      cfg.Port,
		Host:      cfg.Host,
		LogPath:   logPath,
		StartedAt: time.Now(),
	}); err != nil {
		synclog.Log.Warn("failed to register instance", "error", err)
	}
	defer config.UnregisterInstance(os.Getpid())

	fmt.Printf("rbxsync-broker listening on %s\n", addr)

	srv := server.New(broker, cancel)
	return srv.ListenAndServe(ctx, addr)
}

// runServeBackground relaunches the current binary with --background
// stripped, detaches it via config.StartBackground, waits briefly for
// it to register itself, and returns to the caller's shell.
func runServeBackground() error {
	if existing := config.FindInstanceByType(config.InstanceBroker); existing != nil && config.IsProcessAlive(existing.PID) {
		return fmt.Errorf("broker already running (pid %d, port %d)", existing.PID, existing.Port)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	childArgs := []string{"serve"}
	if servePort != 0 {
		childArgs = append(childArgs, "-p", fmt.Sprintf("%d", servePort))
	}
	if serveHost != "" {
		childArgs = append(childArgs, "--host", serveHost)
	}
	if logPath != "" {
		childArgs = append(childArgs, "--log", logPath)
	}

	c := exec.Command(self, childArgs...)
	if err := config.StartBackground(c); err != nil {
		return fmt.Errorf("start background process: %w", err)
	}

	for i := 0; i < 50; i++ {
		if inst := config.FindInstanceByType(config.InstanceBroker); inst != nil && inst.PID == c.Process.Pid {
			fmt.Printf("rbxsync-broker started in background (pid %d, port %d)\n", inst.PID, inst.Port)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("rbxsync-broker started in background (pid %d)\n", c.Process.Pid)
	return nil
}

// reapLoop periodically expires stale extraction sessions and bot
// results; it exits when ctx is cancelled.
func reapLoop(ctx context.Context, broker *app.Broker) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			broker.Reap()
		}
	}
}
