package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rbxsync/broker/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running broker instance",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	inst := config.FindInstanceByType(config.InstanceBroker)
	if inst == nil || !config.IsProcessAlive(inst.PID) {
		fmt.Println("no broker instance running")
		return nil
	}
	if err := config.StopInstance(*inst); err != nil {
		return fmt.Errorf("stop instance: %w", err)
	}
	fmt.Printf("stopped broker (pid %d)\n", inst.PID)
	return nil
}
