package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbxsync/broker/internal/config"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a broker instance is running",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	inst := config.FindInstanceByType(config.InstanceBroker)
	running := inst != nil && config.IsProcessAlive(inst.PID)

	if statusJSON {
		out := map[string]any{"running": running}
		if running {
			out["pid"] = inst.PID
			out["port"] = inst.Port
			out["host"] = inst.Host
			out["uptime"] = time.Since(inst.StartedAt).String()
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	if !running {
		fmt.Println("no broker instance running")
		return nil
	}
	fmt.Printf("broker running (pid %d) on %s:%d, uptime %s\n", inst.PID, inst.Host, inst.Port, time.Since(inst.StartedAt).Round(time.Second))
	return nil
}
