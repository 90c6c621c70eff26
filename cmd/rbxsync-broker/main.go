// rbxsync-broker is the local broker coordinating a Roblox Studio
// editor plugin, filesystem sync clients and playtest bots.
package main

import (
	"fmt"
	"os"

	"github.com/rbxsync/broker/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
