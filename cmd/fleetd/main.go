// Command fleetd runs the fleet orchestrator and talks to a running instance
// through its status API.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
