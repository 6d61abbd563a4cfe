package main

import (
	"github.com/autopilot-sh/autopilot/cmd"
)

// main is the entry point for the autopilot binary. Command-line parsing,
// configuration and execution all live in the cmd package.
func main() {
	cmd.Execute()
}
