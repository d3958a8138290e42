// Package main is the cireilclaw CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/cireil/cireilclaw/cmd/cireilclaw/commands"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	if err := commands.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
