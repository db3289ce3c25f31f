// Package main is the entry point for the hot-swap module runtime daemon.
package main

import (
	"fmt"
	"os"

	"github.com/forgecore/hmrcore/cmd/hmrd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
