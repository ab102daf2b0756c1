// Package main is the entry point for the driftcast application.
package main

import (
	"os"

	"github.com/jmylchreest/driftcast/cmd/driftcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
