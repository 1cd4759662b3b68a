// Package main is the entry point for the matchflow scheduler.
package main

import (
	"os"

	"matchflow/cmd/matchflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
