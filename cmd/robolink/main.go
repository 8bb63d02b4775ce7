// Package main provides the entry point for the Robolink CLI.
package main

import (
	"os"

	"github.com/robolink/robolink/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
