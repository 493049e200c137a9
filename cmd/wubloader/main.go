// Package main is the entry point for the wubloader application.
package main

import (
	"os"

	"github.com/dbvideostriketeam/wubloader/cmd/wubloader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
