// Package main is the entry point for the spool daemon and its tools.
package main

import (
	"os"

	"github.com/paperoo/spool/cmd/spoold/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
