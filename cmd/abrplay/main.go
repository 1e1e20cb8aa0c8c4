// Package main is the entry point for the abrplay command.
package main

import (
	"os"

	"github.com/jmylchreest/abrplay/cmd/abrplay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
