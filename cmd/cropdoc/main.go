// Package main provides the cropdoc CLI entry point.
// cropdoc classifies crop leaf images online or, with downloaded models, offline.
package main

import (
	"fmt"
	"os"

	"github.com/cropdoc/cropdoc/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
