// Package main provides the skirmish command line.
package main

import (
	"fmt"
	"os"

	"github.com/cory-johannsen/skirmish/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
