// Package main provides the dashflow binary entry point.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/dashflow/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
