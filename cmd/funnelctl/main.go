// Package main runs funnelctl: offline flow validation and database migrations.
package main

import (
	"fmt"
	"os"

	"github.com/condorsoft/funnels/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
