package main

// ============================================================================
// Responsibilities:
// 1. Binary entry point
// 2. Build and execute the command tree
// 3. Top-level error reporting and panic recovery
// ============================================================================

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/pixelsqueeze/internal/cli"
)

// Injected at build time:
//
//	go build -ldflags "-X main.version=1.2.0 -X main.commit=$(git rev-parse --short HEAD)" ./cmd/pixelsqueeze
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if version != "dev" {
		cli.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}
	rootCmd := cli.BuildCLI()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, cli.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
