package main

import (
	"os"
)

// Version information - set during build time via ldflags
var (
	Version   = "dev"
	GitCommit = "none"
)

func main() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
