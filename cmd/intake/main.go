package main

import (
	"fmt"
	"os"

	"github.com/tillberg/autorestart"

	"github.com/marromugi/gch4-sub003/internal/cli"
)

func main() {
	// Restart on binary rebuilds during development.
	if os.Getenv("INTAKE_AUTORESTART") == "1" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
