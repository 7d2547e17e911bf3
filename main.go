// Package main is the entry point for the bastion playbook engine.
package main

import (
	"context"
	"fmt"
	"os"

	"bastion/bootstrap"
	"bastion/cmd"
)

// run initializes and serves the bastion API until a shutdown signal.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()

	return nil
}

func main() {
	// CLI mode: `bastion playbooks import|validate|list ...`
	if len(os.Args) > 1 && os.Args[1] == "playbooks" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

		playbooksCmd := cmd.NewPlaybooksCmd()
		if err := playbooksCmd.Execute(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
