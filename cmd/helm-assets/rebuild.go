package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"
)

func runRebuildCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	url := cmd.String("server", "http://localhost:8080", "Server base URL")
	token := cmd.String("token", "", "Admin API token (default $HELM_ASSETS_TOKEN)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	health, err := newClient(*url, *token).Rebuild(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "certification rebuilt, root %s\n", health.RootHash)
	return 0
}
