package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check record store health",
	Long: `Check the health status of the record store server.

Examples:
  # Check health
  scratch health

  # Check health on a different server
  scratch health --server http://localhost:8080/api/v1`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	a, err := loadApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	return checkHealth(cmd.Context(), a, cmd.OutOrStdout())
}

func checkHealth(ctx context.Context, a *app, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.client.Health(ctx); err != nil {
		return fmt.Errorf("server at %s is unhealthy: %w", a.cfg.Store.BaseURL, err)
	}
	fmt.Fprintln(out, "Server Status: ok")
	return nil
}
