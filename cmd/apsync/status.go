package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aperturehq/aperture-sync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth and backend reachability",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mgr, closeStore, err := openQueue(log.New(os.Stderr, "[queue] ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer closeStore()

	pending, err := mgr.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count queue: %w", err)
	}

	online := newRemote().Healthy(ctx)

	ui.Title("Aperture sync status")
	fmt.Printf("  Store:    %s\n", storeDSN())
	fmt.Printf("  Pending:  %d\n", pending)
	if online {
		ui.Success("Backend reachable (%s)", cfg.API.BaseURL)
	} else {
		ui.Warn("Backend unreachable (%s)", cfg.API.BaseURL)
	}

	if pending > 0 && online {
		ui.Muted("Run 'apsync sync' to replay the queue")
	}
	return nil
}
