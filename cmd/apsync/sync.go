package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aperturehq/aperture-sync/internal/engine"
	"github.com/aperturehq/aperture-sync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the mutation queue once",
	Long: `Replay all pending mutations to the backend in enqueue order and
exit. Requires connectivity; offline runs leave the queue untouched.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Duration("timeout", 5*time.Minute, "maximum time for the drain pass")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger := log.New(os.Stderr, "[apsync] ", log.LstdFlags)
	mgr, closeStore, err := openQueue(logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pending, err := mgr.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count queue: %w", err)
	}
	if pending == 0 {
		ui.Success("Queue is empty, nothing to sync")
		return nil
	}

	client := newRemote()
	if !client.Healthy(ctx) {
		ui.Warn("Backend unreachable, %d mutations remain queued", pending)
		return fmt.Errorf("offline")
	}

	eng := engine.New(mgr, client, engine.Options{Logger: logger})
	defer eng.Close()

	ui.Muted("Replaying %d pending mutations...", pending)
	eng.RequestDrain()

	for eng.Draining() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sync timed out after %s", timeout)
		case <-time.After(50 * time.Millisecond):
		}
	}

	res, ok := eng.LastResult()
	if !ok {
		return fmt.Errorf("sync pass aborted on a storage fault, run again")
	}
	if res.Failed > 0 {
		ui.Warn("Synced %d of %d mutations, %d failed (will retry)", res.Succeeded, res.Total, res.Failed)
	} else {
		ui.Success("Synced %d mutations", res.Succeeded)
	}
	return nil
}
