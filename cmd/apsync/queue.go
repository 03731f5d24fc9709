package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aperturehq/aperture-sync/internal/queue"
	"github.com/aperturehq/aperture-sync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the pending mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in replay order",
	RunE:  runQueueList,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Remove one pending mutation",
	Long: `Remove a single pending mutation by id. The local optimistic state
it produced is not rolled back; use this for mutations the backend can
never accept.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueCancel,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every pending mutation",
	RunE:  runQueueClear,
}

func init() {
	queueClearCmd.Flags().BoolP("force", "f", false, "skip the confirmation prompt")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}

func withQueue(fn func(ctx context.Context, mgr *queue.Manager) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mgr, closeStore, err := openQueue(log.New(os.Stderr, "[queue] ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, mgr)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	return withQueue(func(ctx context.Context, mgr *queue.Manager) error {
		pending, err := mgr.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list queue: %w", err)
		}
		if len(pending) == 0 {
			ui.Muted("Queue is empty")
			return nil
		}

		fmt.Printf("%-8s %-20s %-20s %-8s %s\n", "ID", "KIND", "ENQUEUED", "RETRIES", "LAST ERROR")
		for _, m := range pending {
			lastErr := m.LastError
			if len(lastErr) > 40 {
				lastErr = lastErr[:37] + "..."
			}
			fmt.Printf("%-8d %-20s %-20s %-8d %s\n",
				m.ID, m.Kind, m.EnqueuedAt.Local().Format("2006-01-02 15:04:05"), m.RetryCount, lastErr)
		}
		ui.Muted("%d pending", len(pending))
		return nil
	})
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid mutation id %q", args[0])
	}
	return withQueue(func(ctx context.Context, mgr *queue.Manager) error {
		if err := mgr.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to cancel mutation %d: %w", id, err)
		}
		ui.Success("Cancelled mutation %d", id)
		return nil
	})
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	return withQueue(func(ctx context.Context, mgr *queue.Manager) error {
		n, err := mgr.Count(ctx)
		if err != nil {
			return fmt.Errorf("failed to count queue: %w", err)
		}
		if n == 0 {
			ui.Muted("Queue is already empty")
			return nil
		}

		if !force {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Discard %d pending mutations?", n)).
				Description("Unsynced local changes will never reach the backend.").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				return err
			}
			if !confirmed {
				ui.Muted("Aborted")
				return nil
			}
		}

		if err := mgr.Discard(ctx); err != nil {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		ui.Success("Discarded %d mutations", n)
		return nil
	})
}
