package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/aperturehq/aperture-sync/internal/config"
	"github.com/aperturehq/aperture-sync/internal/queue"
	"github.com/aperturehq/aperture-sync/internal/remote"
	"github.com/aperturehq/aperture-sync/internal/store"
)

var (
	cfg       *config.Config
	flagStore string
)

var rootCmd = &cobra.Command{
	Use:   "apsync",
	Short: "Offline-first mutation queue and sync engine for Aperture",
	Long: `apsync keeps local Aperture edits durable while offline and replays
them to the backend in order once connectivity returns.

Mutations (note edits, list changes, article saves) are appended to a
local store and drained by a single-flight sync engine with bounded
retries. Run "apsync daemon" for continuous operation, or "apsync sync"
for a one-shot drain.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagStore, "store", "", "mutation store DSN (overrides config)")
}

// storeDSN resolves the mutation store DSN from flag, config, and the
// default SQLite path, in that order.
func storeDSN() string {
	if flagStore != "" {
		return flagStore
	}
	if cfg.Store != "" {
		return cfg.Store
	}
	return "file:" + config.DefaultStorePath()
}

// openQueue opens the configured store and wraps it in a queue manager.
// The returned cleanup closes the store.
func openQueue(logger *log.Logger) (*queue.Manager, func(), error) {
	st, err := store.Open(storeDSN())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mutation store: %w", err)
	}
	mgr := queue.New(st, logger)
	return mgr, func() { _ = st.Close() }, nil
}

// newRemote builds the backend client from the loaded config.
func newRemote() *remote.HTTPClient {
	token := cfg.API.Token
	return remote.NewHTTPClient(remote.HTTPClientOptions{
		BaseURL: cfg.API.BaseURL,
		TokenProvider: func(ctx context.Context) (string, error) {
			return token, nil
		},
	})
}
