package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aperturehq/aperture-sync/internal/capture"
	"github.com/aperturehq/aperture-sync/internal/connectivity"
	"github.com/aperturehq/aperture-sync/internal/dashboard"
	"github.com/aperturehq/aperture-sync/internal/engine"
	"github.com/aperturehq/aperture-sync/internal/mutation"
	"github.com/aperturehq/aperture-sync/internal/optimistic"
	"github.com/aperturehq/aperture-sync/internal/remote"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the sync daemon: watch connectivity, drain the mutation queue
when online, and optionally serve a local status dashboard and a
drop-folder note capturer.

The daemon drains on three triggers: startup with pending mutations,
an offline-to-online transition, and new enqueues from the capture
folder. A drain pass replays mutations in enqueue order; a mutation
that fails three times is dropped and its optimistic entity is marked
orphaned.

Example usage:
  apsync daemon                        # defaults from ~/.aperture/config.yaml
  apsync daemon --dashboard            # also serve ws://127.0.0.1:8787/ws
  apsync daemon --capture-dir ~/notes  # enqueue dropped JSON notes`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the status WebSocket endpoint")
	daemonCmd.Flags().String("capture-dir", "", "watch this directory for dropped note files")
	rootCmd.AddCommand(daemonCmd)
}

// daemonLogWriter tees daemon logs to stderr and, when configured, a
// rotated log file.
func daemonLogWriter() io.Writer {
	if cfg.Log.File == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
}

// articleFetcher is the slice of the remote boundary the reconcile
// step needs.
type articleFetcher interface {
	FetchArticles(ctx context.Context) ([]remote.Article, error)
}

// reconcileEntities refreshes the optimistic cache against the
// authoritative article list. Pending entries the server now covers
// are dropped so a later refetch cannot show the same article twice.
func reconcileEntities(ctx context.Context, fetcher articleFetcher, cache *optimistic.Cache, logger *log.Logger) {
	if cache.Len() == 0 {
		return
	}
	articles, err := fetcher.FetchArticles(ctx)
	if err != nil {
		logger.Printf("WARNING: skipping reconcile, failed to fetch articles: %v", err)
		return
	}
	cache.Reconcile(articles)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logw := daemonLogWriter()
	logger := log.New(logw, "[apsync] ", log.LstdFlags)

	mgr, closeStore, err := openQueue(log.New(logw, "[queue] ", log.LstdFlags))
	if err != nil {
		return err
	}
	defer closeStore()

	client := newRemote()
	cache := optimistic.NewCache()

	// Declared before the engine so its hooks can publish; constructed
	// after the monitor so the welcome snapshot can report liveness.
	var dash *dashboard.Server

	publishDepth := func(ctx context.Context) {
		if dash == nil {
			return
		}
		if n, err := mgr.Count(ctx); err == nil {
			dash.PublishQueueDepth(n)
		}
	}

	eng := engine.New(mgr, client, engine.Options{
		Logger: log.New(logw, "[engine] ", log.LstdFlags),
		OnResult: func(r engine.Result) {
			if dash != nil {
				dash.PublishSyncResult(r)
			}
			publishDepth(context.Background())
			if r.Succeeded > 0 {
				reconcileEntities(context.Background(), client, cache, logger)
			}
		},
		OnFollowUp: func(entityID string) {
			logger.Printf("Requesting re-enrichment for project %s", entityID)
		},
		OnPermanentFailure: func(m mutation.QueuedMutation, reason string) {
			if target := mutation.TargetID(m.Kind, m.Payload); target != "" {
				cache.MarkOrphaned(target, reason)
			}
		},
	})
	defer eng.Close()

	// The probe result feeds both the engine trigger and the dashboard.
	var lastOnline bool
	var lastOnlineMu sync.Mutex
	probe := func(ctx context.Context) bool {
		online := client.Healthy(ctx)
		if dash != nil {
			lastOnlineMu.Lock()
			changed := online != lastOnline
			lastOnline = online
			lastOnlineMu.Unlock()
			if changed {
				dash.PublishConnectivity(online)
			}
		}
		return online
	}

	interval := time.Duration(cfg.Connectivity.IntervalSeconds) * time.Second
	monitor := connectivity.New(probe, interval, log.New(logw, "[connectivity] ", log.LstdFlags))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	wantDashboard, _ := cmd.Flags().GetBool("dashboard")
	if wantDashboard || cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(dashboard.Config{
			Addr:   cfg.Dashboard.Addr,
			Logger: log.New(logw, "[dashboard] ", log.LstdFlags),
			Snapshot: func() dashboard.Snapshot {
				snap := dashboard.Snapshot{Online: monitor.Online()}
				if n, err := mgr.Count(context.Background()); err == nil {
					snap.Pending = n
				}
				if res, ok := eng.LastResult(); ok {
					snap.LastResult = &res
				}
				return snap
			},
		})
	}

	// The probe goroutine reads dash, so it starts only after the
	// dashboard decision is final.
	monitor.Start(ctx)
	defer monitor.Stop()
	eng.Wire(monitor)

	// Optional drop-folder capture.
	captureDir, _ := cmd.Flags().GetString("capture-dir")
	if captureDir == "" && cfg.Capture.Enabled {
		captureDir = cfg.Capture.Dir
	}
	if captureDir != "" {
		watcher, err := capture.New(mgr, capture.Config{
			Dir:    captureDir,
			Logger: log.New(logw, "[capture] ", log.LstdFlags),
			OnEnqueued: func() {
				eng.RequestDrain()
				publishDepth(context.Background())
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create capture watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("failed to start capture watcher: %w", err)
		}
		defer watcher.Stop()
		logger.Printf("Watching %s for dropped notes", captureDir)
	}

	if dash != nil {
		if err := dash.Start(); err != nil {
			return err
		}
		defer func() { _ = dash.Stop() }()
		logger.Printf("Status endpoint: ws://%s/ws", dash.Addr())
		publishDepth(ctx)
	}

	pending, _ := mgr.Count(ctx)
	logger.Printf("Daemon started: store=%s pending=%d online=%v", storeDSN(), pending, monitor.Online())

	<-ctx.Done()
	logger.Println("Shutting down")
	return nil
}
