// Package capture turns note files dropped into a local directory into
// queued create-note mutations.
//
// The companion daemon watches a captures directory; any editor or
// script can write a small JSON file there and the note reaches the
// backend through the same offline-safe queue as every other write.
// Processed files are moved into an archive subdirectory so a restart
// never enqueues a note twice.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aperturehq/aperture-sync/internal/mutation"
	"github.com/aperturehq/aperture-sync/internal/optimistic"
	"github.com/aperturehq/aperture-sync/internal/queue"
	"github.com/fsnotify/fsnotify"
)

// archiveDirName holds processed capture files, relative to the watch
// directory.
const archiveDirName = "processed"

// noteFile is the on-disk shape of a dropped capture.
type noteFile struct {
	Title   string   `json:"title,omitempty"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// Config configures the capture watcher.
type Config struct {
	// Dir is the directory to watch for *.json capture files.
	Dir string

	// DebounceInterval batches rapid writes to the same file before
	// processing. Default: 200 ms.
	DebounceInterval time.Duration

	// OnEnqueued is called after each successful enqueue, letting the
	// daemon request a drain.
	OnEnqueued func()

	// Logger for watcher activity.
	Logger *log.Logger
}

// Watcher monitors the captures directory and enqueues note mutations.
type Watcher struct {
	dir      string
	mgr      *queue.Manager
	config   Config
	watcher  *fsnotify.Watcher
	changes  map[string]time.Time
	changeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a capture watcher over the queue manager.
func New(mgr *queue.Manager, config Config) (*Watcher, error) {
	if mgr == nil {
		return nil, fmt.Errorf("queue manager cannot be nil")
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("capture dir cannot be empty")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[capture] ", log.LstdFlags)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dir:     config.Dir,
		mgr:     mgr,
		config:  config,
		watcher: fw,
		changes: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start processes any files already in the directory, then watches for
// new ones until Stop.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create capture dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(w.dir, archiveDirName), 0755); err != nil {
		return fmt.Errorf("failed to create archive dir: %w", err)
	}

	// Files dropped while the daemon wasn't running.
	if err := w.processExisting(); err != nil {
		return err
	}

	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch capture dir: %w", err)
	}
	w.config.Logger.Printf("Watching: %s", w.dir)

	w.wg.Add(2)
	go w.watchEvents()
	go w.processChanges()
	return nil
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() {
	w.cancel()
	if err := w.watcher.Close(); err != nil {
		w.config.Logger.Printf("Error closing watcher: %v", err)
	}
	w.wg.Wait()
}

func (w *Watcher) processExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read capture dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		w.processFile(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) watchEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			w.changeMu.Lock()
			w.changes[event.Name] = time.Now()
			w.changeMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (w *Watcher) processChanges() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processSettled()
		}
	}
}

// processSettled handles files that have been quiet for at least one
// debounce interval.
func (w *Watcher) processSettled() {
	now := time.Now()
	var ready []string
	w.changeMu.Lock()
	for path, seenAt := range w.changes {
		if now.Sub(seenAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changes, path)
	}
	w.changeMu.Unlock()

	for _, path := range ready {
		w.processFile(path)
	}
}

// processFile enqueues one capture file and archives it. Failures are
// logged and the file is left in place for a later attempt.
func (w *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.config.Logger.Printf("WARNING: failed to read capture %s: %v", path, err)
		}
		return
	}

	var note noteFile
	if err := json.Unmarshal(data, &note); err != nil {
		w.config.Logger.Printf("WARNING: skipping malformed capture %s: %v", path, err)
		return
	}
	if note.Content == "" {
		w.config.Logger.Printf("WARNING: skipping capture %s: no content", path)
		return
	}

	fields := map[string]any{
		"temp_id": optimistic.NewTempID(),
		"content": note.Content,
	}
	if note.Title != "" {
		fields["title"] = note.Title
	}
	if len(note.Tags) > 0 {
		fields["tags"] = note.Tags
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		w.config.Logger.Printf("WARNING: failed to encode capture %s: %v", path, err)
		return
	}

	id, err := w.mgr.Enqueue(w.ctx, mutation.KindCreateNote, payload)
	if err != nil {
		w.config.Logger.Printf("WARNING: failed to enqueue capture %s: %v", path, err)
		return
	}
	w.config.Logger.Printf("Enqueued capture %s as mutation %d", filepath.Base(path), id)

	archived := filepath.Join(w.dir, archiveDirName, filepath.Base(path))
	if err := os.Rename(path, archived); err != nil {
		w.config.Logger.Printf("WARNING: failed to archive capture %s: %v", path, err)
	}

	if w.config.OnEnqueued != nil {
		w.config.OnEnqueued()
	}
}
