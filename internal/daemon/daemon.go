// Package daemon keeps the record store in step with a directory on disk.
//
// The daemon:
// 1. Imports the whole directory tree on start
// 2. Watches the tree for changes
// 3. Debounces bursts of events per path
// 4. Records each settled change through the store, which appends it to the
//    change log for the next sync session
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a path must be quiet before it is
	// imported. This batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger

	// OnImport is called after each debounced batch that changed the store
	OnImport func(stats ImportStats)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates file watching and store updates.
type Daemon struct {
	importer *Importer
	config   *Config

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon for the tree under root with default configuration.
func New(st Store, root string) (*Daemon, error) {
	return NewWithConfig(st, root, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(st Store, root string, config *Config) (*Daemon, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}

	importer, err := NewImporter(st, root, config.Logger)
	if err != nil {
		return nil, err
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		importer:    importer,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Importer returns the importer the daemon records changes through.
func (d *Daemon) Importer() *Importer {
	return d.importer
}

// Start imports the tree, then watches it until ctx is cancelled or Stop is
// called. It blocks.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if _, err := d.importer.Import(ctx); err != nil {
		return fmt.Errorf("initial import failed: %w", err)
	}

	if err := d.watcher.Start(d.importer.Root()); err != nil {
		return err
	}

	d.config.Logger.Printf("Watching: %s", d.importer.Root())

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Changes still waiting out the
// debounce interval are imported before it returns.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Stop(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()
	d.flush(context.Background(), true)

	d.config.Logger.Println("Daemon stopped")
	return nil
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	events, errs := d.watcher.Events(), d.watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			d.config.Logger.Printf("File event: %s %s", event.Op, event.Path)
			d.queueChange(event.Path)

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for a path.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.flush(d.ctx, false)
		}
	}
}

// flush imports paths that have been quiet for the debounce interval, or
// every queued path when all is set.
func (d *Daemon) flush(ctx context.Context, all bool) {
	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []string
	for path, queuedAt := range d.changeQueue {
		if !all && now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	var total ImportStats
	for _, path := range ready {
		d.config.Logger.Printf("Processing change: %s", path)
		stats, err := d.importer.SyncPath(ctx, path)
		if err != nil {
			d.config.Logger.Printf("Error importing %s: %v", path, err)
		}
		if stats != nil {
			total.Folders += stats.Folders
			total.Files += stats.Files
			total.Unchanged += stats.Unchanged
			total.Deleted += stats.Deleted
			total.Skipped += stats.Skipped
		}
	}

	if d.config.OnImport != nil && total.Folders+total.Files+total.Deleted > 0 {
		d.config.OnImport(total)
	}
}
