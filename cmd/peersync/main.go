// Command peersync syncs files and folders directly between two devices,
// with no server in between.
package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/config"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/logging"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/sync"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/ui"
)

var (
	cfgFile string
	cfg     *config.Config
	logs    *logging.Factory
)

// flagKeys maps command-line flags onto config keys. Flags a command does
// not define are skipped.
var flagKeys = map[string]string{
	"db":             "db",
	"quiet":          "log.quiet",
	"log-file":       "log.file",
	"port":           "dashboard.port",
	"debounce":       "watch.debounce",
	"idle-timeout":   "sync.idle_timeout",
	"chunk-pause":    "sync.chunk_pause",
	"max-retries":    "sync.max_file_retries",
	"dashboard-host": "dashboard.host",
}

var rootCmd = &cobra.Command{
	Use:   "peersync",
	Short: "Offline-first peer-to-peer file and folder sync",
	Long: `peersync keeps a local store of files and folders and syncs it directly
with another device.

Every local change is recorded in an append-only change log. When two devices
connect they swap the changes the other has not seen, resolve conflicts with
last-write-wins, and stream file contents in chunks.

Devices pair over WebRTC by exchanging two short codes (offer, then answer)
that fit in a QR code, or connect over a WebSocket on a shared network.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.Flags())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./peersync.yaml)")
	pf.String("db", "", "SQLite database path (default: .peersync/peersync.db)")
	pf.Bool("quiet", false, "Discard component logs")
	pf.String("log-file", "", "Write component logs to a rotating file")
}

// setup loads configuration, letting flags set on the command line override
// file and environment values, then opens the log destination.
func setup(flags *pflag.FlagSet) error {
	v := config.New(cfgFile)
	for flag, key := range flagKeys {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	if f := flags.Lookup("no-compress"); f != nil && f.Changed {
		v.Set("signal.compress", false)
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	cfg = loaded

	logs, err = logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Quiet:      cfg.Log.Quiet,
	})
	return err
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

// openStore opens the configured database, exiting on failure.
func openStore() *store.SQLite {
	st, err := store.Open(cfg.DB, store.WithLogger(logs.New("store")))
	if err != nil {
		fatalf("failed to open store %s: %v", cfg.DB, err)
	}
	return st
}

// sessionConfig builds a session configuration from settings.
func sessionConfig(observer sync.Observer) *sync.Config {
	return &sync.Config{
		ChunkPause:     cfg.Sync.ChunkPause,
		PauseEvery:     cfg.Sync.PauseEvery,
		MaxFileRetries: cfg.Sync.MaxFileRetries,
		IdleTimeout:    cfg.Sync.IdleTimeout,
		Logger:         logs.New("sync"),
		Observer:       observer,
	}
}

// interruptContext is cancelled on Ctrl+C or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
