package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/daemon"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/ui"
)

var importCmd = &cobra.Command{
	Use:     "import <dir>",
	GroupID: "data",
	Short:   "Record a directory tree in the store",
	Long: `Walk a directory and record its folders and files in the local store.

Each path maps to the same id on every device, so importing the same tree on
two devices and syncing does not duplicate it. Unchanged entries are skipped
and entries removed from disk since the last import are deleted. Hidden
entries (names starting with ".") are ignored.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()

		ctx, cancel := interruptContext()
		defer cancel()

		im, err := daemon.NewImporter(st, args[0], logs.New("import"))
		if err != nil {
			fatalf("%v", err)
		}
		stats, err := im.Import(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Imported %s\n", ui.RenderPass("✓"), im.Root())
		printImportStats(stats)
	},
}

func printImportStats(s *daemon.ImportStats) {
	ui.WriteKV(os.Stdout, []ui.KV{
		{Key: "Folders", Value: strconv.Itoa(s.Folders)},
		{Key: "Files", Value: strconv.Itoa(s.Files)},
		{Key: "Unchanged", Value: strconv.Itoa(s.Unchanged)},
		{Key: "Deleted", Value: strconv.Itoa(s.Deleted)},
		{Key: "Skipped", Value: strconv.Itoa(s.Skipped)},
	})
}

var watchCmd = &cobra.Command{
	Use:     "watch <dir>",
	GroupID: "data",
	Short:   "Import a directory and keep the store in step with it",
	Long: `Import a directory, then watch it and record every change in the store
until interrupted. Bursts of writes to one path are imported once the path has
been quiet for the debounce interval.

Examples:
  peersync watch ~/Pictures
  peersync watch ~/Notes --debounce 500ms`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()

		ctx, cancel := interruptContext()
		defer cancel()

		d, err := daemon.NewWithConfig(st, args[0], &daemon.Config{
			DebounceInterval: cfg.Watch.Debounce,
			Logger:           logs.New("daemon"),
			OnImport: func(s daemon.ImportStats) {
				fmt.Printf("%s %d folders, %d files updated, %d deleted\n",
					ui.RenderMuted(time.Now().Format(time.TimeOnly)), s.Folders, s.Files, s.Deleted)
			},
		})
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("Watching %s\n", ui.RenderAccent(d.Importer().Root()))
		fmt.Println(ui.RenderMuted("Press Ctrl+C to stop..."))
		if err := d.Start(ctx); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("Stopped watching")
	},
}

func init() {
	watchCmd.Flags().Duration("debounce", 100*time.Millisecond, "Quiet period before a changed path is imported")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(watchCmd)
}
