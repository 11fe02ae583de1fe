package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/loadtest"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Measure sync sessions between two scratch stores",
	Long: `Run repeated sync sessions between two temporary stores in this process.

One store is seeded with generated folders and files and synced into an empty
one. Then, for each round, both stores edit different files and sync again.
Session latency is reported and the stores are checked to be identical at the
end. Your own store is not touched.

Examples:
  peersync bench                              # 50 files of 64KiB, 5 rounds
  peersync bench --files 500 --size 1048576   # Heavier data set
  peersync bench --json`,
	Run: func(cmd *cobra.Command, args []string) {
		files, _ := cmd.Flags().GetInt("files")
		folders, _ := cmd.Flags().GetInt("folders")
		size, _ := cmd.Flags().GetInt("size")
		rounds, _ := cmd.Flags().GetInt("rounds")
		edits, _ := cmd.Flags().GetInt("edits")
		seed, _ := cmd.Flags().GetInt64("seed")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if files <= 0 || folders <= 0 || size <= 0 {
			fatalf("--files, --folders and --size must be positive")
		}
		if rounds < 0 || edits < 0 {
			fatalf("--rounds and --edits must not be negative")
		}

		dir, err := os.MkdirTemp("", "peersync-bench-")
		if err != nil {
			fatalf("failed to create scratch directory: %v", err)
		}
		defer os.RemoveAll(dir)

		logger := logs.New("bench")
		a, err := loadtest.CreateTestStore(filepath.Join(dir, "a.db"), loadtest.Options{
			Folders:  folders,
			Files:    files,
			FileSize: size,
			Seed:     seed,
			Logger:   logger,
		})
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()
		b, err := loadtest.OpenEmpty(filepath.Join(dir, "b.db"), a, logger)
		if err != nil {
			fatalf("%v", err)
		}
		defer b.Close()

		ctx, cancel := interruptContext()
		defer cancel()

		if !jsonOutput {
			fmt.Printf("Running %d rounds: %d files of %s in %d folders, %d edits per side per round\n\n",
				rounds, files, ui.FormatBytes(int64(size)), folders, edits)
		}

		stats, err := loadtest.RunSyncRounds(ctx, a, b, rounds, edits, sessionConfig(nil))
		if err != nil {
			fatalf("%v", err)
		}
		convergeErr := loadtest.VerifyConverged(ctx, a.Store, b.Store)

		if jsonOutput {
			out := map[string]any{
				"sessions":    stats.TotalSessions,
				"errors":      stats.Errors,
				"files_moved": stats.FilesMoved,
				"min_ms":      millis(stats.Min),
				"p50_ms":      millis(stats.P50),
				"mean_ms":     millis(stats.Mean),
				"p95_ms":      millis(stats.P95),
				"p99_ms":      millis(stats.P99),
				"max_ms":      millis(stats.Max),
				"converged":   convergeErr == nil,
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(out)
		} else {
			stats.PrintStats(os.Stdout)
		}

		if convergeErr != nil {
			fatalf("stores diverged: %v", convergeErr)
		}
		if !jsonOutput {
			fmt.Printf("\n%s stores converged\n", ui.RenderPass("✓"))
		}
	},
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func init() {
	benchCmd.Flags().Int("files", 50, "Files in the seeded store")
	benchCmd.Flags().Int("folders", 5, "Folders in the seeded store")
	benchCmd.Flags().Int("size", 64*1024, "Size of each file in bytes")
	benchCmd.Flags().Int("rounds", 5, "Edit-and-sync rounds after the initial sync")
	benchCmd.Flags().Int("edits", 5, "Files each side edits per round")
	benchCmd.Flags().Int64("seed", 1, "Seed for generated content")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	benchCmd.Flags().Duration("chunk-pause", 10*time.Millisecond, "Pause between chunk batches")
	rootCmd.AddCommand(benchCmd)
}
