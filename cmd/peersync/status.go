package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "data",
	Short:   "Show this device's identity and sync state",
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()
		ctx := context.Background()

		deviceID, err := st.DeviceID(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		stats, err := st.Stats(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		lastSync, err := st.LastSyncTimestamp(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		size := "unknown"
		if info, err := os.Stat(st.Path()); err == nil {
			size = ui.FormatBytes(info.Size())
		}
		unsynced := strconv.Itoa(stats.Unsynced)
		if stats.Unsynced > 0 {
			unsynced = ui.RenderWarn(unsynced)
		}

		fmt.Println(ui.RenderAccent("peersync status"))
		ui.WriteKV(os.Stdout, []ui.KV{
			{Key: "Device", Value: deviceID},
			{Key: "Database", Value: fmt.Sprintf("%s (%s)", st.Path(), size)},
			{Key: "Folders", Value: strconv.Itoa(stats.Folders)},
			{Key: "Files", Value: strconv.Itoa(stats.Files)},
			{Key: "Changes", Value: strconv.Itoa(stats.Changes)},
			{Key: "Unsynced changes", Value: unsynced},
			{Key: "Last sync", Value: formatMillis(lastSync)},
		})
	},
}

// formatMillis renders a Unix millisecond timestamp, or "never" for zero.
func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}

var changesCmd = &cobra.Command{
	Use:     "changes",
	GroupID: "data",
	Short:   "List change log entries",
	Long: `List entries of the local change log, oldest first.

Examples:
  peersync changes                        # Everything
  peersync changes --unsynced             # Not yet delivered to a peer
  peersync changes --since 1718000000000  # After a Unix millisecond timestamp
  peersync changes --format yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		unsynced, _ := cmd.Flags().GetBool("unsynced")
		since, _ := cmd.Flags().GetInt64("since")
		format, _ := cmd.Flags().GetString("format")

		st := openStore()
		defer st.Close()
		ctx := context.Background()

		var (
			entries []store.ChangeLogEntry
			err     error
		)
		switch {
		case unsynced:
			entries, err = st.Unsynced(ctx)
		case cmd.Flags().Changed("since"):
			entries, err = st.ChangesSince(ctx, since)
		default:
			entries, err = st.AllChanges(ctx)
		}
		if err != nil {
			fatalf("%v", err)
		}

		if err := writeChanges(os.Stdout, entries, format); err != nil {
			fatalf("%v", err)
		}
	},
}

// writeChanges renders entries as a table, JSON or YAML.
func writeChanges(w io.Writer, entries []store.ChangeLogEntry, format string) error {
	if entries == nil {
		entries = []store.ChangeLogEntry{}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()

	case "table", "":
		if len(entries) == 0 {
			fmt.Fprintln(w, "No changes.")
			return nil
		}
		fmt.Fprintf(w, "%-6s %-19s %-6s %-6s %-36s %s\n", "SEQ", "TIME", "TYPE", "OP", "ENTITY", "SYNCED")
		for _, e := range entries {
			synced := "no"
			if e.Synced {
				synced = "yes"
			}
			fmt.Fprintf(w, "%-6d %-19s %-6s %-6s %-36s %s\n",
				e.Seq, formatMillis(e.Timestamp), e.EntityType, e.Operation, e.EntityID, synced)
		}
		return nil

	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	GroupID: "data",
	Short:   "List stored folders and files",
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()
		ctx := context.Background()

		folders, err := st.ListFolders(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		files, err := st.ListFiles(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		writeTree(os.Stdout, folders, files)
	},
}

// writeTree prints folders as an indented tree with their files beneath.
// Entries whose parent is missing are listed at the top level.
func writeTree(w io.Writer, folders []store.FolderRecord, files []store.FileRecord) {
	known := make(map[string]bool, len(folders))
	for _, f := range folders {
		known[f.ID] = true
	}
	children := make(map[string][]store.FolderRecord)
	for _, f := range folders {
		parent := f.ParentID
		if !known[parent] {
			parent = ""
		}
		children[parent] = append(children[parent], f)
	}
	contents := make(map[string][]store.FileRecord)
	for _, f := range files {
		folder := f.FolderID
		if !known[folder] {
			folder = ""
		}
		contents[folder] = append(contents[folder], f)
	}

	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		indent := fmt.Sprintf("%*s", depth*2, "")
		for _, f := range children[parent] {
			fmt.Fprintf(w, "%s%s/\n", indent, ui.RenderAccent(f.Name))
			walk(f.ID, depth+1)
		}
		for _, f := range contents[parent] {
			fmt.Fprintf(w, "%s%s %s\n", indent, f.Name, ui.RenderMuted(fmt.Sprintf("(%s, %s)", f.Type, ui.FormatBytes(f.Size()))))
		}
	}
	walk("", 0)

	if len(folders) == 0 && len(files) == 0 {
		fmt.Fprintln(w, "Store is empty.")
	}
}

func init() {
	changesCmd.Flags().Bool("unsynced", false, "Only entries not yet synced")
	changesCmd.Flags().Int64("since", 0, "Only entries after this Unix millisecond timestamp")
	changesCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(lsCmd)
}
