package main

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/daemon"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/dashboard"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start a real-time WebSocket feed of sync activity",
	Long: `Start a WebSocket server that broadcasts sync activity as JSON messages.

WebSocket messages include:
- status: Session state changes
- progress: File transfer progress (in 5% steps)
- error: Failed files and sessions
- complete: Session summary
- stats: Store counts, refreshed periodically
- import: Changes picked up from a watched directory

New clients first receive the latest message of each type.

Example usage:
  peersync dashboard                          # Feed only, on 127.0.0.1:8080
  peersync dashboard --serve :7420            # Also accept sync peers
  peersync dashboard --watch ~/Pictures       # Also watch a directory

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		serveAddr, _ := cmd.Flags().GetString("serve")
		watchDir, _ := cmd.Flags().GetString("watch")
		interval, _ := cmd.Flags().GetDuration("stats-interval")

		st := openStore()
		defer st.Close()

		server := dashboard.NewServer(&dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Logger: logs.New("dashboard"),
		})
		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}
		handler := dashboard.NewHandler(server, logs.New("dashboard"))

		fmt.Printf("Dashboard server started on http://%s\n", server.Addr())
		fmt.Printf("WebSocket endpoint: %s\n", ui.RenderAccent("ws://"+server.Addr()+"/ws"))
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
		fmt.Println(ui.RenderMuted("\nPress Ctrl+C to stop..."))

		ctx, cancel := interruptContext()
		defer cancel()

		var wg gosync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			publishStats(ctx, st, handler, interval)
		}()

		if watchDir != "" {
			d, err := daemon.NewWithConfig(st, watchDir, &daemon.Config{
				DebounceInterval: cfg.Watch.Debounce,
				Logger:           logs.New("daemon"),
				OnImport:         handler.OnImport,
			})
			if err != nil {
				fatalf("%v", err)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := d.Start(ctx); err != nil {
					handler.OnError(err)
				}
			}()
		}

		if serveAddr != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := serve(ctx, st, serveAddr, false, handler); err != nil {
					handler.OnError(err)
				}
			}()
		}

		<-ctx.Done()
		wg.Wait()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fatalf("error during shutdown: %v", err)
		}
		fmt.Println("Dashboard server stopped")
	},
}

// publishStats broadcasts store counts every interval until ctx is done.
func publishStats(ctx context.Context, st *store.SQLite, handler *dashboard.Handler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if stats, err := st.Stats(ctx); err == nil {
			handler.UpdateStats(stats)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	dashboardCmd.Flags().String("dashboard-host", "127.0.0.1", "Interface to bind")
	dashboardCmd.Flags().String("serve", "", "Also accept sync peers on this address")
	dashboardCmd.Flags().String("watch", "", "Also watch and import this directory")
	dashboardCmd.Flags().Duration("debounce", 100*time.Millisecond, "Quiet period before a changed path is imported")
	dashboardCmd.Flags().Duration("stats-interval", 5*time.Second, "How often store counts are broadcast")

	rootCmd.AddCommand(dashboardCmd)
}
