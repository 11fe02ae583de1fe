package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/store"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/sync"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/transport"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/ui"
)

// consoleObserver prints session events to a terminal. On a TTY progress is
// redrawn in place; otherwise only completed transfers are printed.
type consoleObserver struct {
	w     io.Writer
	tty   bool
	width int

	drawing bool
}

var _ sync.Observer = (*consoleObserver)(nil)

func newConsoleObserver(f *os.File) *consoleObserver {
	return &consoleObserver{
		w:     f,
		tty:   ui.IsTerminal(f),
		width: min(ui.Width(f, 80)/3, 40),
	}
}

// endLine finishes an in-place progress line before normal output.
func (c *consoleObserver) endLine() {
	if c.drawing {
		fmt.Fprintln(c.w)
		c.drawing = false
	}
}

func (c *consoleObserver) OnStatus(state sync.State, message string) {
	c.endLine()
	switch state {
	case sync.StateComplete:
		fmt.Fprintf(c.w, "%s %s\n", ui.RenderPass("✓"), message)
	case sync.StateError, sync.StateAborted:
		// Reported by the command once Run returns.
	default:
		fmt.Fprintf(c.w, "%s %s\n", ui.RenderMuted("›"), message)
	}
}

func (c *consoleObserver) OnProgress(p sync.Progress) {
	arrow := "↓"
	if p.Direction == sync.DirectionSend {
		arrow = "↑"
	}
	name := p.Name
	if name == "" {
		name = p.FileID
	}

	if c.tty {
		fmt.Fprintf(c.w, "\r%s %s %s", arrow, ui.ProgressBar(p.Fraction, c.width), name)
		c.drawing = p.Fraction < 1
		if !c.drawing {
			fmt.Fprintln(c.w)
		}
		return
	}
	if p.Fraction >= 1 {
		fmt.Fprintf(c.w, "%s %s\n", arrow, name)
	}
}

func (c *consoleObserver) OnError(err error) {
	c.endLine()
	var pe *sync.PeerError
	if errors.As(err, &pe) {
		fmt.Fprintf(c.w, "%s %v\n", ui.RenderWarn("!"), err)
	}
}

func (c *consoleObserver) OnComplete(summary sync.Summary) {
	c.endLine()
	printSummary(c.w, summary)
}

func printSummary(w io.Writer, s sync.Summary) {
	ui.WriteKV(w, []ui.KV{
		{Key: "Peer", Value: s.RemoteDeviceID},
		{Key: "Changes applied", Value: strconv.Itoa(s.Applied)},
		{Key: "Conflicts (kept local)", Value: strconv.Itoa(s.Conflicts)},
		{Key: "Files received", Value: strconv.Itoa(s.FilesReceived)},
		{Key: "Files sent", Value: strconv.Itoa(s.FilesSent)},
		{Key: "File errors", Value: strconv.Itoa(s.Errors)},
		{Key: "Duration", Value: s.Duration.Round(time.Millisecond).String()},
	})
}

// runSession syncs st with the peer on tr until done. Cancelling ctx aborts
// the session.
func runSession(ctx context.Context, st *store.SQLite, tr transport.Transport, extra ...sync.Observer) error {
	observers := append(sync.Observers{newConsoleObserver(os.Stdout)}, extra...)
	s := sync.New(st, tr, sessionConfig(observers))

	stop := context.AfterFunc(ctx, s.Abort)
	defer stop()
	defer tr.Close()

	_, err := s.Run(ctx)
	if errors.Is(err, sync.ErrAborted) {
		return errors.New("sync interrupted")
	}
	return err
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Wait for peers to connect over WebSocket and sync with them",
	Long: `Listen for peers on the local network and sync with each one that connects.

The other device runs 'peersync connect' with the URL printed at startup.
Peers are served one at a time.

Examples:
  peersync serve                    # Listen on :7420
  peersync serve --addr :9000       # Custom address
  peersync serve --once             # Exit after the first sync`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		once, _ := cmd.Flags().GetBool("once")

		st := openStore()
		defer st.Close()

		ctx, cancel := interruptContext()
		defer cancel()

		if err := serve(ctx, st, addr, once); err != nil {
			fatalf("%v", err)
		}
	},
}

// serve accepts peers on addr until ctx is done, syncing with each in turn.
func serve(ctx context.Context, st *store.SQLite, addr string, once bool, extra ...sync.Observer) error {
	ln, err := transport.Listen(addr, logs.New("transport"))
	if err != nil {
		return err
	}
	defer ln.Close()

	fmt.Printf("Waiting for peers at %s\n", ui.RenderAccent(ln.URL()))
	fmt.Println(ui.RenderMuted("Press Ctrl+C to stop..."))

	for {
		ws, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to accept peer: %w", err)
		}

		err = runSession(ctx, st, ws, extra...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Sync failed:"), err)
		}
		if once {
			return err
		}
	}
}

var connectCmd = &cobra.Command{
	Use:     "connect <url>",
	GroupID: "sync",
	Short:   "Sync with a peer running 'peersync serve'",
	Args:    cobra.ExactArgs(1),
	Example: `  peersync connect ws://192.168.1.20:7420/sync`,
	Run: func(cmd *cobra.Command, args []string) {
		st := openStore()
		defer st.Close()

		ctx, cancel := interruptContext()
		defer cancel()

		ws, err := transport.DialWebSocket(ctx, args[0], logs.New("transport"))
		if err != nil {
			fatalf("%v", err)
		}
		if err := runSession(ctx, st, ws); err != nil {
			fatalf("%v", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", ":7420", "Address to listen on")
	serveCmd.Flags().Bool("once", false, "Exit after one sync")
	serveCmd.Flags().Duration("idle-timeout", 0, "Give up on a silent peer after this long (0 waits forever)")
	serveCmd.Flags().Duration("chunk-pause", 10*time.Millisecond, "Pause between chunk batches")
	serveCmd.Flags().Int("max-retries", 2, "Re-requests for a file failing its checksum")

	connectCmd.Flags().Duration("idle-timeout", 0, "Give up on a silent peer after this long (0 waits forever)")
	connectCmd.Flags().Duration("chunk-pause", 10*time.Millisecond, "Pause between chunk batches")
	connectCmd.Flags().Int("max-retries", 2, "Re-requests for a file failing its checksum")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(connectCmd)
}
