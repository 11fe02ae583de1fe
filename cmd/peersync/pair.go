package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/signal"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/transport"
	"github.com/jamesdanielwhitford/wecreatethis-sub001/internal/ui"
)

var offerCmd = &cobra.Command{
	Use:     "offer",
	GroupID: "sync",
	Short:   "Start pairing: show an offer code, then read the peer's answer",
	Long: `Start a direct WebRTC connection to another device.

An offer code is printed (render it as a QR code or copy it across). The other
device runs 'peersync answer' with it and shows an answer code, which is read
back here. Once the data channel opens the two devices sync.

Examples:
  peersync offer
  peersync offer --no-compress    # Uncompressed codes
  peersync offer < answer.txt     # Read the answer from a file`,
	Run: func(cmd *cobra.Command, args []string) {
		openTimeout, _ := cmd.Flags().GetDuration("open-timeout")

		st := openStore()
		defer st.Close()

		ctx, cancel := interruptContext()
		defer cancel()

		peer, err := newPeer()
		if err != nil {
			fatalf("%v", err)
		}
		defer peer.Close()
		enc := newSignalEncoder()

		offer, err := peer.CreateOffer(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if err := showCode(enc, "Offer code", offer); err != nil {
			fatalf("%v", err)
		}

		answer, err := readCode(ctx, "answer")
		if err != nil {
			fatalf("%v", err)
		}
		if err := peer.AcceptAnswer(answer); err != nil {
			fatalf("%v", err)
		}

		if err := waitOpen(ctx, peer, openTimeout); err != nil {
			fatalf("%v", err)
		}
		if err := runSession(ctx, st, peer); err != nil {
			fatalf("%v", err)
		}
	},
}

var answerCmd = &cobra.Command{
	Use:     "answer [offer-code]",
	GroupID: "sync",
	Short:   "Answer a peer's offer code and sync",
	Long: `Finish pairing with a device running 'peersync offer'.

The offer code is taken from the argument, or read from the terminal when
omitted. An answer code is printed for the offering device to read.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		openTimeout, _ := cmd.Flags().GetDuration("open-timeout")

		st := openStore()
		defer st.Close()

		ctx, cancel := interruptContext()
		defer cancel()

		enc := newSignalEncoder()
		var (
			offer signal.Descriptor
			err   error
		)
		if len(args) == 1 {
			offer, err = decodeCode(args[0], "offer")
		} else {
			offer, err = readCode(ctx, "offer")
		}
		if err != nil {
			fatalf("%v", err)
		}

		peer, err := newPeer()
		if err != nil {
			fatalf("%v", err)
		}
		defer peer.Close()

		answer, err := peer.AcceptOffer(ctx, offer)
		if err != nil {
			fatalf("%v", err)
		}
		if err := showCode(enc, "Answer code", answer); err != nil {
			fatalf("%v", err)
		}

		if err := waitOpen(ctx, peer, openTimeout); err != nil {
			fatalf("%v", err)
		}
		if err := runSession(ctx, st, peer); err != nil {
			fatalf("%v", err)
		}
	},
}

func newPeer() (*transport.Peer, error) {
	return transport.NewPeer(&transport.PeerConfig{
		ICEServers:    cfg.Signal.STUN,
		GatherTimeout: cfg.Signal.GatherTimeout,
		Logger:        logs.New("webrtc"),
	})
}

func newSignalEncoder() *signal.Encoder {
	var codec signal.Codec
	if cfg.Signal.Compress {
		codec = signal.ZlibCodec{}
	}
	return signal.NewEncoder(codec, signal.WithLogger(logs.New("signal")))
}

func showCode(enc *signal.Encoder, title string, d signal.Descriptor) error {
	code, err := enc.EncodeForQR(d)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, ui.RenderAccent(title)+ui.RenderMuted(fmt.Sprintf(" (%d chars)", len(code))))
	if ui.IsTerminal(os.Stdout) {
		fmt.Println(ui.RenderBox(code))
	} else {
		fmt.Println(code)
	}
	return nil
}

// decodeCode parses a pasted or scanned code and checks it is of kind want.
// Compressed codes are accepted even when --no-compress is set.
func decodeCode(text, want string) (signal.Descriptor, error) {
	dec := signal.NewEncoder(signal.ZlibCodec{}, signal.WithLogger(logs.New("signal")))
	d, err := dec.DecodeFromQR(strings.Join(strings.Fields(text), ""))
	if err != nil {
		return signal.Descriptor{}, err
	}
	if d.Type != want {
		return signal.Descriptor{}, fmt.Errorf("expected an %s code, got %q", want, d.Type)
	}
	return d, nil
}

// readCode reads a code of kind want from the terminal, or from stdin when it
// is not a terminal.
func readCode(ctx context.Context, want string) (signal.Descriptor, error) {
	text, err := codeScanner(want).Scan(ctx)
	if err != nil {
		return signal.Descriptor{}, err
	}
	return decodeCode(text, want)
}

func codeScanner(want string) signal.Scanner {
	if !ui.IsTerminal(os.Stdin) {
		return signal.NewLineScanner(os.Stdin)
	}
	return signal.ScannerFunc(func(ctx context.Context) (string, error) {
		var text string
		field := huh.NewText().
			Title(fmt.Sprintf("Paste the %s code", want)).
			CharLimit(signal.QRCapacity(signal.LevelLow)).
			Value(&text).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("code is empty")
				}
				return nil
			})
		if err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return "", errors.New("pairing cancelled")
			}
			return "", fmt.Errorf("failed to read %s code: %w", want, err)
		}
		return text, nil
	})
}

func waitOpen(ctx context.Context, peer *transport.Peer, timeout time.Duration) error {
	fmt.Fprintln(os.Stderr, ui.RenderMuted("Connecting..."))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := peer.WaitOpen(ctx); err != nil {
		return fmt.Errorf("peer connection did not open: %w", err)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{offerCmd, answerCmd} {
		c.Flags().Bool("no-compress", false, "Produce uncompressed codes")
		c.Flags().Duration("open-timeout", time.Minute, "How long to wait for the connection to open")
		c.Flags().Duration("idle-timeout", 0, "Give up on a silent peer after this long (0 waits forever)")
		rootCmd.AddCommand(c)
	}
}
