package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/history"
	"github.com/omochice/peerlink/internal/link"
	"github.com/omochice/peerlink/internal/transport"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for a peer to connect and chat with it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context(), func(m *link.Manager) error {
			m.StartListening()
			return nil
		})
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <peer>",
	Short: "Connect to a peer and chat with it",
	Long: `Connect to a peer and chat with it.

The peer is a device address such as AA:BB:CC:DD:EE:FF for rfcomm, or
host:port for the tcp and ws transports.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := transport.PeerAddress(args[0])
		return runNode(cmd.Context(), func(m *link.Manager) error {
			return m.Connect(peer)
		})
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report which dial strategies the transport offers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, permission, err := newTransport(cfg, zap.NewNop())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		caps := tr.Capabilities()
		fmt.Fprintf(out, "transport:    %s\n", tr.Name())
		fmt.Fprintf(out, "service dial: %t\n", caps.ServiceDial)
		fmt.Fprintf(out, "channel dial: %t (fallback channel %d)\n", caps.ChannelDial, cfg.Link.FallbackChannel)
		if permission != nil {
			if err := permission(); err != nil {
				fmt.Fprintf(out, "permission:   denied (%v)\n", err)
				return nil
			}
		}
		fmt.Fprintln(out, "permission:   granted")
		return nil
	},
}

var historyFile string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the message journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := historyFile
		if path == "" {
			path = cfg.History.Path
		}
		entries, err := history.ReadFile(path)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range entries {
			arrow := "<-"
			if e.Direction == history.Outbound {
				arrow = "->"
			}
			fmt.Fprintf(out, "%s %s %s [%s] %s\n", e.At.Local().Format(time.DateTime), arrow, e.Peer, e.SenderName, e.Payload)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyFile, "file", "f", "", "journal file (default: history.path from config)")
}

// runNode starts a node, applies start to its manager and runs the console
// until the user quits or the process is interrupted.
func runNode(parent context.Context, start func(*link.Manager) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	defer n.close()

	if err := start(n.manager); err != nil {
		if errors.Is(err, link.ErrInvalidPeer) {
			return fmt.Errorf("peer address is required: %w", err)
		}
		return err
	}
	return n.run(ctx, os.Stdin, os.Stdout)
}
