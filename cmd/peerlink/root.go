package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/omochice/peerlink/internal/config"
)

// GlobalFlags holds flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Transport  string
	Name       string
	LogLevel   string
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Chat with a paired device over a serial link",
	Long: `peerlink keeps one bidirectional link to a paired peer alive and runs a
small chat over it. RFCOMM is used by default; tcp and ws transports are
available for development and bridged setups.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(globalFlags.ConfigPath)
		if err != nil {
			return err
		}
		if globalFlags.Transport != "" {
			loaded.Transport.Kind = globalFlags.Transport
		}
		if globalFlags.Name != "" {
			loaded.Identity.Name = globalFlags.Name
		}
		if globalFlags.LogLevel != "" {
			loaded.Logging.Level = globalFlags.LogLevel
		}
		if err := loaded.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigPath, "config", "c", "peerlink.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Transport, "transport", "t", "", "transport: rfcomm|tcp|ws (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Name, "name", "n", "", "display name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "log level (overrides config)")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(historyCmd)
}
