package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/pior/ipc"
	"github.com/spf13/cobra"
)

// connFlags are shared by the client commands.
type connFlags struct {
	config  string
	network string
	addr    string
	timeout string
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "TOML configuration file")
	cmd.Flags().StringVar(&f.network, "network", "", "Socket network (default: unix)")
	cmd.Flags().StringVarP(&f.addr, "addr", "a", "", "Server address")
	cmd.Flags().StringVarP(&f.timeout, "timeout", "t", "1s", "Call timeout")
}

// load merges the configuration file with the flags.
func (f *connFlags) load() (ipc.FileConfig, error) {
	cfg := ipc.FileConfig{}
	if f.config != "" {
		var err error
		if cfg, err = ipc.LoadConfig(f.config); err != nil {
			return cfg, err
		}
	}
	if f.network != "" {
		cfg.Network = f.network
	}
	if cfg.Network == "" {
		cfg.Network = ipc.DefaultNetwork
	}
	if f.addr != "" {
		cfg.Address = f.addr
	}
	if cfg.Address == "" {
		return cfg, fmt.Errorf("no address: use --addr or set address in the config file")
	}
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ipcctl",
		Short: "Serve and call ipc endpoints",
		Long: `ipcctl runs an ipc server or exercises one from the command line.

Examples:
  ipcctl serve --addr /tmp/ipc.sock --metrics-addr :9100
  ipcctl ping --addr /tmp/ipc.sock
  ipcctl call --addr /tmp/ipc.sock "Hello World"
  ipcctl send --addr /tmp/ipc.sock "fire and forget"
  ipcctl bench --server /tmp/a.sock --server /tmp/b.sock --concurrency 8`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug events")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	rootCmd.AddCommand(
		serveCmd(),
		pingCmd(),
		callCmd(),
		sendCmd(),
		benchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
