package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pior/ipc"
	"github.com/pior/ipc/metrics"
	"github.com/pior/ipc/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var flags connFlags
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a server answering requests with the reversed payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, metricsAddr)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// reverseHandler answers every request with its payload reversed byte-wise
// and logs one-way frames.
func reverseHandler(conn *ipc.Connection, cmd wire.Command, payload []byte, out *bytes.Buffer) error {
	switch cmd {
	case wire.CmdRequest:
		out.Grow(len(payload))
		for i := len(payload) - 1; i >= 0; i-- {
			out.WriteByte(payload[i])
		}
	case wire.CmdOneWay:
		slog.Info("one-way frame", "conn", conn.ID(), "size", len(payload))
	}
	return nil
}

func runServe(ctx context.Context, cfg ipc.FileConfig, metricsAddr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := ipc.Listen(cfg.Network, cfg.Address, ipc.HandlerFunc(reverseHandler), cfg.Server)
	if err != nil {
		return err
	}
	defer server.Close()

	slog.Info("ipc server listening", "network", cfg.Network, "addr", server.Addr().String())

	if metricsAddr != "" {
		exporter := metrics.NewExporter()
		collector := metrics.NewServerCollector(server, prometheus.Labels{"addr": cfg.Address})
		if err := exporter.Register(collector); err != nil {
			return err
		}

		httpServer := &http.Server{
			Addr:              metricsAddr,
			Handler:           exporter.ServeMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer httpServer.Close()

		slog.Info("metrics listening", "addr", metricsAddr)
	}

	<-ctx.Done()
	slog.Info("shutting down", "connections", server.NumConns())
	return nil
}
