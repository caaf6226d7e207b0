package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pior/ipc"
	"github.com/spf13/cobra"
)

func pingCmd() *cobra.Command {
	var flags connFlags

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Send a heartbeat and wait for the ack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(&flags, func(client *ipc.Client, timeout time.Duration) error {
				start := time.Now()
				if err := client.Heartbeat(timeout); err != nil {
					return err
				}
				fmt.Printf("ack from %s in %s\n", client.Addr(), time.Since(start).Round(time.Microsecond))
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func callCmd() *cobra.Command {
	var flags connFlags

	cmd := &cobra.Command{
		Use:   "call <payload>...",
		Short: "Send a request and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(strings.Join(args, " "))
			return withClient(&flags, func(client *ipc.Client, timeout time.Duration) error {
				reply, err := client.Request(payload, timeout)
				if err != nil {
					return err
				}
				fmt.Println(string(reply))
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func sendCmd() *cobra.Command {
	var flags connFlags

	cmd := &cobra.Command{
		Use:   "send <payload>...",
		Short: "Send a one-way frame",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(strings.Join(args, " "))
			return withClient(&flags, func(client *ipc.Client, timeout time.Duration) error {
				n, err := client.SendOneWay(payload)
				if err != nil {
					return err
				}
				fmt.Printf("sent %d bytes\n", n)
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

func withClient(flags *connFlags, fn func(client *ipc.Client, timeout time.Duration) error) error {
	timeout, err := time.ParseDuration(flags.timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", flags.timeout, err)
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	cfg.Client.Async = false

	client, err := ipc.Dial(cfg.Network, cfg.Address, cfg.Client)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(client, timeout)
}
