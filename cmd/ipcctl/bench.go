package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/ipc"
	"github.com/spf13/cobra"
)

type Operation string

const (
	OpRequest   Operation = "request"
	OpOneWay    Operation = "oneway"
	OpHeartbeat Operation = "heartbeat"
	OpAll       Operation = "all"
)

type BenchmarkResult struct {
	Operation    Operation
	Duration     time.Duration
	TotalOps     int64
	Successes    int64
	Failures     int64
	AvgLatency   time.Duration
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

type benchOptions struct {
	operation   string
	duration    time.Duration
	concurrency int
	payloadSize int
}

func benchCmd() *cobra.Command {
	var flags connFlags
	var opts benchOptions
	var servers []string

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load a reverse-text server and report throughput",
		Long: `Run concurrent workers against one or more servers for a fixed duration.

Requests are checked against the reversed payload, as answered by
"ipcctl serve". With several --server flags keys are spread with the
default jump hash selector.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(servers) == 0 {
				cfg, err := flags.load()
				if err != nil {
					return err
				}
				servers = []string{cfg.Address}
				if len(cfg.Group.Servers) > 0 {
					servers = cfg.Group.Servers
				}
			}
			return runBench(cmd.Context(), &flags, servers, opts)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringSliceVar(&servers, "server", nil, "Server address (repeatable, overrides --addr)")
	cmd.Flags().StringVar(&opts.operation, "operation", "all", "Operation: request, oneway, heartbeat or all")
	cmd.Flags().DurationVar(&opts.duration, "duration", 5*time.Second, "Duration of each benchmark")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "Number of concurrent workers")
	cmd.Flags().IntVar(&opts.payloadSize, "payload-size", 64, "Request payload size in bytes")

	return cmd
}

func runBench(ctx context.Context, flags *connFlags, servers []string, opts benchOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout, err := time.ParseDuration(flags.timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", flags.timeout, err)
	}

	network := flags.network
	if network == "" {
		network = ipc.DefaultNetwork
	}

	group, err := ipc.NewGroup(ipc.NewStaticServers(servers...), ipc.GroupConfig{
		Network:        network,
		MaxSize:        int32(opts.concurrency),
		RequestTimeout: timeout,
	})
	if err != nil {
		return err
	}
	defer group.Close()

	fmt.Print("Testing connection...")
	if err := group.Ping(ctx); err != nil {
		fmt.Println(" failed")
		return err
	}
	fmt.Println(" success!")

	ops := []Operation{Operation(opts.operation)}
	if ops[0] == OpAll {
		ops = []Operation{OpRequest, OpOneWay, OpHeartbeat}
	}

	for _, op := range ops {
		fmt.Printf("\n--- Running %s benchmark ---\n", op)
		printResult(runOperation(ctx, group, op, opts))
	}

	for _, s := range group.AllPoolStats() {
		fmt.Printf("\n%s: %d clients created, %d destroyed, %d acquires\n",
			s.Addr, s.Pool.CreatedClients, s.Pool.DestroyedClients, s.Pool.AcquireCount)
	}
	return nil
}

func runOperation(ctx context.Context, group *ipc.Group, op Operation, opts benchOptions) *BenchmarkResult {
	result := &BenchmarkResult{Operation: op, Correctness: true}

	var call func(worker, n int) error
	switch op {
	case OpRequest:
		call = func(worker, n int) error {
			payload := benchPayload(worker, n, opts.payloadSize)
			reply, err := group.Request(ctx, strconv.Itoa(worker), payload)
			if err != nil {
				return err
			}
			if !isReversed(payload, reply) {
				return fmt.Errorf("unexpected reply for %q", payload)
			}
			return nil
		}
	case OpOneWay:
		call = func(worker, n int) error {
			_, err := group.SendOneWay(ctx, strconv.Itoa(worker), benchPayload(worker, n, opts.payloadSize))
			return err
		}
	case OpHeartbeat:
		call = func(worker, n int) error {
			return group.Ping(ctx)
		}
	default:
		result.Correctness = false
		result.ErrorMessage = fmt.Sprintf("Unknown operation: %s", op)
		return result
	}

	var totalOps, successes, failures, totalLatency atomic.Int64
	var mu sync.Mutex

	start := time.Now()
	var wg sync.WaitGroup

	for worker := range opts.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for n := 0; time.Since(start) < opts.duration && ctx.Err() == nil; n++ {
				opStart := time.Now()
				err := call(worker, n)
				totalLatency.Add(int64(time.Since(opStart)))
				totalOps.Add(1)

				if err == nil {
					successes.Add(1)
					continue
				}
				failures.Add(1)

				mu.Lock()
				if result.ErrorMessage == "" {
					result.ErrorMessage = err.Error()
				}
				result.Correctness = false
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	result.Duration = time.Since(start)
	result.TotalOps = totalOps.Load()
	result.Successes = successes.Load()
	result.Failures = failures.Load()
	if result.TotalOps > 0 {
		result.AvgLatency = time.Duration(totalLatency.Load() / result.TotalOps)
		result.OpsPerSecond = float64(result.TotalOps) / result.Duration.Seconds()
	}
	return result
}

func benchPayload(worker, n, size int) []byte {
	prefix := fmt.Sprintf("w%d-%d-", worker, n)
	payload := make([]byte, max(size, len(prefix)))
	copy(payload, prefix)
	for i := len(prefix); i < len(payload); i++ {
		payload[i] = 'a' + byte(i%26)
	}
	return payload
}

func isReversed(payload, reply []byte) bool {
	if len(payload) != len(reply) {
		return false
	}
	for i := range payload {
		if payload[i] != reply[len(reply)-1-i] {
			return false
		}
	}
	return true
}

func printResult(result *BenchmarkResult) {
	fmt.Printf("Operation:     %s\n", result.Operation)
	fmt.Printf("Duration:      %v\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("Total ops:     %d\n", result.TotalOps)
	fmt.Printf("Successes:     %d\n", result.Successes)
	fmt.Printf("Failures:      %d\n", result.Failures)
	fmt.Printf("Avg latency:   %v\n", result.AvgLatency)
	fmt.Printf("Ops/sec:       %.0f\n", result.OpsPerSecond)
	fmt.Printf("Correctness:   %v\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Printf("First error:   %s\n", result.ErrorMessage)
	}
}
