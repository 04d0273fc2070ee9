package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kbirk/gamenet/pkg/rpc"
)

var (
	pingCount       int
	pingConcurrency int
	pingSize        int
	pingTimeout     time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Issue concurrent echo calls and report latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pingCount < 1 || pingConcurrency < 1 {
			return fmt.Errorf("count and concurrency must be positive")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
		defer cancel()

		client, err := dial(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Send(heartbeatProtocol, heartbeat(uint64(time.Now().UnixNano()))); err != nil {
			return fmt.Errorf("failed to send heartbeat: %w", err)
		}

		payload := make([]byte, pingSize)
		for i := range payload {
			payload[i] = byte(i)
		}

		mu := &sync.Mutex{}
		latencies := make([]time.Duration, 0, pingCount)

		g, ctx := errgroup.WithContext(ctx)
		calls := make(chan int)
		g.Go(func() error {
			defer close(calls)
			for i := 0; i < pingCount; i++ {
				select {
				case calls <- i:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
		for w := 0; w < pingConcurrency; w++ {
			g.Go(func() error {
				for range calls {
					start := time.Now()
					reply, err := client.Call(ctx, echoProtocol, payload)
					if err != nil {
						return err
					}
					if len(reply) != len(payload) {
						return fmt.Errorf("echo returned %d bytes, sent %d", len(reply), len(payload))
					}
					mu.Lock()
					latencies = append(latencies, time.Since(start))
					mu.Unlock()
				}
				return nil
			})
		}

		start := time.Now()
		err = g.Wait()
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("ping failed after %d calls: %w", len(latencies), err)
		}

		printLatencies(cmd, latencies, elapsed)
		return nil
	},
}

func printLatencies(cmd *cobra.Command, latencies []time.Duration, elapsed time.Duration) {
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	n := len(latencies)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %d calls in %v (%.0f calls/s)\n", green("SUCCESS:"), n, elapsed.Round(time.Microsecond), float64(n)/elapsed.Seconds())
	fmt.Fprintf(out, "    %s %v\n", cyan("min"), latencies[0])
	fmt.Fprintf(out, "    %s %v\n", cyan("avg"), total/time.Duration(n))
	fmt.Fprintf(out, "    %s %v\n", cyan("p99"), latencies[(n*99)/100])
	fmt.Fprintf(out, "    %s %v\n", cyan("max"), latencies[n-1])
}

func dial(ctx context.Context) (*rpc.Client, error) {
	conf, err := cfg.ClientConfig(clientRegistry(), logger)
	if err != nil {
		return nil, err
	}
	client := rpc.NewClient(conf)
	if err := client.Dial(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return client, nil
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 100, "number of echo calls")
	pingCmd.Flags().IntVarP(&pingConcurrency, "concurrency", "c", 8, "concurrent callers sharing the connection")
	pingCmd.Flags().IntVar(&pingSize, "size", 64, "echo payload size in bytes")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 30*time.Second, "overall timeout")
	rootCmd.AddCommand(pingCmd)
}
