package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/VanDung-dev/Neuropil-Engine/api"
)

// BenchConfig holds configuration for the control stress test.
type BenchConfig struct {
	Address     string
	Concurrency int
	// Requests stops the run after this many requests. Zero runs for
	// Duration.
	Requests   int64
	Duration   time.Duration
	Subject    string
	Payload    string
	Token      string
	ReportFile string
}

// BenchResult holds the results of a stress test.
type BenchResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	cfg := BenchConfig{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Stress test the Send call of a node's control service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.Dial(cfg.Address, cfg.Token)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "=== Neuropil Control Stress Test ===")
			fmt.Fprintf(out, "Target: %s\n", cfg.Address)
			fmt.Fprintf(out, "Concurrency: %d workers\n", cfg.Concurrency)
			fmt.Fprintf(out, "Duration: %v\n\n", cfg.Duration)

			payload := []byte(cfg.Payload)
			result := RunBench(cmd.Context(), cfg, func(ctx context.Context) error {
				return client.Send(ctx, cfg.Subject, payload)
			})
			printResults(out, result)

			if cfg.ReportFile != "" {
				if err := saveReport(cfg, result); err != nil {
					return err
				}
				fmt.Fprintf(out, "Report saved to: %s\n", cfg.ReportFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.Address, "addr", "127.0.0.1:50051", "control service address")
	cmd.Flags().IntVarP(&cfg.Concurrency, "concurrency", "c", 10, "number of concurrent workers")
	cmd.Flags().Int64VarP(&cfg.Requests, "requests", "n", 0, "total number of requests (0 = use --duration)")
	cmd.Flags().DurationVarP(&cfg.Duration, "duration", "d", 30*time.Second, "duration of test")
	cmd.Flags().StringVar(&cfg.Subject, "subject", SubjectTick, "subject to send on")
	cmd.Flags().StringVar(&cfg.Payload, "payload", "bench data", "message payload")
	cmd.Flags().StringVar(&cfg.Token, "token", "", "authentication token")
	cmd.Flags().StringVarP(&cfg.ReportFile, "output", "o", "", "output report file (JSON)")

	return cmd
}

// RunBench calls send from Concurrency workers until Duration passes,
// Requests calls were made or ctx is done.
func RunBench(ctx context.Context, cfg BenchConfig, send func(ctx context.Context) error) BenchResult {
	var (
		totalReqs    atomic.Int64
		successReqs  atomic.Int64
		failedReqs   atomic.Int64
		totalLatency atomic.Int64
		minLatency   atomic.Int64
		maxLatency   atomic.Int64
		wg           sync.WaitGroup
	)
	minLatency.Store(1<<63 - 1)

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}
	workers := cfg.Concurrency
	if workers < 1 {
		workers = 1
	}

	startTime := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if n := totalReqs.Add(1); cfg.Requests > 0 && n > cfg.Requests {
					totalReqs.Add(-1)
					return
				}

				start := time.Now()
				if err := send(ctx); err != nil {
					failedReqs.Add(1)
					// Small sleep on error to avoid hammering
					time.Sleep(10 * time.Millisecond)
					continue
				}
				lat := int64(time.Since(start))
				successReqs.Add(1)
				totalLatency.Add(lat)
				for {
					old := minLatency.Load()
					if lat >= old || minLatency.CompareAndSwap(old, lat) {
						break
					}
				}
				for {
					old := maxLatency.Load()
					if lat <= old || maxLatency.CompareAndSwap(old, lat) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()

	duration := time.Since(startTime)
	res := BenchResult{
		TotalRequests:  totalReqs.Load(),
		SuccessfulReqs: successReqs.Load(),
		FailedReqs:     failedReqs.Load(),
		TotalDuration:  duration,
		MaxLatency:     time.Duration(maxLatency.Load()),
	}
	if res.SuccessfulReqs > 0 {
		res.AvgLatency = time.Duration(totalLatency.Load() / res.SuccessfulReqs)
		res.MinLatency = time.Duration(minLatency.Load())
	}
	if duration > 0 {
		res.RequestsPerSec = float64(res.TotalRequests) / duration.Seconds()
	}
	return res
}

func printResults(w io.Writer, result BenchResult) {
	pct := func(n int64) float64 {
		if result.TotalRequests == 0 {
			return 0
		}
		return float64(n) / float64(result.TotalRequests) * 100
	}
	fmt.Fprintln(w, "=== Results ===")
	fmt.Fprintf(w, "Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Fprintf(w, "Total Requests:  %d\n", result.TotalRequests)
	fmt.Fprintf(w, "Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, pct(result.SuccessfulReqs))
	fmt.Fprintf(w, "Failed:          %d (%.2f%%)\n", result.FailedReqs, pct(result.FailedReqs))
	fmt.Fprintf(w, "Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Fprintf(w, "Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Fprintf(w, "Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Fprintf(w, "Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(cfg BenchConfig, result BenchResult) error {
	report := map[string]any{
		"config": map[string]any{
			"address":     cfg.Address,
			"concurrency": cfg.Concurrency,
			"duration":    cfg.Duration.String(),
			"subject":     cfg.Subject,
		},
		"results": map[string]any{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.ReportFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
