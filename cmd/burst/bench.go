package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/burst/internal/cluster"
	"github.com/samcharles93/burst/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns  int64
		benchRuns   int64
		forwardOnly bool
		cpuProfile  string
	)

	flags := append(jobFlags(), shapeFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
		&cli.BoolFlag{
			Name:        "forward-only",
			Usage:       "skip the backward pass",
			Destination: &forwardOnly,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time repeated distributed attention calls",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig(configFile)
			applyJobConfig(c, cfg)
			applyShapeConfig(c, cfg)
			if benchRuns <= 0 {
				return cli.Exit("error: --runs must be positive", 2)
			}

			p, err := newProblem()
			if err != nil {
				return err
			}
			dout := p.dout
			if forwardOnly {
				dout = nil
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}

			fmt.Println("=== burst bench ===")
			fmt.Printf("World:      %d (%d per node)\n", worldSize, intraSize)
			fmt.Printf("Backend:    %s\n", ringBackend)
			fmt.Printf("Q:          %s %s\n", p.q.Shape, p.q.DType)
			fmt.Printf("KV:         %s\n", p.k.Shape)
			fmt.Printf("Backward:   %t\n", !forwardOnly)
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Println()

			job := jobConfig(log, nil)
			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := cluster.Attention(ctx, job, p.q, p.k, p.v, dout); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			bar := progressbar.NewOptions(int(benchRuns),
				progressbar.OptionSetDescription("runs"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetTheme(progressbar.ThemeASCII),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)
			type runResult struct {
				Duration time.Duration
				Bytes    int64
			}
			results := make([]runResult, 0, benchRuns)
			for i := range int(benchRuns) {
				start := time.Now()
				res, err := cluster.Attention(ctx, job, p.q, p.k, p.v, dout)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, runResult{Duration: time.Since(start), Bytes: res.Stats.BytesSent})
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s %14s\n", "Run", "Duration", "Moved", "Rate")
			var total time.Duration
			var moved int64
			for i, r := range results {
				fmt.Printf("%-6d %12s %12s %14s\n", i+1, r.Duration.Round(time.Microsecond),
					humanize.Bytes(uint64(r.Bytes)), rate(r.Bytes, r.Duration))
				total += r.Duration
				moved += r.Bytes
			}
			n := int64(len(results))
			avg := total / time.Duration(n)
			fmt.Printf("\n%-6s %12s %12s %14s\n", "Avg", avg.Round(time.Microsecond),
				humanize.Bytes(uint64(moved/n)), rate(moved, total))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %s alloc, %s sys\n", humanize.Bytes(mem.Alloc), humanize.Bytes(mem.Sys))
			return nil
		},
	}
}

func rate(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(float64(bytes)/d.Seconds())) + "/s"
}
