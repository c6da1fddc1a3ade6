package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/burst/internal/attention"
	"github.com/samcharles93/burst/internal/cluster"
	"github.com/samcharles93/burst/internal/kernel"
	"github.com/samcharles93/burst/internal/logger"
	"github.com/samcharles93/burst/internal/tensor"
)

func runCmd() *cli.Command {
	var (
		tracePath string
		tolerance float64
		progress  bool
	)

	flags := append(jobFlags(), shapeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "trace",
			Usage:       "write scheduling events as JSON lines to this file",
			Destination: &tracePath,
		},
		&cli.Float64Flag{
			Name:        "tolerance",
			Usage:       "max abs difference allowed against the single-rank result",
			Value:       1e-3,
			Destination: &tolerance,
		},
		&cli.BoolFlag{
			Name:        "progress",
			Usage:       "show a progress bar over computed blocks",
			Value:       true,
			Destination: &progress,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run distributed forward and backward once and check it against a single rank",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig(configFile)
			applyJobConfig(c, cfg)
			applyShapeConfig(c, cfg)

			p, err := newProblem()
			if err != nil {
				return err
			}

			var tracers []attention.TraceFunc
			if tracePath != "" {
				tw, err := newTraceWriter(tracePath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: create trace file: %v", err), 1)
				}
				defer func() {
					if err := tw.Close(); err != nil {
						log.Warn("trace file not flushed", "path", tracePath, "error", err)
					}
				}()
				tracers = append(tracers, tw.Write)
			}
			if progress {
				// forward and backward each compute world^2 blocks
				bar := progressbar.NewOptions(int(2*worldSize*worldSize),
					progressbar.OptionSetDescription("blocks"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
				defer func() { _ = bar.Finish() }()
				tracers = append(tracers, func(e attention.Event) {
					if e.Kind == attention.Block {
						_ = bar.Add(1)
					}
				})
			}

			log.Info("running", "world", worldSize, "intra", intraSize, "backend", ringBackend,
				"q", p.q.Shape.String(), "kv", p.k.Shape.String(), "dtype", p.q.DType.String())
			start := time.Now()
			res, err := cluster.Attention(ctx, jobConfig(log, fanOut(tracers)), p.q, p.k, p.v, p.dout)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: distributed attention: %v", err), 1)
			}
			elapsed := time.Since(start)

			ref := kernel.NewCPU(0, 0)
			defer ref.Close()
			out, lse, err := ref.Forward(p.q, p.k, p.v, true)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: reference forward: %v", err), 1)
			}
			dq, dk, dv, err := ref.Backward(p.dout, p.q, p.k, p.v, out, lse, true)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: reference backward: %v", err), 1)
			}

			diffs := []struct {
				name string
				err  float64
			}{
				{"out", tensor.MaxAbsDiff(out.Data, res.Out.Data)},
				{"lse", tensor.MaxAbsDiff(lse.Data, res.LSE.Data)},
				{"dq", tensor.MaxAbsDiff(dq.Data, res.DQ.Data)},
				{"dk", tensor.MaxAbsDiff(dk.Data, res.DK.Data)},
				{"dv", tensor.MaxAbsDiff(dv.Data, res.DV.Data)},
			}
			fmt.Printf("%-6s %12s\n", "tensor", "max |diff|")
			worst := 0.0
			for _, d := range diffs {
				fmt.Printf("%-6s %12.3e\n", d.name, d.err)
				worst = max(worst, d.err)
			}
			fmt.Printf("\nexchanges: %d, sent: %d bytes, time: %s\n",
				res.Stats.Exchanges, res.Stats.BytesSent, elapsed.Round(time.Millisecond))

			if worst > tolerance {
				return cli.Exit(fmt.Sprintf("error: max difference %.3e exceeds tolerance %.1e", worst, tolerance), 1)
			}
			return nil
		},
	}
}

func fanOut(fns []attention.TraceFunc) attention.TraceFunc {
	switch len(fns) {
	case 0:
		return nil
	case 1:
		return fns[0]
	}
	return func(e attention.Event) {
		for _, fn := range fns {
			fn(e)
		}
	}
}

// traceWriter serializes events from every rank into one JSON-lines file.
type traceWriter struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
	err error
}

func newTraceWriter(path string) (*traceWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &traceWriter{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (w *traceWriter) Write(e attention.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = w.enc.Encode(e)
	}
}

func (w *traceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil && w.err == nil {
		w.err = err
	}
	if err := w.f.Close(); err != nil && w.err == nil {
		w.err = err
	}
	return w.err
}
