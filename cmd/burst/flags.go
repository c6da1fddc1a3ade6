package main

import "github.com/urfave/cli/v3"

var (
	worldSize     int64
	intraSize     int64
	ringBackend   string
	rendezvousURL string
	jobID         string
	pinCPUs       bool

	batch    int64
	seqLen   int64
	heads    int64
	kvHeads  int64
	headDim  int64
	wireType string
	seed     int64

	configFile string
	logLevel   string
	logFormat  string
	debug      bool
)

func jobFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "world-size",
			Aliases:     []string{"w"},
			Usage:       "number of ranks",
			Value:       8,
			Destination: &worldSize,
		},
		&cli.Int64Flag{
			Name:        "intra-size",
			Aliases:     []string{"intra"},
			Usage:       "ranks per node (must divide world size)",
			Value:       4,
			Destination: &intraSize,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "ring backend (direct, batched)",
			Value:       "batched",
			Destination: &ringBackend,
		},
		&cli.StringFlag{
			Name:        "rendezvous",
			Usage:       "rendezvous server URL (default: in-process store)",
			Destination: &rendezvousURL,
		},
		&cli.StringFlag{
			Name:        "job-id",
			Usage:       "namespace for rendezvous keys (default: random)",
			Destination: &jobID,
		},
		&cli.BoolFlag{
			Name:        "pin-cpus",
			Usage:       "split host CPUs between the ranks of a node",
			Destination: &pinCPUs,
		},
	}
}

func shapeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch size",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "seq",
			Aliases:     []string{"s"},
			Usage:       "global sequence length (multiple of 2 * world size)",
			Value:       256,
			Destination: &seqLen,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "query heads",
			Value:       8,
			Destination: &heads,
		},
		&cli.Int64Flag{
			Name:        "kv-heads",
			Usage:       "key/value heads (0 = same as heads)",
			Destination: &kvHeads,
		},
		&cli.Int64Flag{
			Name:        "head-dim",
			Aliases:     []string{"d"},
			Usage:       "head dimension",
			Value:       64,
			Destination: &headDim,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "activation wire precision (f32, f16, bf16)",
			Value:       "f32",
			Destination: &wireType,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for the inputs",
			Value:       42,
			Destination: &seed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
