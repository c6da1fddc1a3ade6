package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/burst/internal/logger"
	"github.com/samcharles93/burst/internal/version"
)

func main() {
	app := &cli.Command{
		Name:    "burst",
		Usage:   "Double-ring causal attention over zigzag sequence shards",
		Version: version.String(),
		Flags: append(loggingFlags(), &cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/burst/config.yaml)",
			Destination: &configFile,
		}),
		Before: setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			benchCmd(),
			topologyCmd(),
			rendezvousCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := LoadConfig(configFile)
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.Open(logFormat, os.Stderr, level)
	if err != nil {
		return ctx, cli.Exit(err.Error(), 2)
	}
	return logger.WithContext(ctx, log), nil
}
