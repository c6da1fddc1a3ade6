package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/burst/internal/logger"
	"github.com/samcharles93/burst/internal/rendezvous"
)

func rendezvousCmd() *cli.Command {
	var (
		addr        string
		maxWait     time.Duration
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "rendezvous",
		Usage: "Serve the rendezvous key/value store used to bootstrap ranks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:29500",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "max-wait",
				Usage:       "longest a blocking get is held open",
				Value:       30 * time.Second,
				Destination: &maxWait,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(c, LoadConfig(configFile), &addr)

			server := rendezvous.NewServer(rendezvous.NewMemStore(), maxWait)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting rendezvous server", "address", addr, "max_wait", maxWait)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
