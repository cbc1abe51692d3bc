package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/catalog"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/flightengine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/monitoring"
	"github.com/23skdu/longbow-quiver/internal/naming"
)

// serveCmd hosts the mock engine for a model directory over Arrow Flight so
// that `generate --engine flight` can be exercised end to end.
func serveCmd() *cli.Command {
	var (
		modelRef    string
		addr        string
		metricsAddr string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a model's mock engine over Arrow Flight",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory or name under $QUIVER_MODELS",
				Destination: &modelRef,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       fmt.Sprintf(":%d", flightengine.DefaultPort),
				Destination: &addr,
			},
			&cli.StringFlag{Name: "metrics", Usage: "serve /metrics and /health on this address", Destination: &metricsAddr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.IsSet("model") {
				cfg.Model = modelRef
			}
			if cmd.IsSet("metrics") {
				cfg.MetricsAddr = metricsAddr
			}
			if cfg.Model == "" {
				return fmt.Errorf("no model given (use --model or the config file)")
			}
			dir, err := naming.ResolveModelDir(cfg.Model)
			if err != nil {
				return err
			}
			cat, err := catalog.Load(dir)
			if err != nil {
				return err
			}
			mock := engine.NewMock(cat, cfg.TensorNames())
			defer mock.Close()

			srv, err := flightengine.NewServer(addr, mock)
			if err != nil {
				return err
			}
			mon := monitoring.NewHealthMonitor()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Log.Info("flight engine serving", "addr", srv.Addr().String(), "dir", dir)
				return srv.Serve()
			})
			if cfg.MetricsAddr != "" {
				g.Go(func() error { return mon.Start(cfg.MetricsAddr) })
			}
			g.Go(func() error {
				<-gctx.Done()
				logger.Log.Info("shutting down")
				srv.Shutdown()
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return mon.Stop(stopCtx)
			})
			return g.Wait()
		},
	}
}
