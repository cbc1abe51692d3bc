package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/monitoring"
	"github.com/23skdu/longbow-quiver/internal/naming"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
	"github.com/23skdu/longbow-quiver/internal/tokenizer"
)

func generateCmd() *cli.Command {
	var (
		modelRef    string
		prompt      string
		numTokens   int
		temperature float64
		topK        int
		topP        float64
		seed        int64
		engineKind  string
		engineAddr  string
		metricsAddr string
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Generate tokens from a prompt",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory or name under $QUIVER_MODELS",
				Destination: &modelRef,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Value:       "Hello",
				Destination: &prompt,
			},
			&cli.IntFlag{
				Name:        "num-tokens",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate",
				Value:       32,
				Destination: &numTokens,
			},
			&cli.Float64Flag{Name: "temperature", Aliases: []string{"t"}, Usage: "sampling temperature (0 = greedy)", Destination: &temperature},
			&cli.IntFlag{Name: "top-k", Usage: "top-k sampling parameter (0 = off)", Destination: &topK},
			&cli.Float64Flag{Name: "top-p", Usage: "top-p sampling parameter (0 = off)", Destination: &topP},
			&cli.Int64Flag{Name: "seed", Usage: "sampling RNG seed (0 = random)", Destination: &seed},
			&cli.StringFlag{Name: "engine", Usage: "mock or flight", Destination: &engineKind},
			&cli.StringFlag{Name: "engine-addr", Usage: "flight engine address", Destination: &engineAddr},
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
			if cmd.IsSet("temperature") {
				cfg.Sampling.Temperature = temperature
			}
			if cmd.IsSet("top-k") {
				cfg.Sampling.TopK = topK
			}
			if cmd.IsSet("top-p") {
				cfg.Sampling.TopP = topP
			}
			if cmd.IsSet("seed") {
				cfg.Sampling.Seed = seed
			}
			if cmd.IsSet("engine") {
				cfg.Engine.Kind = engineKind
			}
			if cmd.IsSet("engine-addr") {
				cfg.Engine.Addr = engineAddr
			}
			if cmd.IsSet("metrics") {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runGenerate(ctx, cfg, prompt, numTokens)
		},
	}
}

func runGenerate(ctx context.Context, cfg config.Config, prompt string, n int) error {
	if cfg.Model == "" {
		return errors.New("no model given (use --model or the config file)")
	}
	dir, err := naming.ResolveModelDir(cfg.Model)
	if err != nil {
		return err
	}
	opts, err := cfg.PipelineOptions()
	if err != nil {
		return err
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, cfg, dir, opts.Names)
	if err != nil {
		return err
	}
	defer eng.Close()

	p, err := pipeline.Load(ctx, dir, eng, tok, opts)
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.InitializeState(ctx); err != nil {
		return err
	}

	mon := monitoring.NewHealthMonitor()
	mon.SetModel(dir, p.Config().Mode, p.Config().Profile)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return mon.Start(cfg.MetricsAddr) })
	}
	g.Go(func() error {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mon.Stop(stopCtx)
		}()

		start := time.Now()
		out, err := p.GenerateWithCallback(gctx, prompt, n, func(_ int, piece string) error {
			_, werr := fmt.Fprint(os.Stdout, piece)
			return werr
		})
		elapsed := time.Since(start)
		fmt.Fprintln(os.Stdout)
		mon.RecordGeneration(len(out), elapsed, err)
		if err != nil {
			return err
		}

		tps := 0.0
		if elapsed > 0 {
			tps = float64(len(out)) / elapsed.Seconds()
		}
		logger.Log.Info("generation done", "tokens", len(out), "duration", elapsed, "tokens_per_sec", tps)
		return nil
	})
	return g.Wait()
}
