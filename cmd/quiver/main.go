package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	app := &cli.Command{
		Name:  "quiver",
		Usage: "Run split transformer models on an external inference runtime",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "YAML config file",
				Sources:     cli.EnvVars("QUIVER_CONFIG"),
				Destination: &configPath,
			},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Destination: &logLevel},
			&cli.StringFlag{Name: "log-format", Usage: "console or json", Destination: &logFormat},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			generateCmd(),
			inspectCmd(),
			serveCmd(),
			tokenizeCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies the global flags and sets up
// logging.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
