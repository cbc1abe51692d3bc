package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/naming"
	"github.com/23skdu/longbow-quiver/internal/tokenizer"
)

func tokenizeCmd() *cli.Command {
	var modelRef string

	return &cli.Command{
		Name:      "tokenize",
		Usage:     "Print the token ids of each argument and check the round trip",
		ArgsUsage: "TEXT...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory or name under $QUIVER_MODELS",
				Destination: &modelRef,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.IsSet("model") {
				cfg.Model = modelRef
			}
			if cfg.Model == "" {
				return fmt.Errorf("no model given (use --model or the config file)")
			}
			dir, err := naming.ResolveModelDir(cfg.Model)
			if err != nil {
				return err
			}
			tok, err := tokenizer.Load(dir)
			if err != nil {
				return err
			}
			return printTokens(os.Stdout, tok, cmd.Args().Slice())
		},
	}
}

func printTokens(w io.Writer, tok tokenizer.Tokenizer, texts []string) error {
	for _, text := range texts {
		ids, err := tok.Encode(text)
		if err != nil {
			return fmt.Errorf("encode %q: %w", text, err)
		}
		status := "ok"
		if err := tokenizer.RoundTrip(tok, text); err != nil {
			status = "lossy"
		}
		fmt.Fprintf(w, "%q -> %v (%s)\n", text, ids, status)
	}
	return nil
}
