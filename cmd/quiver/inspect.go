package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/naming"
	"github.com/23skdu/longbow-quiver/internal/pipeline"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func inspectCmd() *cli.Command {
	var (
		modelRef string
		tensors  bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the resolved components, execution mode and shape profile of a model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "model directory or name under $QUIVER_MODELS",
				Destination: &modelRef,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list declared inputs and outputs", Destination: &tensors},
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
			opts, err := cfg.PipelineOptions()
			if err != nil {
				return err
			}
			mc, err := pipeline.Configure(dir, opts)
			if err != nil {
				return err
			}
			printModel(os.Stdout, mc, tensors)
			return nil
		},
	}
}

func printModel(w io.Writer, mc pipeline.ModelConfig, withTensors bool) {
	if mc.Info.Name != "" {
		fmt.Fprintf(w, "model:    %s %s (%s)\n", mc.Info.Name, mc.Info.Version, mc.Info.Architecture)
	}
	fmt.Fprintf(w, "dir:      %s\n", mc.Dir)
	fmt.Fprintf(w, "mode:     %s\n", mc.Mode)
	p := mc.Profile
	fmt.Fprintf(w, "profile:  batch=%d context=%d hidden=%d vocab=%d state=%d\n\n",
		p.BatchSize, p.ContextLength, p.HiddenSize, p.VocabSize, p.StateLength)

	header := []string{"ROLE", "CHUNK", "FUNCTION", "ARTIFACT"}
	if withTensors {
		header = append(header, "INPUTS", "OUTPUTS")
	}
	var data [][]string
	for _, role := range model.Roles {
		for _, c := range mc.Components[role] {
			fn := c.Function
			if fn == "" {
				fn = "-"
			}
			row := []string{role.String(), strconv.Itoa(c.Chunk), fn, relPath(mc.Dir, c.Path)}
			if withTensors {
				row = append(row, specList(c.Inputs), specList(c.Outputs))
			}
			data = append(data, row)
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
}

func relPath(dir, path string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, dir), string(os.PathSeparator))
}

func specList(m map[string]tensor.Spec) string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = m[name].String()
	}
	return strings.Join(parts, " ")
}
