package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"screenkeep/internal/app"
	"screenkeep/internal/export"
	"screenkeep/internal/retention"
)

type exportOptions struct {
	minutes int
	out     string
	clear   bool
}

func newExportCommand() *cobra.Command {
	opts := &exportOptions{}
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Assemble the stored chunks into a recording file",
		Long: "Assembles whatever the chunk store holds, either everything or the last\n" +
			"--minutes of it, and saves it to the configured export targets. The\n" +
			"daemon must not be running against the same badger directory.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.minutes, "minutes", "m", 0, "only export the last N minutes")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write to this directory instead of the export targets")
	cmd.Flags().BoolVar(&opts.clear, "clear", false, "clear the store after a full export was saved")
	return cmd
}

func runExport(cmd *cobra.Command, opts *exportOptions) error {
	if opts.minutes < 0 {
		return fmt.Errorf("minutes must not be negative")
	}
	if opts.clear && opts.minutes > 0 {
		return fmt.Errorf("--clear only applies to a full export")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	stack, err := app.OpenStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer stack.Close()

	source, _, err := app.NewSource(cfg)
	if err != nil {
		return err
	}
	assembler := app.NewAssembler(stack.Store, source.Format())

	var art *retention.Artifact
	if opts.minutes > 0 {
		art, err = assembler.AssembleWindow(ctx, opts.minutes)
	} else {
		art, err = assembler.AssembleFull(ctx)
	}
	if err != nil && !errors.Is(err, retention.ErrEmptyRecording) {
		return err
	}
	if art == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to export")
		return nil
	}

	var saver export.Saver = stack.Saver
	if opts.out != "" {
		saver = export.NewDirSaver(opts.out)
	}
	if err := saver.Save(ctx, art); err != nil {
		return fmt.Errorf("save %s: %w", art.FileName, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d chunks\t%d bytes\t%s\n", art.FileName, art.ChunkCount, art.Size(), saver.Name())

	if opts.clear {
		if err := stack.Store.Clear(ctx); err != nil {
			return fmt.Errorf("clear store: %w", err)
		}
	}
	return nil
}
