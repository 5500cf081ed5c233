package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"screenkeep/internal/app"
	"screenkeep/internal/capture"
)

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the configured capture source and store are usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			source, _, err := app.NewSource(cfg)
			if err != nil {
				return err
			}
			if ff, ok := source.(*capture.FFmpegSource); ok {
				version, err := ff.Version(ctx)
				if err != nil {
					return fmt.Errorf("ffmpeg: %w", err)
				}
				fmt.Fprintf(out, "capture\tffmpeg\t%s\n", version)
			} else {
				fmt.Fprintf(out, "capture\t%s\tingest on %s\n", source.Name(), cfg.RTMP.Addr)
			}

			stack, err := app.OpenStack(ctx, cfg)
			if err != nil {
				return err
			}
			defer stack.Close()
			if err := stack.Store.Health(ctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			fmt.Fprintf(out, "store\t%s\tok\n", stack.Store.Backend())
			fmt.Fprintf(out, "export\t%s\n", stack.Saver.Name())
			return nil
		},
	}
}
