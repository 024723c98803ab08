package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/koios/shotframe/internal/compositor"
	"github.com/koios/shotframe/pkg/models"
	"github.com/spf13/cobra"
)

func newRenderCommand(ctx *commandContext) *cobra.Command {
	var (
		output  string
		hq      bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "render <config.json|config.yaml|->",
		Short: "Render one framed screenshot to a JPEG file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var shot models.ScreenshotConfiguration
			if err := readDocument(args[0], cmd.InOrStdin(), &shot); err != nil {
				return err
			}

			a, err := ctx.ensureApp(cmd.Context())
			if err != nil {
				return err
			}
			if errs := ctx.validator(a.Catalog).ValidateScreenshot("", shot); len(errs) > 0 {
				return validationFailure(cmd.ErrOrStderr(), errs)
			}

			quality := compositor.QualityNormal
			if hq {
				quality = compositor.QualityHigh
			}

			renderCtx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			data, err := a.Service.Render(renderCtx, shot, quality)
			if err != nil {
				return err
			}

			if output == "" {
				name := shot.Filename
				if name == "" {
					device, _ := a.Catalog.Device(shot.DeviceID)
					name = models.DefaultFilename(device, 1)
				}
				output = name + ".jpg"
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s)\n", output, humanize.Bytes(uint64(len(data))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: \"<device> - Screenshot 1.jpg\")")
	cmd.Flags().BoolVar(&hq, "hq", false, "High quality scaling and JPEG")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for images before rendering what has loaded")
	return cmd
}
