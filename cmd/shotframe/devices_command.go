package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/koios/shotframe/pkg/models"
	"github.com/spf13/cobra"
)

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	var platform string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := ctx.catalog()
			if err != nil {
				return err
			}

			devices := catalog.Devices()
			if platform != "" {
				spec, ok := catalog.Platform(platform)
				if !ok {
					return fmt.Errorf("unknown platform %q (have %v)", platform, catalog.PlatformNames())
				}
				devices = spec.Devices
			}
			printDevices(cmd.OutOrStdout(), devices)
			return nil
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "Only list devices of this platform")
	return cmd
}

func printDevices(out io.Writer, devices []models.DeviceDescriptor) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPLATFORM\tTYPE\tRESOLUTION")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Platform, d.Type, d.Resolution())
	}
	tw.Flush()
}
