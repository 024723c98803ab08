package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var catalogFlag string
	var logLevelFlag string

	ctx := newCommandContext(&catalogFlag, &logLevelFlag)

	rootCmd := &cobra.Command{
		Use:           "shotframe",
		Short:         "Frame app screenshots in device artwork and export them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.close(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&catalogFlag, "catalog", "", "Device catalog file or directory (default: built-in)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (default: LOG_LEVEL or warn)")

	rootCmd.AddCommand(newDevicesCommand(ctx))
	rootCmd.AddCommand(newRenderCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))
	rootCmd.AddCommand(newValidateCommand(ctx))

	return rootCmd
}
