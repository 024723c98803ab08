package main

import (
	"fmt"

	"github.com/koios/shotframe/pkg/models"
	"github.com/spf13/cobra"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <request.json|request.yaml|->",
		Short: "Check an export request without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req models.ExportRequest
			if err := readDocument(args[0], cmd.InOrStdin(), &req); err != nil {
				return err
			}
			catalog, err := ctx.catalog()
			if err != nil {
				return err
			}
			if errs := ctx.validator(catalog).ValidateExportRequest(req); len(errs) > 0 {
				return validationFailure(cmd.ErrOrStderr(), errs)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d shot(s) for set %s\n", len(req.Shots), req.SetID)
			return nil
		},
	}
}
