package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func NewDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete every indexed document",
		Long:  `Remove all entries from the index, its snapshot files and the document catalog.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("refusing to delete without --yes")
			}
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			if err := svc.DeleteAllDocuments(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all documents deleted")
			return nil
		},
	}

	cmd.Flags().Bool("yes", false, "Confirm deletion")
	return cmd
}
