package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the knowledge-base tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts, "migrate")
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.MigrateKB(cmd.Context()); err != nil {
				return err
			}
			a.log.WithField("dialect", string(a.engine.Dialect())).Info("schema migrated")
			return nil
		},
	}
}
