package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coremachine",
		Short: "Durable multi-stage job orchestration for the geospatial ETL platform",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newMigrateCmd())
	return root
}
