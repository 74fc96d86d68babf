package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duckbridge/duckbridge/pkg/version"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print duckbridge version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("duckbridge"))
		},
	})
}
