package cmd

import (
	"fmt"

	"github.com/lehigh-university-libraries/speedybat/internal/store"
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	var from string
	var to string
	var force bool

	cmd := &cobra.Command{
		Use:   "export <folder>",
		Short: "Convert a folder's annotations between CSV and Parquet",
		Long: `Writes a copy of the annotations file in another format next to the
original. The source file is left untouched.`,
		Example: `  # CSV to Parquet for analysis
  speedybat export ./night1/images --to parquet

  # Parquet back to CSV, replacing an old copy
  speedybat export ./night1/images --from parquet --to csv --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := store.Convert(args[0], from, to, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", store.FormatCSV, "Source format: csv or parquet")
	cmd.Flags().StringVar(&to, "to", store.FormatParquet, "Target format: csv or parquet")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing target file")

	return cmd
}
