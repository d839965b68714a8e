package main

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newQueryCommand() *cobra.Command {
	var varsJSON string

	cmd := &cobra.Command{
		Use:   "query <sql>",
		Short: "Run a query and print the result sets as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var vars map[string]any
			if varsJSON != "" {
				if err := json.Unmarshal([]byte(varsJSON), &vars); err != nil {
					return fmt.Errorf("invalid --vars: %w", err)
				}
			}

			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			results, err := db.Query(ctx, args[0], vars)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVar(&varsJSON, "vars", "", "query variables as a JSON object")

	return cmd
}
