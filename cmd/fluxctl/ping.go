package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server answers a trivial query",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			start := time.Now()
			if _, err := db.Query(ctx, "RETURN 1", nil); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}

			fmt.Printf("ok: %d healthy connection(s), round trip %v\n",
				db.Pool().HealthyCount(), time.Since(start).Round(time.Microsecond))
			return nil
		},
	}
}
