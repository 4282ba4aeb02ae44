package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/novamind/recall/config"
)

func consolidateCMD() *cobra.Command {
	var cfgPath string
	var skipLease bool
	var consolidate = &cobra.Command{
		Use:   "consolidate",
		Short: "Run one consolidation pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			rt, err := buildRuntime(ctx, cfg, !skipLease)
			if err != nil {
				return err
			}
			defer rt.Close()

			// With --no-lock the runtime has no redis client, so the
			// scheduler runs without acquiring a lease.
			report := rt.sched.RunImmediate(ctx)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("run finished with %d errors", len(report.Errors))
			}
			return nil
		},
	}
	consolidate.Flags().BoolVar(&skipLease, "no-lock", false, "run without the redis lease (single node)")
	consolidate.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return consolidate
}
