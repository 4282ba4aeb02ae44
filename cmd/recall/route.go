package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/novamind/recall/config"
	"github.com/novamind/recall/internal/router"
)

func routeCMD() *cobra.Command {
	var cfgPath string
	var payloadJSON string
	var subtasks []string
	var offline bool

	var route = &cobra.Command{
		Use:   "route [task_type]",
		Short: "Resolve a task label to an agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskType := ""
			if len(args) > 0 {
				taskType = args[0]
			}
			if taskType == "" && len(subtasks) == 0 {
				return fmt.Errorf("task_type or --subtask required")
			}

			var payload map[string]interface{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}

			ctx := context.Background()
			rt := routerFor(ctx, cfgPath, offline)

			var decision interface{}
			if len(subtasks) > 0 {
				decision = rt.RouteAll(ctx, taskType, subtasks)
			} else {
				decision = rt.Route(ctx, taskType, payload)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(decision)
		},
	}
	route.Flags().StringVar(&payloadJSON, "payload", "", "task payload as JSON")
	route.Flags().StringArrayVar(&subtasks, "subtask", nil, "subtask label (repeatable)")
	route.Flags().BoolVar(&offline, "offline", false, "route from the table only, without stores")
	route.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return route
}

// routerFor builds a router with warm context when possible, falling back
// to table-only routing when stores are unavailable or offline is set.
func routerFor(ctx context.Context, cfgPath string, offline bool) *router.Router {
	logger := log.New(log.Writer(), "[ROUTER] ", log.LstdFlags)
	if offline {
		return router.New(router.DefaultRegistry(""), nil, 0, logger)
	}
	cfg := config.LoadConfig(cfgPath)
	rt, err := buildRuntime(ctx, cfg, false)
	if err != nil {
		logger.Printf("warn: stores unavailable, routing from table only: %v", err)
		return router.New(buildRegistry(cfg.Router), nil, cfg.Router.ContextThreshold, logger)
	}
	return rt.router
}
