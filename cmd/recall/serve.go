package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/novamind/recall/config"
	srv "github.com/novamind/recall/internal/server"
)

func serveCMD() *cobra.Command {
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and ops HTTP endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.sched.Start()

			e := srv.New(srv.Deps{
				Warm:    rt.warm,
				Hot:     rt.hot,
				Router:  rt.router,
				Trigger: rt.sched,
				Logger:  log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
			})

			errCh := make(chan error, 1)
			go func() { errCh <- e.Start(cfg.Server.Address) }()
			log.Printf("listening on %s", cfg.Server.Address)

			select {
			case err := <-errCh:
				rt.sched.Stop()
				return err
			case <-ctx.Done():
			}

			// Finish the in-flight consolidation batch before exiting.
			rt.sched.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
