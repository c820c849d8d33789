package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marromugi/gch4-sub003/internal/config"
	"github.com/marromugi/gch4-sub003/internal/gateway"
	"github.com/marromugi/gch4-sub003/internal/sweeper"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the intake gateway server",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server and the idle-session sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(func(c *config.Config) {
				if port != 0 {
					c.Gateway.Port = port
				}
				if bind != "" {
					c.Gateway.Bind = bind
				}
			})
			if err != nil {
				return err
			}

			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := gateway.New(cfg.Gateway, gateway.Services{
				Engine:   a.runner,
				Policies: a.policies,
				Importer: a.importer,
			}, log, gateway.WithHooks(a.hooks), gateway.WithPing(a.db.Ping))

			sw := sweeper.New(sweeper.Config{
				IdleAfter: time.Duration(cfg.Session.IdleMinutes) * time.Minute,
				Interval:  cfg.Session.SweepInterval,
			}, a.sessions, a.runner, log)

			log.Info().
				Str("runtime", newRuntime(cfg).Name()).
				Str("database", cfg.Database.Driver).
				Msg("starting intake")

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(ctx) })
			g.Go(func() error { return sw.Run(ctx) })
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}
