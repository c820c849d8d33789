package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marromugi/gch4-sub003/internal/config"
	"github.com/marromugi/gch4-sub003/internal/store"
	"github.com/marromugi/gch4-sub003/internal/version"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show intake status and configuration summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("intake %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:   %s\n", paths.Config)
			fmt.Printf("Data:     %s\n", paths.Data)
			fmt.Printf("Logs:     %s\n", paths.Logs)
			fmt.Println()

			if _, err := os.Stat(paths.Config); os.IsNotExist(err) {
				fmt.Println("Config:   not found (using defaults)")
			}
			cfg, err := config.Load(paths.Config)
			if err != nil {
				fmt.Printf("Config:   error loading: %v\n", err)
				return nil
			}

			dbPath := cfg.Database.Path
			if cfg.Database.Driver == "sqlite" && dbPath == "" {
				dbPath = paths.Database()
			}
			if cfg.Database.Driver == "postgres" {
				fmt.Println("Database: postgres")
			} else {
				fmt.Printf("Database: sqlite %s\n", dbPath)
			}

			runtimeDesc := "local (rule-based)"
			if cfg.Runtime.Endpoint != "" {
				runtimeDesc = cfg.Runtime.Endpoint
			}
			fmt.Printf("Runtime:  %s\n", runtimeDesc)

			rc := runnerConfig(cfg.Engine)
			fmt.Printf("Engine:   timeout=%s lease=%s caps=%d/%d thresholds=review:%d extraction:%d timeout:%d\n",
				rc.AgentTimeout, rc.TurnLease, rc.SoftCap, rc.HardCap,
				rc.Thresholds.ReviewFail, rc.Thresholds.ExtractionFail, rc.Thresholds.Timeout)

			fmt.Printf("Gateway:  port=%d bind=%s auth=%s\n",
				cfg.Gateway.Port, cfg.Gateway.Bind, cfg.Gateway.Auth.Mode)

			if cfg.Session.IdleMinutes > 0 {
				fmt.Printf("Sweeper:  idle=%dm every %s\n", cfg.Session.IdleMinutes, cfg.Session.SweepInterval)
			} else {
				fmt.Println("Sweeper:  disabled")
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
				}
				return nil
			}

			if cfg.Database.Driver == "sqlite" {
				if _, err := os.Stat(dbPath); os.IsNotExist(err) {
					fmt.Println("\nDatabase not created yet")
					return nil
				}
			}
			db, err := store.Open(store.Options{Driver: cfg.Database.Driver, Path: dbPath, DSN: cfg.Database.DSN}, log)
			if err != nil {
				fmt.Printf("\nDatabase: %v\n", err)
				return nil
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			migs, err := db.Migrations(ctx)
			if err != nil {
				fmt.Printf("\nMigrations: %v\n", err)
				return nil
			}
			fmt.Printf("\nMigrations (%d applied):\n", len(migs))
			for _, m := range migs {
				fmt.Printf("  %03d %-28s %s\n", m.Version, m.Name, m.AppliedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	return cmd
}
