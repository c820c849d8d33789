package cli

import (
	"fmt"
	"os"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/marromugi/gch4-sub003/internal/agent"
	"github.com/marromugi/gch4-sub003/internal/config"
	"github.com/marromugi/gch4-sub003/internal/hooks"
	"github.com/marromugi/gch4-sub003/internal/policy"
	"github.com/marromugi/gch4-sub003/internal/runtime"
	"github.com/marromugi/gch4-sub003/internal/schema"
	"github.com/marromugi/gch4-sub003/internal/store"
)

// app is the wired engine shared by the gateway and the local commands.
type app struct {
	cfg      config.Config
	db       *store.DB
	sessions *store.SessionStore
	hooks    *hooks.Manager
	policies *policy.Service
	importer *schema.Importer
	runner   *agent.Runner
}

// loadConfig reads the config file, applies flag overrides, and validates
// the result.
func loadConfig(overrides ...func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}
	return cfg, nil
}

// openApp opens the database and builds the engine from cfg.
func openApp(cfg config.Config) (*app, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating directories: %w", err)
	}

	opts := store.Options{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxConns,
	}
	if opts.Driver == "sqlite" && opts.Path == "" {
		opts.Path = paths.Database()
	}
	db, err := store.Open(opts, log)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		sessions: store.NewSessionStore(db),
		hooks:    hooks.NewManager(log),
	}
	schemas := store.NewSchemaStore(db)
	a.policies = policy.NewService(store.NewPolicyStore(db), a.hooks, log, uuid.NewString)
	a.importer = schema.NewImporter(schemas, log)

	a.runner, err = agent.NewRunner(runnerConfig(cfg.Engine), agent.Deps{
		Sessions: a.sessions,
		Schemas:  schemas,
		Policies: a.policies,
		Runtime:  newRuntime(cfg),
		Hooks:    a.hooks,
		Meter:    otel.Meter("intake"),
		Log:      log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// runnerConfig maps engine settings onto the runner. Unset values keep
// the runner defaults.
func runnerConfig(e config.EngineConfig) agent.RunnerConfig {
	rc := agent.DefaultRunnerConfig()
	if e.AgentTimeout > 0 {
		rc.AgentTimeout = e.AgentTimeout
	}
	if e.TurnLease > 0 {
		rc.TurnLease = e.TurnLease
	}
	set := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	set(&rc.Thresholds.ReviewFail, e.ReviewFailThreshold)
	set(&rc.Thresholds.ExtractionFail, e.ExtractionFailThreshold)
	set(&rc.Thresholds.Timeout, e.TimeoutThreshold)
	set(&rc.SoftCap, e.SoftCap)
	set(&rc.HardCap, e.HardCap)
	return rc
}

// newRuntime talks to the configured agent runtime, or runs the local
// rule-based one when no endpoint is set.
func newRuntime(cfg config.Config) runtime.Runtime {
	if cfg.Runtime.Endpoint == "" {
		return &runtime.Local{MinAnswerLen: cfg.Runtime.MinAnswerLen}
	}
	return runtime.NewHTTPRuntime(cfg.Runtime.Endpoint, cfg.Runtime.APIKey, cfg.Runtime.Timeout)
}

// withApp loads config, opens the app, and runs fn.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// printJSON writes v as indented JSON on stdout.
func printJSON(v any) error {
	data, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}

// limitFlags binds the policy limit flags to a command.
type limitFlags struct {
	softCap, hardCap                 int
	reviewFail, extractionFail, tout int
}

func (f *limitFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.softCap, "soft-cap", 0, "turns before the interviewer starts wrapping up")
	cmd.Flags().IntVar(&f.hardCap, "hard-cap", 0, "turns before the session falls back to the form")
	cmd.Flags().IntVar(&f.reviewFail, "review-fail-threshold", 0, "consecutive review failures before fallback (0 disables)")
	cmd.Flags().IntVar(&f.extractionFail, "extraction-fail-threshold", 0, "consecutive extraction failures before fallback (0 disables)")
	cmd.Flags().IntVar(&f.tout, "timeout-threshold", 0, "consecutive runtime timeouts before fallback (0 disables)")
}

// limits returns only the flags that were given.
func (f *limitFlags) limits(cmd *cobra.Command) policy.Limits {
	pick := func(name string, v int) *int {
		if !cmd.Flags().Changed(name) {
			return nil
		}
		return &v
	}
	return policy.Limits{
		SoftCap:                 pick("soft-cap", f.softCap),
		HardCap:                 pick("hard-cap", f.hardCap),
		ReviewFailThreshold:     pick("review-fail-threshold", f.reviewFail),
		ExtractionFailThreshold: pick("extraction-fail-threshold", f.extractionFail),
		TimeoutThreshold:        pick("timeout-threshold", f.tout),
	}
}
