package config

import (
	"cmp"
	"fmt"
	"net/url"
	"slices"
)

// ValidationIssue describes a problem with a config value.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// Validate checks a Config for issues. Returns nil if valid.
func Validate(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue
	add := func(path, format string, args ...any) {
		issues = append(issues, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	// Database validation
	validDrivers := []string{"sqlite", "postgres"}
	if !slices.Contains(validDrivers, cfg.Database.Driver) {
		add("database.driver", "must be one of %v, got %q", validDrivers, cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		add("database.dsn", "required when driver is postgres")
	}
	if cfg.Database.MaxConns < 0 {
		add("database.maxConns", "must not be negative, got %d", cfg.Database.MaxConns)
	}

	// Engine validation
	e := cfg.Engine
	if e.AgentTimeout <= 0 {
		add("engine.agentTimeout", "must be positive, got %s", e.AgentTimeout)
	}
	if e.TurnLease < 0 {
		add("engine.turnLease", "must not be negative, got %s", e.TurnLease)
	} else if e.TurnLease > 0 && e.TurnLease <= e.AgentTimeout {
		add("engine.turnLease", "must exceed agentTimeout (%s), got %s", e.AgentTimeout, e.TurnLease)
	}
	for path, v := range map[string]*int{
		"engine.reviewFailThreshold":     e.ReviewFailThreshold,
		"engine.extractionFailThreshold": e.ExtractionFailThreshold,
		"engine.timeoutThreshold":        e.TimeoutThreshold,
	} {
		if v != nil && *v < 0 {
			add(path, "must not be negative, got %d", *v)
		}
	}
	if e.SoftCap != nil && *e.SoftCap < 1 {
		add("engine.softCap", "must be at least 1, got %d", *e.SoftCap)
	}
	if e.HardCap != nil && *e.HardCap < 1 {
		add("engine.hardCap", "must be at least 1, got %d", *e.HardCap)
	}
	if e.SoftCap != nil && e.HardCap != nil && *e.HardCap < *e.SoftCap {
		add("engine.hardCap", "must be at least softCap (%d), got %d", *e.SoftCap, *e.HardCap)
	}

	// Runtime validation
	if cfg.Runtime.Endpoint != "" {
		u, err := url.Parse(cfg.Runtime.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("runtime.endpoint", "must be an http(s) URL, got %q", cfg.Runtime.Endpoint)
		}
	}
	if cfg.Runtime.Timeout < 0 {
		add("runtime.timeout", "must not be negative, got %s", cfg.Runtime.Timeout)
	}

	// Gateway validation
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port", "port must be 0-65535, got %d", cfg.Gateway.Port)
	}
	validBinds := []string{"loopback", "lan", "custom"}
	if cfg.Gateway.Bind != "" && !slices.Contains(validBinds, cfg.Gateway.Bind) {
		add("gateway.bind", "must be one of %v, got %q", validBinds, cfg.Gateway.Bind)
	}
	if cfg.Gateway.Bind == "custom" && cfg.Gateway.CustomBindHost == "" {
		add("gateway.customBindHost", "required when bind is custom")
	}
	validAuthModes := []string{"none", "token", "password"}
	if cfg.Gateway.Auth.Mode != "" && !slices.Contains(validAuthModes, cfg.Gateway.Auth.Mode) {
		add("gateway.auth.mode", "must be one of %v, got %q", validAuthModes, cfg.Gateway.Auth.Mode)
	}
	if cfg.Gateway.Auth.Mode == "password" && cfg.Gateway.Auth.Password == "" {
		add("gateway.auth.password", "required when auth mode is password")
	}

	// Session validation
	if cfg.Session.IdleMinutes < 0 {
		add("session.idleMinutes", "must not be negative, got %d", cfg.Session.IdleMinutes)
	}
	if cfg.Session.SweepInterval < 0 {
		add("session.sweepInterval", "must not be negative, got %s", cfg.Session.SweepInterval)
	}

	// Logging validation
	validLogLevels := []string{"silent", "fatal", "error", "warn", "info", "debug", "trace"}
	if cfg.Logging.Level != "" && !slices.Contains(validLogLevels, cfg.Logging.Level) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, cfg.Logging.Level)
	}
	validConsoleStyles := []string{"pretty", "json"}
	if cfg.Logging.ConsoleStyle != "" && !slices.Contains(validConsoleStyles, cfg.Logging.ConsoleStyle) {
		add("logging.consoleStyle", "must be one of %v, got %q", validConsoleStyles, cfg.Logging.ConsoleStyle)
	}

	slices.SortStableFunc(issues, func(a, b ValidationIssue) int {
		return cmp.Compare(a.Path, b.Path)
	})
	return issues
}
