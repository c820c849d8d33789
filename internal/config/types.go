package config

import "time"

// Config is the root configuration for the intake server and CLI.
type Config struct {
	Database DatabaseConfig `yaml:"database,omitempty"`
	Engine   EngineConfig   `yaml:"engine,omitempty"`
	Runtime  RuntimeConfig  `yaml:"runtime,omitempty"`
	Gateway  GatewayConfig  `yaml:"gateway,omitempty"`
	Session  SessionConfig  `yaml:"session,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver,omitempty"` // "sqlite" | "postgres"
	Path     string `yaml:"path,omitempty"`   // sqlite file; defaults to <base>/data/intake.db
	DSN      string `yaml:"dsn,omitempty"`    // postgres connection string
	MaxConns int    `yaml:"maxConns,omitempty"`
}

// EngineConfig holds the turn engine defaults. Caps and thresholds apply
// to sessions whose job has no published review policy.
type EngineConfig struct {
	AgentTimeout            time.Duration `yaml:"agentTimeout,omitempty"`
	TurnLease               time.Duration `yaml:"turnLease,omitempty"`
	ReviewFailThreshold     *int          `yaml:"reviewFailThreshold,omitempty"`
	ExtractionFailThreshold *int          `yaml:"extractionFailThreshold,omitempty"`
	TimeoutThreshold        *int          `yaml:"timeoutThreshold,omitempty"`
	SoftCap                 *int          `yaml:"softCap,omitempty"`
	HardCap                 *int          `yaml:"hardCap,omitempty"`
}

// RuntimeConfig locates the agent runtime. An empty endpoint selects the
// built-in local runtime.
type RuntimeConfig struct {
	Endpoint     string        `yaml:"endpoint,omitempty"`
	APIKey       string        `yaml:"apiKey,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	MinAnswerLen int           `yaml:"minAnswerLen,omitempty"` // local runtime only
}

// GatewayConfig controls the HTTP/WebSocket server.
type GatewayConfig struct {
	Port           int         `yaml:"port,omitempty"`
	Bind           string      `yaml:"bind,omitempty"` // "loopback" | "lan" | "custom"
	CustomBindHost string      `yaml:"customBindHost,omitempty"`
	Auth           GatewayAuth `yaml:"auth,omitempty"`
	AllowedOrigins []string    `yaml:"allowedOrigins,omitempty"`
}

// GatewayAuth configures gateway authentication.
type GatewayAuth struct {
	Mode     string `yaml:"mode,omitempty"` // "none" | "token" | "password"
	Token    string `yaml:"token,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// SessionConfig controls session housekeeping.
type SessionConfig struct {
	IdleMinutes   int           `yaml:"idleMinutes,omitempty"` // abandon after this long without a turn; 0 disables
	SweepInterval time.Duration `yaml:"sweepInterval,omitempty"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level        string `yaml:"level,omitempty"`        // "silent" | "fatal" | "error" | "warn" | "info" | "debug" | "trace"
	ConsoleStyle string `yaml:"consoleStyle,omitempty"` // "pretty" | "json"
}
