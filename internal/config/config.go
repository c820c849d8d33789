package config

import (
	"fmt"
	"time"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s", e.Message)
}

func intPtr(n int) *int { return &n }

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			MaxConns: 10,
		},
		Engine: EngineConfig{
			AgentTimeout:            60 * time.Second,
			TurnLease:               90 * time.Second,
			ReviewFailThreshold:     intPtr(3),
			ExtractionFailThreshold: intPtr(3),
			TimeoutThreshold:        intPtr(3),
			SoftCap:                 intPtr(12),
			HardCap:                 intPtr(20),
		},
		Runtime: RuntimeConfig{
			Timeout:      60 * time.Second,
			MinAnswerLen: 2,
		},
		Gateway: GatewayConfig{
			Port: 18790,
			Bind: "loopback",
			Auth: GatewayAuth{
				Mode: "token",
			},
		},
		Session: SessionConfig{
			IdleMinutes:   60,
			SweepInterval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleStyle: "pretty",
		},
	}
}
