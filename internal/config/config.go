// Package config provides configuration loading for sheetbridge.
//
// Configuration is loaded from a YAML file, then overridden by environment
// variables, with hardcoded defaults underneath. Component packages own
// their config types; this package aggregates them into one document.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/sheetbridge/internal/breaker"
	"github.com/fyrsmithlabs/sheetbridge/internal/credential"
	"github.com/fyrsmithlabs/sheetbridge/internal/graph"
	"github.com/fyrsmithlabs/sheetbridge/internal/idempotency"
	"github.com/fyrsmithlabs/sheetbridge/internal/logging"
	"github.com/fyrsmithlabs/sheetbridge/internal/orchestrator"
	"github.com/fyrsmithlabs/sheetbridge/internal/retry"
	"github.com/fyrsmithlabs/sheetbridge/internal/sessioncache"
	"github.com/fyrsmithlabs/sheetbridge/internal/telemetry"
)

// Config holds the complete sheetbridge configuration.
type Config struct {
	Server       ServerConfig        `koanf:"server"`
	Logging      logging.Config      `koanf:"logging"`
	Telemetry    telemetry.Config    `koanf:"telemetry"`
	Graph        graph.Config        `koanf:"graph"`
	Credential   CredentialConfig    `koanf:"credential"`
	Sessions     sessioncache.Config `koanf:"sessions"`
	Idempotency  idempotency.Config  `koanf:"idempotency"`
	Breaker      breaker.Config      `koanf:"breaker"`
	Retry        retry.Config        `koanf:"retry"`
	Orchestrator orchestrator.Config `koanf:"orchestrator"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// CredentialConfig mirrors the credential exchange settings with the client
// secret wrapped so it cannot leak through logging or serialization.
type CredentialConfig struct {
	TokenURL     string        `koanf:"token_url"`
	ClientID     string        `koanf:"client_id"`
	ClientSecret Secret        `koanf:"client_secret"`
	Scope        string        `koanf:"scope"`
	Timeout      time.Duration `koanf:"timeout"`
}

// Component converts to the credential package's config type.
func (c CredentialConfig) Component() *credential.Config {
	return &credential.Config{
		TokenURL:     c.TokenURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret.Value(),
		Scope:        c.Scope,
		Timeout:      c.Timeout,
	}
}

// Default returns the full default configuration.
func Default() *Config {
	creds := credential.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   *logging.DefaultConfig(),
		Telemetry: *telemetry.DefaultConfig(),
		Graph:     *graph.DefaultConfig(),
		Credential: CredentialConfig{
			Scope:   creds.Scope,
			Timeout: creds.Timeout,
		},
		Sessions:     *sessioncache.DefaultConfig(),
		Idempotency:  *idempotency.DefaultConfig(),
		Breaker:      *breaker.DefaultConfig(),
		Retry:        *retry.DefaultConfig(),
		Orchestrator: *orchestrator.DefaultConfig(),
	}
}

// Validate validates the whole configuration, delegating to each component.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server: shutdown_timeout must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.Graph.Validate(); err != nil {
		return fmt.Errorf("graph: %w", err)
	}
	if err := c.Credential.Component().Validate(); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	if err := c.Idempotency.Validate(); err != nil {
		return fmt.Errorf("idempotency: %w", err)
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}
