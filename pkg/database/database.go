// Package database wires the configured source database to its provider
package database

import (
	"fmt"

	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"

	// Register providers
	_ "github.com/supporttools/GoDRGuard/pkg/database/mysql"
	_ "github.com/supporttools/GoDRGuard/pkg/database/postgresql"
)

// Provider is the interface all database providers must implement
type Provider = common.Provider

// New returns the provider for the configured source database
func New(cfg config.DatabaseConfig) (Provider, error) {
	provider, err := common.NewProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", cfg.Type, err)
	}
	return provider, nil
}

// ForEnvironment returns a provider able to restore into a restore test
// environment. Environments share the source's command timeout.
func ForEnvironment(source config.DatabaseConfig, env config.EnvironmentConfig) (Provider, error) {
	cfg := source
	cfg.Type = env.Type
	cfg.Host = env.Host
	cfg.Port = env.Port
	cfg.Username = env.Username
	cfg.Password = env.Password
	cfg.ExtraArgs = nil
	return New(cfg)
}
