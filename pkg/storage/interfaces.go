package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/freemium/pkg/billing"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// Store is a billing repository that holds connections. SavePlan upserts
// catalog plans seeded from the feature file.
type Store interface {
	billing.Repository
	SavePlan(ctx context.Context, plan *billing.Plan) error
	Close() error
}

// Config for storage backend
type Config struct {
	Type string // "memory" or "postgres"

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Plan cache config; plans are read far more often than they change
	PlanCacheSize int
	PlanCacheTTL  time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 1 * time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		PlanCacheSize:       256,
		PlanCacheTTL:        5 * time.Minute,
	}
}

// Validate checks the config is usable for its Type
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
		return nil
	case TypePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres storage requires a URL")
		}
		if c.PostgresMaxConns <= 0 {
			return fmt.Errorf("postgres max connections must be positive")
		}
		if c.PostgresMinConns < 0 || c.PostgresMinConns > c.PostgresMaxConns {
			return fmt.Errorf("postgres min connections must be between 0 and %d", c.PostgresMaxConns)
		}
		return nil
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
}
