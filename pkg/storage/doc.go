// Package storage holds the persistence backends for the billing engine.
//
// # Overview
//
// Every backend implements billing.Repository. Two are provided:
//
//   - memory: a process-local store for development and tests
//   - postgres: the production store, with an optional read replica for
//     the plan and coupon catalog and an in-process plan cache
//
// Subscription writes (the subscription row, its card, new coupon
// redemptions and any transactions) are atomic. Billing queries always run
// against the primary so a run never sees stale paid-through dates.
//
// # Usage Example
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = storage.TypePostgres
//	cfg.PostgresURL = os.Getenv("DATABASE_URL")
//
//	repo, err := postgres.Open(cfg, logger)
//	if err != nil {
//		return err
//	}
//	defer repo.Close()
//
// # Related Packages
//
//   - pkg/storage/memory: In-memory backend
//   - pkg/storage/postgres: PostgreSQL backend
//   - pkg/billing: The Repository interface
package storage
