package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/strata/pkg/allocator"
	"github.com/Mindburn-Labs/strata/pkg/api"
	"github.com/Mindburn-Labs/strata/pkg/autoscaler"
	"github.com/Mindburn-Labs/strata/pkg/billing"
	"github.com/Mindburn-Labs/strata/pkg/metering"
	"github.com/Mindburn-Labs/strata/pkg/quota"
	"github.com/Mindburn-Labs/strata/pkg/tenants"

	_ "modernc.org/sqlite"
)

// setupLiteStores opens the embedded database for single-node deployments.
// Tenants, the allocation log, and scaling history are durable in SQLite;
// quota books, cost rules, metering, and the idempotency cache stay in
// memory. The allocation log is the source of truth for quota usage, so the
// caller replays it into the books after wiring the plane.
func setupLiteStores(dataDir string) (*stores, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "strata.db")
	log.Printf("[strata] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ts, err := tenants.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("init sqlite tenant store: %w", err)
	}
	as, err := allocator.NewSQLiteStore(db)
	if err != nil {
		return nil, fmt.Errorf("init sqlite allocation log: %w", err)
	}
	hs, err := autoscaler.NewSQLiteHistory(db)
	if err != nil {
		return nil, fmt.Errorf("init sqlite scaling history: %w", err)
	}

	return &stores{
		db:          db,
		tenants:     ts,
		quotas:      quota.NewMemoryStore(),
		allocs:      as,
		history:     hs,
		rules:       billing.NewMemoryRuleStore(),
		meter:       metering.NewMemoryMeter(),
		idempotency: api.NewIdempotencyStore(idempotencyTTL),
		needsReplay: true,
	}, nil
}
