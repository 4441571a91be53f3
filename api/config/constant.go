package config

import (
	"log"
	"strings"
	"time"
)

const (
	// ProdDbId is the identifier for the production database
	ProdDbId = "old-cloud"

	// GraceWindow is how long a renewal notification may stay unpaid before
	// the subscription is cancelled.
	GraceWindow = 43200 * time.Second

	// ReconcileBatchSize bounds how many subscriptions are read per page.
	ReconcileBatchSize = 100

	// ReconcileLockKey is the single fleet-wide lease key for the loop.
	ReconcileLockKey = "recurring:reconcile"
)

const (
	LockBackendRedis    = "redis"
	LockBackendPostgres = "postgres"
	LockBackendMemory   = "memory"
)

// CheckNotProdDB aborts immediately if the configured database URL contains ProdDbId.
// This should be called at the start of any test that interacts with the database.
func CheckNotProdDB() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DatabaseURL is not configured")
	}
	if strings.Contains(cfg.DatabaseURL, ProdDbId) {
		log.Fatalf("Tests aborted: DatabaseURL contains production identifier %s", ProdDbId)
	}
}
