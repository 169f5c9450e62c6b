package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/vidforge/vidforge-backend/internal/domain"
)

func AutoMigrateAll(conn *gorm.DB) error {
	return conn.AutoMigrate(

		// =========================
		// Queue core
		// =========================
		&types.Job{},
		&types.DeadLetterJob{},

		// =========================
		// Metrics + rollups
		// =========================
		&types.JobMetricsRecord{},
		&types.QueueStatsRow{},

		// =========================
		// Webhooks
		// =========================
		&types.WebhookSubscription{},
		&types.WebhookDelivery{},
	)
}

// EnsureQueueIndexes creates the compound and partial indexes AutoMigrate
// cannot express. The DDL is portable across sqlite and postgres.
func EnsureQueueIndexes(conn *gorm.DB) error {
	// Claim scan: runnable candidates in claim order.
	if err := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_claim
		ON jobs (queue, state, priority, scheduled_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_claim: %w", err)
	}

	// One active job per idempotency key; terminal states release the key.
	if err := conn.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_jobs_idem_active
		ON jobs (idempotency_key)
		WHERE idempotency_key IS NOT NULL
		  AND state IN ('scheduled', 'pending', 'processing');
	`).Error; err != nil {
		return fmt.Errorf("create uniq_jobs_idem_active: %w", err)
	}

	// Startup reclaim by lease owner.
	if err := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_lease
		ON jobs (worker_id)
		WHERE state = 'processing';
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_lease: %w", err)
	}

	// Stall sweep: expired leases.
	if err := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_stall
		ON jobs (state, timeout_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_stall: %w", err)
	}

	// Delivery poll: due rows.
	if err := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due
		ON webhook_deliveries (state, next_attempt_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_webhook_deliveries_due: %w", err)
	}

	return nil
}

// Migrate runs the model migration plus the raw index DDL.
func Migrate(conn *gorm.DB) error {
	if err := AutoMigrateAll(conn); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if err := EnsureQueueIndexes(conn); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}
