package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sharebox/svc/util"
)

const (
	checkpointInterval = 5 * time.Minute
	truncateLogPages   = 1000
)

// StartWALMaintenance checkpoints the WAL every interval until ctx is done,
// then runs a final checkpoint. It blocks; run it in its own goroutine.
func StartWALMaintenance(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = checkpointInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := performWALCheckpoint(db); err != nil {
				util.Error().Err(err).Msg("WAL checkpoint failed")
			}
		case <-ctx.Done():
			if err := performWALCheckpoint(db); err != nil {
				util.Error().Err(err).Msg("final WAL checkpoint failed")
			}
			return
		}
	}
}

func performWALCheckpoint(db *sql.DB) error {
	start := time.Now()
	var busyPages, logPages, checkpointed int
	err := db.QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busyPages, &logPages, &checkpointed)
	if err != nil {
		return fmt.Errorf("PASSIVE checkpoint failed: %w", err)
	}
	util.Debug().
		Int("busy", busyPages).
		Int("log", logPages).
		Int("checkpointed", checkpointed).
		Msg("PASSIVE checkpoint result")
	if logPages > truncateLogPages {
		util.Info().Int("log", logPages).Msg("escalating to TRUNCATE checkpoint")
		if err := db.QueryRow("PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busyPages, &logPages, &checkpointed); err != nil {
			return fmt.Errorf("TRUNCATE checkpoint failed: %w", err)
		}
	}
	if err := verifyIntegrity(db); err != nil {
		util.Error().Err(err).Msg("database integrity check failed after checkpoint")
		return fmt.Errorf("integrity check failed: %w", err)
	}
	util.Debug().Dur("duration", time.Since(start)).Msg("WAL checkpoint completed")
	return nil
}

func verifyIntegrity(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check returned: %s", result)
	}
	return nil
}
