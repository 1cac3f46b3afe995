package db

import (
	"context"
	"time"
)

// MetricsStats holds aggregate statistics for Prometheus metrics and the
// stats endpoint.
type MetricsStats struct {
	TotalPackages        int64
	TotalSubscribers     int64
	ActiveSubscriptions  int64
	TotalTeams           int64
	TotalNews            int64
	PendingConfirmations int64
	Timestamp            time.Time
}

// GetMetricsStats returns aggregate statistics for Prometheus metrics
func (db *Database) GetMetricsStats(ctx context.Context) (*MetricsStats, error) {
	stats := &MetricsStats{
		Timestamp: time.Now(),
	}

	// Use ReadPool for read-only queries
	pool := db.ReadPool
	if pool == nil {
		pool = db.WritePool
	}

	err := pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM packages
	`).Scan(&stats.TotalPackages)
	if err != nil {
		return nil, err
	}

	err = pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM user_emails
	`).Scan(&stats.TotalSubscribers)
	if err != nil {
		return nil, err
	}

	err = pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM subscriptions
		WHERE active
	`).Scan(&stats.ActiveSubscriptions)
	if err != nil {
		return nil, err
	}

	err = pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM teams
	`).Scan(&stats.TotalTeams)
	if err != nil {
		return nil, err
	}

	err = pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM news
	`).Scan(&stats.TotalNews)
	if err != nil {
		return nil, err
	}

	// Confirmations of both kinds still waiting to be confirmed
	err = pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM command_confirmations) +
			(SELECT COUNT(*) FROM membership_confirmations)
	`).Scan(&stats.PendingConfirmations)
	if err != nil {
		return nil, err
	}

	return stats, nil
}
