package metrics

import (
	"context"
	"time"

	"github.com/pkgwatch/herald/logger"
)

// MetricsStats holds aggregate statistics returned by the database
type MetricsStats struct {
	TotalPackages        int64
	TotalSubscribers     int64
	ActiveSubscriptions  int64
	TotalTeams           int64
	TotalNews            int64
	PendingConfirmations int64
}

// StatsProvider is an interface for retrieving metrics statistics
type StatsProvider interface {
	GetMetricsStats(ctx context.Context) (*MetricsStats, error)
}

// Collector periodically collects and updates database-backed metrics
type Collector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second // Default to 60 seconds
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start(ctx context.Context) {
	// Collect immediately on start
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect retrieves and updates all metrics
func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetMetricsStats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting metrics", "error", err)
		return
	}

	// Update Prometheus gauges
	PackagesTotal.Set(float64(stats.TotalPackages))
	SubscribersTotal.Set(float64(stats.TotalSubscribers))
	SubscriptionsTotal.Set(float64(stats.ActiveSubscriptions))
	TeamsTotal.Set(float64(stats.TotalTeams))
	NewsItemsTotal.Set(float64(stats.TotalNews))
	PendingConfirmations.Set(float64(stats.PendingConfirmations))

	logger.Info("MetricsCollector: updated DB metrics", "packages", stats.TotalPackages,
		"subscribers", stats.TotalSubscribers, "subscriptions", stats.ActiveSubscriptions)
}
