package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// mockStatsProvider implements StatsProvider for testing
type mockStatsProvider struct {
	stats *MetricsStats
	err   error
}

func (m *mockStatsProvider) GetMetricsStats(ctx context.Context) (*MetricsStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func TestCollectorBasic(t *testing.T) {
	// Reset metrics before test
	PackagesTotal.Set(0)
	SubscriptionsTotal.Set(0)
	TeamsTotal.Set(0)

	provider := &mockStatsProvider{
		stats: &MetricsStats{
			TotalPackages:        42,
			TotalSubscribers:     17,
			ActiveSubscriptions:  64,
			TotalTeams:           3,
			TotalNews:            9,
			PendingConfirmations: 2,
		},
	}

	collector := NewCollector(provider, 100*time.Millisecond)

	// Create a context that will cancel after 250ms
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	// Start collector in background
	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()

	// Wait for collection to complete
	<-done

	if got := testutil.ToFloat64(PackagesTotal); got != 42 {
		t.Errorf("Expected packages gauge 42, got %v", got)
	}
	if got := testutil.ToFloat64(SubscriptionsTotal); got != 64 {
		t.Errorf("Expected subscriptions gauge 64, got %v", got)
	}
	if got := testutil.ToFloat64(TeamsTotal); got != 3 {
		t.Errorf("Expected teams gauge 3, got %v", got)
	}
}

func TestCollectorWithError(t *testing.T) {
	provider := &mockStatsProvider{
		err: context.DeadlineExceeded,
	}

	collector := NewCollector(provider, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Should not panic even with errors
	done := make(chan struct{})
	go func() {
		collector.Start(ctx)
		close(done)
	}()

	<-done
}

func TestCollectorStop(t *testing.T) {
	provider := &mockStatsProvider{
		stats: &MetricsStats{},
	}

	collector := NewCollector(provider, time.Hour)

	done := make(chan struct{})
	go func() {
		collector.Start(context.Background())
		close(done)
	}()

	collector.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop after Stop()")
	}
}

func TestNewCollectorDefaultInterval(t *testing.T) {
	provider := &mockStatsProvider{
		stats: &MetricsStats{},
	}

	collector := NewCollector(provider, 0)
	if collector.interval != 60*time.Second {
		t.Errorf("Expected default interval of 60s, got %v", collector.interval)
	}
}
