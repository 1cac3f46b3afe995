package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Critical operational metrics that are actually needed for production monitoring

// Storage operation health - CRITICAL for S3 reliability
var (
	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_storage_errors_total",
			Help: "Storage operation errors by type",
		},
		[]string{"operation", "error_type"},
	)
	// error_type: "timeout", "not_found", "access_denied", "network_error", "throttled"

	StorageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_storage_retries_total",
			Help: "Storage operation retry attempts",
		},
		[]string{"operation"},
	)
)

// Throughput metrics - CRITICAL for capacity planning
var (
	BytesThroughput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_bytes_throughput_total",
			Help: "Total bytes transferred",
		},
		[]string{"service", "direction"}, // direction: "in", "out"
	)

	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_message_size_bytes",
			Help:    "Size of messages processed by service in bytes",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 104857600}, // 1KB to 100MB
		},
		[]string{"service"}, // service: lmtp, dispatch, control, bounces, news
	)
)

// Sender domain metrics - CRITICAL for identifying heavy senders and abuse patterns
// WARNING: cardinality grows with the number of distinct sending domains
var (
	SenderDomainMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_sender_domain_messages_total",
			Help: "Total messages received per sending domain",
		},
		[]string{"service", "domain"},
	)
)

// Configuration for sender metrics (to be set from config)
var (
	EnableDomainMetrics bool = true // Enable domain-level sender metrics
)

// Configure metrics from config values
func Configure(enableDomain bool) {
	EnableDomainMetrics = enableDomain
}

// Track the sending domain of an inbound message
func TrackSenderDomain(service, domain string) {
	if !EnableDomainMetrics || domain == "" {
		return
	}
	SenderDomainMessages.WithLabelValues(service, domain).Inc()
}
