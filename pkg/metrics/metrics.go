package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)
)

// Message processing metrics
var (
	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_messages_processed_total",
			Help: "Total number of messages processed by service",
		},
		[]string{"service", "result"}, // service: dispatch, control, bounces, news; result: ok, dropped, error
	)

	MessageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_message_processing_duration_seconds",
			Help:    "Duration of message processing in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"service"},
	)
)

// Dispatch metrics
var (
	DispatchForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatch_forwards_total",
			Help: "Total number of messages forwarded to subscribers",
		},
		[]string{"path"}, // path: direct, team
	)

	DispatchRecipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatch_recipients_total",
			Help: "Total number of recipient copies generated by fan-out",
		},
		[]string{"path"},
	)

	DispatchDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatch_drops_total",
			Help: "Total number of messages dropped during dispatch",
		},
		[]string{"reason"}, // reason: loop, unapproved, unknown_package, no_recipients
	)
)

// Bounce metrics
var (
	BouncesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_bounces_received_total",
			Help: "Total number of bounce messages received",
		},
		[]string{"result"}, // result: recorded, spam, malformed, stale
	)

	SubscriptionsCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_subscriptions_cancelled_total",
			Help: "Total number of subscriptions cancelled due to persistent bounces",
		},
	)
)

// Control command metrics
var (
	CommandsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_commands_processed_total",
			Help: "Total number of control commands processed",
		},
		[]string{"command", "result"}, // result: ok, error
	)

	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_confirmations_total",
			Help: "Total number of confirmation key operations",
		},
		[]string{"operation"}, // operation: created, confirmed, expired
	)
)

// Mail queue metrics
var (
	MailQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_mail_queue_depth",
			Help: "Number of messages in the outbound mail queue by state",
		},
		[]string{"state"}, // pending, processing, failed
	)

	MailQueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_mail_queue_operations_total",
			Help: "Total number of mail queue operations",
		},
		[]string{"operation", "result"}, // operation: enqueue, acquire, mark_success, mark_failure, mark_permanent, release; result: success, error
	)

	MailQueueOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_mail_queue_operation_duration_seconds",
			Help:    "Duration of mail queue operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	MailQueueAge = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_mail_queue_age_seconds",
			Help:    "Age of messages in the mail queue when processed",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200, 14400, 28800, 86400}, // 1s to 1 day
		},
	)
)

// Outbound delivery metrics
var (
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_delivery_attempts_total",
			Help: "Total number of outbound delivery attempts",
		},
		[]string{"result"}, // result: success, transient, permanent
	)

	DeliveryBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_batch_duration_seconds",
			Help:    "Duration of outbound delivery batches in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	SubscriptionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_subscriptions_total",
			Help: "Total number of active subscriptions",
		},
	)

	PackagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_packages_total",
			Help: "Total number of tracked packages",
		},
	)

	SubscribersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_subscribers_total",
			Help: "Total number of known subscriber addresses",
		},
	)

	TeamsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_teams_total",
			Help: "Total number of teams",
		},
	)

	NewsItemsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_news_items_total",
			Help: "Total number of stored news items",
		},
	)

	PendingConfirmations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_pending_confirmations",
			Help: "Number of confirmation keys awaiting a reply",
		},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	S3UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_s3_upload_attempts_total",
			Help: "Total number of S3 upload attempts",
		},
		[]string{"result"},
	)
)

// News metrics
var (
	NewsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_news_created_total",
			Help: "Total number of news items created from email",
		},
		[]string{"type"}, // type: message, link
	)
)
