// Package config defines the TOML configuration for the Herald mail engine.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/pkgwatch/herald/helpers"
)

// TrackerConfig identifies the tracker instance this engine serves.
type TrackerConfig struct {
	FQDN         string `toml:"fqdn"`          // Fully qualified domain the tracker receives mail for
	ContactEmail string `toml:"contact_email"` // From address of service mail (replies, notices)
	ControlEmail string `toml:"control_email"` // Address of the command robot
	BouncesEmail string `toml:"bounces_email"` // Base address bounce return paths are derived from

	// AcceptUnqualifiedEmails routes mail whose delivery address carries no
	// recognized service to dispatch instead of rejecting it.
	AcceptUnqualifiedEmails bool `toml:"accept_unqualified_emails"`
}

// GetContactEmail returns the service From address, derived from the FQDN
// when unset.
func (t *TrackerConfig) GetContactEmail() string {
	if t.ContactEmail != "" {
		return t.ContactEmail
	}
	return "owner@" + t.FQDN
}

// GetControlEmail returns the command robot address, derived from the FQDN
// when unset.
func (t *TrackerConfig) GetControlEmail() string {
	if t.ControlEmail != "" {
		return t.ControlEmail
	}
	return "control@" + t.FQDN
}

// GetBouncesEmail returns the bounce base address, derived from the FQDN
// when unset.
func (t *TrackerConfig) GetBouncesEmail() string {
	if t.BouncesEmail != "" {
		return t.BouncesEmail
	}
	return "bounces@" + t.FQDN
}

// GetDispatchEmail returns the dispatch loop marker address.
func (t *TrackerConfig) GetDispatchEmail() string {
	return "dispatch@" + t.FQDN
}

// GetBouncesLikelySpamEmail returns the envelope sender for notices likely
// to hit spam filters themselves. The address never matches the dated bounce
// pattern, so returns of these notices stay out of the bounce stats.
func (t *TrackerConfig) GetBouncesLikelySpamEmail() string {
	bounces := t.GetBouncesEmail()
	if at := strings.Index(bounces, "@"); at > 0 {
		return bounces[:at] + "+likelyspam" + bounces[at:]
	}
	return bounces
}

// Validate checks the tracker section for the settings everything else is
// derived from.
func (t *TrackerConfig) Validate() error {
	if t.FQDN == "" {
		return fmt.Errorf("tracker.fqdn is required")
	}
	if strings.Contains(t.FQDN, "@") {
		return fmt.Errorf("tracker.fqdn must be a domain, not an address: %q", t.FQDN)
	}
	return nil
}

// DatabaseEndpointConfig describes one PostgreSQL endpoint.
type DatabaseEndpointConfig struct {
	// List of database hosts. Multiple hosts are common for read replica
	// load balancing; write endpoints usually name a single host.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug            bool                    `toml:"debug"`             // Enable SQL query logging
	QueryTimeout     string                  `toml:"query_timeout"`     // Default timeout for database queries (default: "30s")
	WriteTimeout     string                  `toml:"write_timeout"`     // Timeout for write operations (default: "10s")
	MigrationTimeout string                  `toml:"migration_timeout"` // Timeout for auto-migrations at startup (default: "2m")
	Write            *DatabaseEndpointConfig `toml:"write"`             // Write database configuration
	Read             *DatabaseEndpointConfig `toml:"read"`              // Read database configuration
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// GetWriteTimeout parses the write timeout duration
func (d *DatabaseConfig) GetWriteTimeout() (time.Duration, error) {
	if d.WriteTimeout == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(d.WriteTimeout)
}

// GetMigrationTimeout parses the migration timeout duration
func (d *DatabaseConfig) GetMigrationTimeout() (time.Duration, error) {
	if d.MigrationTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MigrationTimeout)
}

// S3Config holds object storage configuration for archived news content.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// IsConfigured returns true if an object store endpoint is set.
func (s *S3Config) IsConfigured() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// RelayConfig defines the outbound SMTP relay all produced mail is handed to.
type RelayConfig struct {
	Host            string `toml:"host"`             // SMTP server address (e.g., "smtp.example.com:587")
	TLS             bool   `toml:"tls"`              // Use implicit TLS for the connection
	UseStartTLS     bool   `toml:"use_starttls"`     // Upgrade via STARTTLS instead of implicit TLS
	TLSVerify       *bool  `toml:"tls_verify"`       // Verify server certificates (default: true)
	AuthUser        string `toml:"auth_user"`        // SASL PLAIN username (optional)
	AuthPassword    string `toml:"auth_password"`    // SASL PLAIN password
	HeloHostname    string `toml:"helo_hostname"`    // HELO/EHLO name (default: tracker FQDN)
	SendTimeout     string `toml:"send_timeout"`     // Timeout for one batch delivery (default: "2m")
	MaxBatchLogSize int    `toml:"max_batch_log"`    // Recipients listed per log line before truncation
	Disabled        bool   `toml:"disabled"`         // Compose but do not deliver (testing setups)
}

// GetTLSVerify returns whether server certificates are verified.
func (r *RelayConfig) GetTLSVerify() bool {
	if r.TLSVerify == nil {
		return true
	}
	return *r.TLSVerify
}

// GetSendTimeout parses the batch delivery timeout.
func (r *RelayConfig) GetSendTimeout() (time.Duration, error) {
	if r.SendTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(r.SendTimeout)
}

// MailQueueConfig holds the inbound spool configuration.
type MailQueueConfig struct {
	Path          string   `toml:"path"`           // Base path for spool storage (e.g., "/var/spool/herald")
	Workers       int      `toml:"workers"`        // Concurrent spool entries processed (default: 4)
	ScanInterval  string   `toml:"scan_interval"`  // How often the worker scans for due entries (default: "10s")
	RetrySchedule []string `toml:"retry_schedule"` // Delays between processing attempts
}

// GetWorkers returns the worker count with default.
func (q *MailQueueConfig) GetWorkers() int {
	if q.Workers <= 0 {
		return 4
	}
	return q.Workers
}

// GetScanInterval parses the scan interval duration.
func (q *MailQueueConfig) GetScanInterval() (time.Duration, error) {
	if q.ScanInterval == "" {
		return 10 * time.Second, nil
	}
	return helpers.ParseDuration(q.ScanInterval)
}

// GetRetrySchedule parses the retry delays. An entry moves to the failed
// directory once the schedule is exhausted.
func (q *MailQueueConfig) GetRetrySchedule() ([]time.Duration, error) {
	if len(q.RetrySchedule) == 0 {
		return []time.Duration{
			150 * time.Second,
			300 * time.Second,
			600 * time.Second,
			1800 * time.Second,
			3600 * time.Second,
			7200 * time.Second,
		}, nil
	}

	schedule := make([]time.Duration, 0, len(q.RetrySchedule))
	for _, s := range q.RetrySchedule {
		d, err := helpers.ParseDuration(s)
		if err != nil {
			return nil, err
		}
		schedule = append(schedule, d)
	}
	return schedule, nil
}

// ControlConfig tunes the command engine.
type ControlConfig struct {
	MaxAllowedErrors           int `toml:"max_allowed_errors"`           // Lines without commands before processing stops (default: 5)
	ConfirmationExpirationDays int `toml:"confirmation_expiration_days"` // Confirmation keys older than this no longer resolve (default: 3)
}

// GetMaxAllowedErrors returns the error tolerance with default.
func (c *ControlConfig) GetMaxAllowedErrors() int {
	if c.MaxAllowedErrors <= 0 {
		return 5
	}
	return c.MaxAllowedErrors
}

// GetConfirmationExpirationDays returns the confirmation key lifetime in days.
func (c *ControlConfig) GetConfirmationExpirationDays() int {
	if c.ConfirmationExpirationDays <= 0 {
		return 3
	}
	return c.ConfirmationExpirationDays
}

// DispatchConfig tunes fan-out and bounce handling.
type DispatchConfig struct {
	// BounceSpamPatterns is the regex rule set recognizing provider-side
	// content rejections that must not count as real bounces. Provider
	// wording drifts, so the set is configurable; defaults cover the known
	// phrasings.
	BounceSpamPatterns []string `toml:"bounce_spam_patterns"`

	// BouncesTolerated is how many trailing days of fully bounced mail a
	// subscriber may accumulate before being unsubscribed (default: 4).
	BouncesTolerated int `toml:"bounces_tolerated"`
}

// GetBounceSpamPatterns returns the spam rejection rule set with defaults.
func (d *DispatchConfig) GetBounceSpamPatterns() []string {
	if len(d.BounceSpamPatterns) > 0 {
		return d.BounceSpamPatterns
	}
	// Patterns are searched anywhere in the line: delivery reports usually
	// prefix the remote reply with the receiving host.
	return []string{
		`552-5\.7\.0 This message was blocked`,
		`55[0-9] .*(?:spam|malware|virus|[Ee]xecutable files)`,
	}
}

// GetBouncesTolerated returns the bounce tolerance window in days.
func (d *DispatchConfig) GetBouncesTolerated() int {
	if d.BouncesTolerated <= 0 {
		return 4
	}
	return d.BouncesTolerated
}

// CleanupConfig tunes the periodic maintenance worker.
type CleanupConfig struct {
	Enabled         bool   `toml:"enabled"`          // Run the cleanup worker (default: true)
	Interval        string `toml:"interval"`         // Time between cleanup runs (default: "1h")
	FailedRetention string `toml:"failed_retention"` // How long failed spool entries are kept (default: "14d")
}

// GetInterval parses the time between cleanup runs.
func (c *CleanupConfig) GetInterval() (time.Duration, error) {
	if c.Interval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(c.Interval)
}

// GetFailedRetention parses how long entries stay in the failed directory.
// Zero disables failed entry deletion entirely.
func (c *CleanupConfig) GetFailedRetention() (time.Duration, error) {
	if c.FailedRetention == "" {
		return 14 * 24 * time.Hour, nil
	}
	return helpers.ParseDuration(c.FailedRetention)
}

// LMTPServerConfig holds the inbound LMTP endpoint configuration.
type LMTPServerConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr"`             // Listen address (default: ":2424")
	MaxMessageSize  string   `toml:"max_message_size"` // Reject larger messages (default: "25mb")
	MaxConnections  int      `toml:"max_connections"`  // Concurrent LMTP connections (default: 100)
	TrustedNetworks []string `toml:"trusted_networks"` // CIDR blocks allowed to deliver (default: loopback + RFC1918)
}

// GetAddr returns the listen address with default.
func (l *LMTPServerConfig) GetAddr() string {
	if l.Addr == "" {
		return ":2424"
	}
	return l.Addr
}

// GetTrustedNetworks returns the CIDR blocks the listener accepts
// deliveries from. LMTP has no authentication, so by default only the
// local host and private networks may connect.
func (l *LMTPServerConfig) GetTrustedNetworks() []string {
	if len(l.TrustedNetworks) > 0 {
		return l.TrustedNetworks
	}
	return []string{
		"127.0.0.0/8",
		"::1/128",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
	}
}

// GetMaxMessageSize parses the message size limit in bytes.
func (l *LMTPServerConfig) GetMaxMessageSize() (int64, error) {
	if l.MaxMessageSize == "" {
		return 25 * 1024 * 1024, nil
	}
	return helpers.ParseSize(l.MaxMessageSize)
}

// GetMaxConnections returns the connection limit with default.
func (l *LMTPServerConfig) GetMaxConnections() int {
	if l.MaxConnections <= 0 {
		return 100
	}
	return l.MaxConnections
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
}

// MetricsConfig holds the Prometheus exposition endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
	// Per-domain sender counters grow with the number of distinct sending
	// domains. Disable on instances fed by the open internet.
	EnableDomainMetrics bool `toml:"enable_domain_metrics"`
}

// GetPath returns the exposition path with default.
func (m *MetricsConfig) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig    `toml:"logging"`
	Tracker  TrackerConfig    `toml:"tracker"`
	Database DatabaseConfig   `toml:"database"`
	S3       S3Config         `toml:"s3"`
	Relay    RelayConfig      `toml:"relay"`
	Queue    MailQueueConfig  `toml:"queue"`
	Control  ControlConfig    `toml:"control"`
	Dispatch DispatchConfig   `toml:"dispatch"`
	Cleanup  CleanupConfig    `toml:"cleanup"`
	LMTP     LMTPServerConfig `toml:"lmtp"`
	HTTPAPI  HTTPAPIConfig    `toml:"http_api"`
	Metrics  MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Tracker: TrackerConfig{
			FQDN: "",
		},
		Database: DatabaseConfig{
			QueryTimeout: "30s",
			WriteTimeout: "10s",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Password:        "",
				Name:            "herald_db",
				TLSMode:         false,
				MaxConns:        50,
				MinConns:        5,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Relay: RelayConfig{
			Host:        "localhost:25",
			UseStartTLS: false,
			SendTimeout: "2m",
		},
		Queue: MailQueueConfig{
			Path:         "/var/spool/herald",
			Workers:      4,
			ScanInterval: "10s",
		},
		Cleanup: CleanupConfig{
			Enabled:         true,
			Interval:        "1h",
			FailedRetention: "14d",
		},
		LMTP: LMTPServerConfig{
			Start:          true,
			Addr:           ":2424",
			MaxMessageSize: "25mb",
		},
		Metrics: MetricsConfig{
			Enabled:             false,
			Addr:                ":9090",
			Path:                "/metrics",
			EnableDomainMetrics: true,
		},
	}
}

// LoadConfigFromFile loads configuration from a TOML file over the defaults
// already present in cfg. Unknown keys are reported and ignored, so a typo
// does not silently disable a section. The os.ReadFile error is returned
// unwrapped so callers can distinguish a missing file from a broken one.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", configPath, err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	return nil
}
