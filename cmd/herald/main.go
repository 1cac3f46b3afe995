package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/logger"
	"github.com/pkgwatch/herald/pkg/metrics"
	"github.com/pkgwatch/herald/server/cleaner"
	"github.com/pkgwatch/herald/server/control"
	"github.com/pkgwatch/herald/server/delivery"
	"github.com/pkgwatch/herald/server/dispatch"
	"github.com/pkgwatch/herald/server/httpapi"
	"github.com/pkgwatch/herald/server/lmtp"
	"github.com/pkgwatch/herald/server/mailqueue"
	"github.com/pkgwatch/herald/server/processor"
)

// Build-time version information. These variables are set via ldflags during build.
var (
	version = "dev"     // Version of the build
	commit  = "none"    // Git commit hash
	date    = "unknown" // Build date
)

// serverDependencies holds the shared services the frontends run on.
type serverDependencies struct {
	database  *db.Database
	queue     *mailqueue.DiskQueue
	worker    *mailqueue.Worker
	cleanup   *cleaner.Worker
	collector *metrics.Collector
	config    config.Config
	debug     bool
}

// dbStats adapts the database to the collector, which declares its own stats
// shape so the metrics package stays free of database types.
type dbStats struct {
	db *db.Database
}

func (a dbStats) GetMetricsStats(ctx context.Context) (*metrics.MetricsStats, error) {
	stats, err := a.db.GetMetricsStats(ctx)
	if err != nil {
		return nil, err
	}
	return &metrics.MetricsStats{
		TotalPackages:        stats.TotalPackages,
		TotalSubscribers:     stats.TotalSubscribers,
		ActiveSubscriptions:  stats.ActiveSubscriptions,
		TotalTeams:           stats.TotalTeams,
		TotalNews:            stats.TotalNews,
		PendingConfirmations: stats.PendingConfirmations,
	}, nil
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	debug := flag.Bool("debug", false, "Log the LMTP protocol exchange")
	flag.Parse()

	if *showVersion {
		fmt.Printf("herald version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "HERALD: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "HERALD: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	} else {
		defer logger.Sync()
	}

	logger.Infof("Herald starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Tracker domain: %s", cfg.Tracker.FQDN)

	metrics.Configure(cfg.Metrics.EnableDomainMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	errChan := make(chan error, 1)

	deps, initErr := initializeServices(ctx, cfg, *debug, errChan)
	if initErr != nil {
		logger.Fatalf("Failed to initialize services: %v", initErr)
	}

	// Deferred in reverse order: the cleaner and worker stop before the
	// database they write through goes away.
	defer deps.database.Close()
	defer deps.worker.Stop()
	if deps.cleanup != nil {
		defer deps.cleanup.Stop()
	}
	if deps.collector != nil {
		defer deps.collector.Stop()
	}

	startServers(ctx, deps, errChan)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down, waiting for in-flight deliveries to finish...")
	case err := <-errChan:
		logger.Fatalf("Server failed: %v", err)
	}
}

// loadAndValidateConfig loads the TOML configuration over the defaults and
// validates the tracker section everything else is derived from. A missing
// file is tolerated only for the default path.
func loadAndValidateConfig(configPath string, cfg *config.Config) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) {
			if configPath == "config.toml" {
				fmt.Fprintf(os.Stderr, "HERALD: default configuration file %q not found, using application defaults\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "HERALD: configuration file %q not found\n", configPath)
				os.Exit(1)
			}
		} else {
			fmt.Fprintf(os.Stderr, "HERALD: failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	if err := cfg.Tracker.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "HERALD: invalid [tracker] configuration: %v\n", err)
		os.Exit(1)
	}
}

// initializeServices builds the database, the spool and the processing
// pipeline the frontends share.
func initializeServices(ctx context.Context, cfg config.Config, debug bool, errChan chan error) (*serverDependencies, error) {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	database.StartPoolMetrics(ctx)

	retrySchedule, err := cfg.Queue.GetRetrySchedule()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid queue.retry_schedule: %w", err)
	}

	// The first attempt plus one retry per ladder step.
	queue, err := mailqueue.NewDiskQueue(cfg.Queue.Path, len(retrySchedule)+1, retrySchedule)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize mail spool: %w", err)
	}

	relay := &delivery.SMTPRelay{
		Host:        cfg.Relay.Host,
		UseTLS:      cfg.Relay.TLS,
		UseStartTLS: cfg.Relay.UseStartTLS,
		TLSVerify:   cfg.Relay.GetTLSVerify(),
		LocalName:   cfg.Relay.HeloHostname,
		Username:    cfg.Relay.AuthUser,
		Password:    cfg.Relay.AuthPassword,
		Disabled:    cfg.Relay.Disabled,
	}
	if relay.LocalName == "" {
		relay.LocalName = cfg.Tracker.FQDN
	}

	dispatchService, err := dispatch.NewService(database, relay, &cfg.Tracker, &cfg.Dispatch, dispatch.NopHooks{})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize dispatch service: %w", err)
	}
	controlService := control.NewService(database, relay, &cfg.Tracker, &cfg.Control)
	pipeline := processor.NewService(dispatchService, controlService, &cfg.Tracker)

	scanInterval, err := cfg.Queue.GetScanInterval()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid queue.scan_interval: %w", err)
	}
	worker := mailqueue.NewWorker(queue, pipeline, scanInterval, 0, cfg.Queue.GetWorkers(), errChan)

	deps := &serverDependencies{
		database: database,
		queue:    queue,
		worker:   worker,
		config:   cfg,
		debug:    debug,
	}

	if cfg.Cleanup.Enabled {
		interval, err := cfg.Cleanup.GetInterval()
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("invalid cleanup.interval: %w", err)
		}
		retention, err := cfg.Cleanup.GetFailedRetention()
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("invalid cleanup.failed_retention: %w", err)
		}
		deps.cleanup = cleaner.New(database, queue,
			interval, cfg.Control.GetConfirmationExpirationDays(), retention)
	}

	if cfg.Metrics.Enabled {
		deps.collector = metrics.NewCollector(dbStats{database}, 60*time.Second)
	}

	return deps, nil
}

// startServers launches the spool worker and every configured frontend.
// Each frontend reports fatal errors on errChan.
func startServers(ctx context.Context, deps *serverDependencies, errChan chan error) {
	if err := deps.worker.Start(ctx); err != nil {
		errChan <- fmt.Errorf("failed to start spool worker: %w", err)
		return
	}

	if deps.cleanup != nil {
		deps.cleanup.Start(ctx)
	}

	if deps.collector != nil {
		go deps.collector.Start(ctx)
	}

	var backend *lmtp.Backend
	if deps.config.LMTP.Start {
		var err error
		backend, err = lmtp.New(ctx, &deps.config.Tracker, &deps.config.LMTP, deps.queue, deps.worker, deps.debug)
		if err != nil {
			errChan <- fmt.Errorf("failed to create LMTP server: %w", err)
			return
		}
		go func() {
			<-ctx.Done()
			backend.Close()
		}()
		go backend.Start(errChan)
	}

	if deps.config.HTTPAPI.Start {
		options := httpapi.ServerOptions{
			Addr:         deps.config.HTTPAPI.Addr,
			APIKey:       deps.config.HTTPAPI.APIKey,
			AllowedHosts: deps.config.HTTPAPI.AllowedHosts,
			Queue:        deps.worker,
		}
		// Assigned only when the backend exists. A nil *lmtp.Backend in the
		// interface field would not compare equal to nil on the other side.
		if backend != nil {
			options.LMTP = backend
		}
		go httpapi.Start(ctx, deps.database, options, errChan)
	}

	if deps.config.Metrics.Enabled {
		go startMetricsServer(ctx, deps.config.Metrics, errChan)
	}
}

// startMetricsServer serves the Prometheus exposition endpoint until ctx is
// cancelled.
func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.GetPath(), promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Metrics: Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics: Shutdown failed", "error", err)
		}
	}()

	logger.Info("Metrics: Server listening", "addr", cfg.Addr, "path", cfg.GetPath())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
