package main

// stats.go - Command handler for database and spool statistics

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pkgwatch/herald/server/mailqueue"
)

func handleStats(ctx context.Context) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	asJSON := fs.Bool("json", false, "Print statistics as JSON")

	fs.Usage = func() {
		fmt.Printf(`Show database and spool statistics

This command shows:
  - Package, subscriber and subscription counts
  - Team and news item counts
  - Pending confirmation keys
  - Spool entries by state (pending, processing, failed)

Usage:
  herald-admin stats [options]

Options:
  --json               Print statistics as JSON
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin stats
  herald-admin stats --json
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)

	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	stats, err := database.GetMetricsStats(ctx)
	if err != nil {
		log.Fatalf("Failed to load statistics: %v", err)
	}

	var pending, processing, failed int
	retrySchedule, err := cfg.Queue.GetRetrySchedule()
	if err != nil {
		log.Fatalf("Invalid queue.retry_schedule: %v", err)
	}
	queue, err := mailqueue.NewDiskQueue(cfg.Queue.Path, len(retrySchedule)+1, retrySchedule)
	if err != nil {
		log.Printf("WARNING: could not open mail spool at %s: %v", cfg.Queue.Path, err)
	} else {
		pending, processing, failed, err = queue.GetStats()
		if err != nil {
			log.Printf("WARNING: could not read spool statistics: %v", err)
		}
	}

	if *asJSON {
		out := map[string]interface{}{
			"packages":              stats.TotalPackages,
			"subscribers":           stats.TotalSubscribers,
			"active_subscriptions":  stats.ActiveSubscriptions,
			"teams":                 stats.TotalTeams,
			"news_items":            stats.TotalNews,
			"pending_confirmations": stats.PendingConfirmations,
			"spool": map[string]int{
				"pending":    pending,
				"processing": processing,
				"failed":     failed,
			},
			"timestamp": stats.Timestamp,
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(out); err != nil {
			log.Fatalf("Failed to encode statistics: %v", err)
		}
		return
	}

	fmt.Printf("Herald statistics (%s)\n\n", stats.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Packages:              %d\n", stats.TotalPackages)
	fmt.Printf("  Subscribers:           %d\n", stats.TotalSubscribers)
	fmt.Printf("  Active subscriptions:  %d\n", stats.ActiveSubscriptions)
	fmt.Printf("  Teams:                 %d\n", stats.TotalTeams)
	fmt.Printf("  News items:            %d\n", stats.TotalNews)
	fmt.Printf("  Pending confirmations: %d\n", stats.PendingConfirmations)
	fmt.Printf("\n")
	fmt.Printf("  Spool pending:         %d\n", pending)
	fmt.Printf("  Spool processing:      %d\n", processing)
	fmt.Printf("  Spool failed:          %d\n", failed)
}
