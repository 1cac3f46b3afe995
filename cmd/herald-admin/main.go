package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/server/control"
	"github.com/pkgwatch/herald/server/delivery"
	"github.com/pkgwatch/herald/server/dispatch"
	"github.com/pkgwatch/herald/server/processor"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx := context.Background()
	command := os.Args[1]

	switch command {
	case "process":
		handleProcess(ctx)
	case "dispatch":
		handleDispatch(ctx)
	case "control":
		handleControl(ctx)
	case "receive-news":
		handleReceiveNews(ctx)
	case "dump-subscribers":
		handleDumpSubscribers(ctx)
	case "unsubscribe-all":
		handleUnsubscribeAll(ctx)
	case "add-keyword":
		handleAddKeyword(ctx)
	case "add-team-member":
		handleAddTeamMember(ctx)
	case "stats":
		handleStats(ctx)
	case "migrate":
		handleMigrateCommand(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Herald Admin Tool

Usage:
  herald-admin <command> [options]

Commands:
  process           Run due spool entries, or one message file, through the pipeline
  dispatch          Forward a message from stdin to package subscribers
  control           Run a control message from stdin through the command robot
  receive-news      Record a message from stdin as package news
  dump-subscribers  Print every subscription, grouped by package
  unsubscribe-all   Remove all subscriptions of an email address
  add-keyword       Add a keyword to the global set
  add-team-member   Add a member to a team, pending email confirmation
  stats             Show database and spool statistics
  migrate           Manage database schema migrations
  help              Show this help message

Examples:
  herald-admin process
  herald-admin process --file bounce.eml
  herald-admin dispatch --package dpkg < announce.eml
  herald-admin control < commands.eml
  herald-admin receive-news < accepted.eml
  herald-admin dump-subscribers
  herald-admin unsubscribe-all --email user@example.com
  herald-admin add-keyword --name security --default
  herald-admin add-team-member --team pkg-perl --email user@example.com
  herald-admin stats --json
  herald-admin migrate up

Use 'herald-admin <command> --help' for more information about a command.
`)
}

// loadAdminConfig loads the configuration the way every subcommand needs it:
// defaults first, the TOML file over them. A missing file is tolerated unless
// the operator named one explicitly.
func loadAdminConfig(fs *flag.FlagSet, configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet(fs, "config") {
				log.Fatalf("ERROR: specified configuration file '%s' not found: %v", configPath, err)
			}
			log.Printf("WARNING: default configuration file '%s' not found. Using defaults.", configPath)
		} else {
			log.Fatalf("FATAL: error loading configuration file '%s': %v", configPath, err)
		}
	}
	return cfg
}

// openDatabase connects to the database named in the configuration.
func openDatabase(ctx context.Context, cfg *config.Config) (*db.Database, error) {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

// buildRelay assembles the outbound relay from the configuration.
func buildRelay(cfg *config.Config) *delivery.SMTPRelay {
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
	return relay
}

// buildPipeline assembles the routing pipeline the way the daemon does.
func buildPipeline(cfg *config.Config, database *db.Database) (*processor.Service, error) {
	relay := buildRelay(cfg)
	dispatchService, err := dispatch.NewService(database, relay, &cfg.Tracker, &cfg.Dispatch, dispatch.NopHooks{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dispatch service: %w", err)
	}
	controlService := control.NewService(database, relay, &cfg.Tracker, &cfg.Control)
	return processor.NewService(dispatchService, controlService, &cfg.Tracker), nil
}

// Helper function to check if a flag was explicitly set
func isFlagSet(fs *flag.FlagSet, name string) bool {
	isSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
