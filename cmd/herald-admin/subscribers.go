package main

// subscribers.go - Command handlers for subscription and team maintenance

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pkgwatch/herald/config"
	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/helpers"
	"github.com/pkgwatch/herald/server/delivery"
)

func handleDumpSubscribers(ctx context.Context) {
	fs := flag.NewFlagSet("dump-subscribers", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	inactive := fs.Bool("inactive", false, "Include subscriptions awaiting confirmation")

	fs.Usage = func() {
		fmt.Printf(`Print every subscription, grouped by package

Each output line names a package followed by its subscriber addresses.
Subscriptions awaiting confirmation are left out unless --inactive is given.

Usage:
  herald-admin dump-subscribers [options]

Options:
  --inactive           Include subscriptions awaiting confirmation
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin dump-subscribers
  herald-admin dump-subscribers --inactive
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

	entries, err := database.GetAllSubscriptionEntries(ctx)
	if err != nil {
		log.Fatalf("Failed to load subscriptions: %v", err)
	}

	// Entries arrive ordered by package, one output line per package.
	var pkg string
	var emails []string
	flush := func() {
		if pkg != "" && len(emails) > 0 {
			fmt.Printf("%s => %s\n", pkg, strings.Join(emails, " "))
		}
	}
	for _, entry := range entries {
		if !entry.Active && !*inactive {
			continue
		}
		if entry.Package != pkg {
			flush()
			pkg = entry.Package
			emails = emails[:0]
		}
		emails = append(emails, entry.Email)
	}
	flush()
}

func handleUnsubscribeAll(ctx context.Context) {
	fs := flag.NewFlagSet("unsubscribe-all", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	email := fs.String("email", "", "Email address to unsubscribe (required)")

	fs.Usage = func() {
		fmt.Printf(`Remove all subscriptions of an email address

Usage:
  herald-admin unsubscribe-all [options]

Options:
  --email string       Email address to unsubscribe (required)
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin unsubscribe-all --email user@example.com
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *email == "" {
		fmt.Printf("Error: --email is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if err := helpers.ValidateEmailAddress(*email); err != nil {
		log.Fatalf("Invalid email address: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)

	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	packages, err := database.UnsubscribeAll(ctx, *email)
	if err != nil {
		log.Fatalf("Failed to unsubscribe: %v", err)
	}

	if len(packages) == 0 {
		fmt.Printf("No subscriptions found for %s\n", *email)
		return
	}
	for _, pkg := range packages {
		fmt.Printf("Unsubscribed %s from %s\n", *email, pkg)
	}
	fmt.Printf("Removed %d subscription(s)\n", len(packages))
}

func handleAddKeyword(ctx context.Context) {
	fs := flag.NewFlagSet("add-keyword", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	name := fs.String("name", "", "Keyword name (required)")
	isDefault := fs.Bool("default", false, "Include the keyword in the system default set")

	fs.Usage = func() {
		fmt.Printf(`Add a keyword to the global set

Keywords in the system default set apply to every subscriber who has not
chosen their own set.

Usage:
  herald-admin add-keyword [options]

Options:
  --name string        Keyword name (required)
  --default            Include the keyword in the system default set
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin add-keyword --name security --default
  herald-admin add-keyword --name buildd
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *name == "" {
		fmt.Printf("Error: --name is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadAdminConfig(fs, *configPath)

	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	keyword, err := database.CreateKeyword(ctx, *name, *isDefault)
	if err != nil {
		log.Fatalf("Failed to create keyword: %v", err)
	}

	if keyword.Default {
		fmt.Printf("Successfully created default keyword: %s\n", keyword.Name)
	} else {
		fmt.Printf("Successfully created keyword: %s\n", keyword.Name)
	}
}

func handleAddTeamMember(ctx context.Context) {
	fs := flag.NewFlagSet("add-team-member", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	team := fs.String("team", "", "Slug of the team to add the member to (required)")
	email := fs.String("email", "", "Email address of the new member (required)")

	fs.Usage = func() {
		fmt.Printf(`Add a member to a team, pending email confirmation

The membership starts muted: the member receives no team mail until they
confirm with the CONFIRM command mailed to them.

Usage:
  herald-admin add-team-member [options]

Options:
  --team string        Slug of the team to add the member to (required)
  --email string       Email address of the new member (required)
  --config string      Path to TOML configuration file (default: config.toml)

Examples:
  herald-admin add-team-member --team pkg-perl --email user@example.com
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *team == "" {
		fmt.Printf("Error: --team is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *email == "" {
		fmt.Printf("Error: --email is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if err := helpers.ValidateEmailAddress(*email); err != nil {
		log.Fatalf("Invalid email address: %v", err)
	}

	cfg := loadAdminConfig(fs, *configPath)
	if err := cfg.Tracker.Validate(); err != nil {
		log.Fatalf("Invalid [tracker] configuration: %v", err)
	}

	database, err := openDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	membership, err := database.AddTeamMember(ctx, *team, *email, true)
	if err != nil {
		if errors.Is(err, db.ErrDuplicateMembership) {
			log.Fatalf("%s is already a member of team %s", *email, *team)
		}
		log.Fatalf("Failed to add team member: %v", err)
	}

	conf, err := database.CreateMembershipConfirmation(ctx, membership.ID, *email)
	if err != nil {
		log.Fatalf("Failed to create confirmation: %v", err)
	}

	if err := sendMembershipConfirmation(&cfg, *team, *email, conf.Key); err != nil {
		log.Fatalf("Failed to send confirmation mail: %v", err)
	}

	fmt.Printf("Successfully added %s to team %s (confirmation key %s sent)\n", *email, *team, conf.Key)
}

// sendMembershipConfirmation mails the new member the CONFIRM line that
// unmutes their membership.
func sendMembershipConfirmation(cfg *config.Config, team, email, key string) error {
	controlEmail := cfg.Tracker.GetControlEmail()

	body := fmt.Sprintf("You have been added to the team %s on %s.\n"+
		"\n"+
		"You will not receive any team mail until you confirm the membership.\n"+
		"To do so, send a mail to %s containing the line:\n"+
		"\n"+
		"CONFIRM %s\n"+
		"\n"+
		"If you do not want to join this team, simply ignore this message.\n",
		team, cfg.Tracker.FQDN, controlEmail, key)

	composer := &delivery.Composer{Hostname: cfg.Tracker.FQDN}
	data, err := composer.Compose(&delivery.TextMessage{
		From:    cfg.Tracker.GetContactEmail(),
		To:      []string{email},
		Subject: "CONFIRM " + key,
		Body:    body,
	})
	if err != nil {
		return err
	}

	relay := buildRelay(cfg)
	return relay.Send(cfg.Tracker.GetBouncesLikelySpamEmail(), []string{email}, data)
}
