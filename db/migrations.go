package db

import "embed"

// MigrationsFS embeds the versioned migration files used by the admin
// `migrate` command. The embedded schema.sql stays authoritative for fresh
// installs; migrations carry existing deployments forward.
//
//go:embed migrations
var MigrationsFS embed.FS
