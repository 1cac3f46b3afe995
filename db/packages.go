package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkgwatch/herald/consts"
)

// packageNameRe is the archive naming rule: lowercase alphanumeric start,
// at least two characters, then letters, digits, '-', '+' and '.'.
var packageNameRe = regexp.MustCompile(`^[0-9a-z][-+.0-9a-z]+$`)

// Package represents a tracked package name. Source and pseudo packages are
// first-class; names that are neither exist only because someone subscribed
// to them before the package entered the archive.
type Package struct {
	ID        int64
	Name      string
	Source    bool
	Pseudo    bool
	CreatedAt time.Time
}

// GetPackageByName looks up a package by its exact name.
func (db *Database) GetPackageByName(ctx context.Context, name string) (*Package, error) {
	var p Package
	err := db.TimedQueryRow(ctx, "get_package", `
		SELECT id, name, source, pseudo, created_at
		FROM packages
		WHERE name = $1
	`, name).Scan(&p.ID, &p.Name, &p.Source, &p.Pseudo, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return &p, nil
}

// GetSourceForBinary resolves a binary package name to its source package.
func (db *Database) GetSourceForBinary(ctx context.Context, binaryName string) (*Package, error) {
	var p Package
	err := db.TimedQueryRow(ctx, "get_source_for_binary", `
		SELECT p.id, p.name, p.source, p.pseudo, p.created_at
		FROM binary_source_map b
		JOIN packages p ON p.id = b.source_package_id
		WHERE b.binary_name = $1
		ORDER BY p.name
		LIMIT 1
	`, binaryName).Scan(&p.ID, &p.Name, &p.Source, &p.Pseudo, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("failed to resolve binary package: %w", err)
	}
	return &p, nil
}

// CreatePackage inserts a new package name. Names that violate the archive
// naming rule are rejected with ErrInvalidPackageName.
func (db *Database) CreatePackage(ctx context.Context, name string, source, pseudo bool) (*Package, error) {
	if !packageNameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPackageName, name)
	}

	var p Package
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO packages (name, source, pseudo)
		VALUES ($1, $2, $3)
		RETURNING id, name, source, pseudo, created_at
	`, name, source, pseudo).Scan(&p.ID, &p.Name, &p.Source, &p.Pseudo, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, consts.ErrDBUniqueViolation
		}
		return nil, fmt.Errorf("failed to create package: %w", err)
	}
	return &p, nil
}

// GetOrCreatePackage returns the package with the given name, creating a
// subscriptions-only entry (neither source nor pseudo) when it is missing.
func (db *Database) GetOrCreatePackage(ctx context.Context, name string) (*Package, error) {
	p, err := db.GetPackageByName(ctx, name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPackageNotFound) {
		return nil, err
	}

	p, err = db.CreatePackage(ctx, name, false, false)
	if errors.Is(err, consts.ErrDBUniqueViolation) {
		return db.GetPackageByName(ctx, name)
	}
	return p, err
}

// AddBinaryMapping records that binaryName is built from the given source
// package.
func (db *Database) AddBinaryMapping(ctx context.Context, binaryName string, sourcePackageID int64) error {
	err := db.TimedExec(ctx, "add_binary_mapping", `
		INSERT INTO binary_source_map (binary_name, source_package_id)
		VALUES ($1, $2)
		ON CONFLICT (binary_name, source_package_id) DO NOTHING
	`, binaryName, sourcePackageID)
	if err != nil {
		return fmt.Errorf("failed to add binary mapping: %w", err)
	}
	return nil
}

// CountPackages returns the total number of tracked packages.
func (db *Database) CountPackages(ctx context.Context) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_packages", `
		SELECT COUNT(*) FROM packages
	`).Scan(&count)
	return count, err
}
