package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pkgwatch/herald/consts"
)

// Team groups packages so that several people can follow them through one
// shared membership.
type Team struct {
	ID         int64
	Name       string
	Slug       string
	IsPublic   bool
	OwnerEmail string
	CreatedAt  time.Time
}

// TeamMembership records one subscriber's membership in a team. A muted
// membership receives no team mail until it is unmuted, typically through a
// confirmation key.
type TeamMembership struct {
	ID              int64
	TeamID          int64
	EmailID         int64
	Muted           bool
	DefaultKeywords []string
	CreatedAt       time.Time
}

// GetTeamBySlug looks up a team by its slug.
func (db *Database) GetTeamBySlug(ctx context.Context, slug string) (*Team, error) {
	var team Team
	err := db.TimedQueryRow(ctx, "get_team", `
		SELECT id, name, slug, is_public, owner_email, created_at
		FROM teams WHERE slug = $1
	`, slug).Scan(&team.ID, &team.Name, &team.Slug, &team.IsPublic, &team.OwnerEmail, &team.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTeamNotFound
		}
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return &team, nil
}

// CreateTeam creates a new team. The slug must be unique.
func (db *Database) CreateTeam(ctx context.Context, name, slug string, isPublic bool, ownerEmail string) (*Team, error) {
	var team Team
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO teams (name, slug, is_public, owner_email)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, slug, is_public, owner_email, created_at
	`, name, slug, isPublic, ownerEmail).Scan(
		&team.ID, &team.Name, &team.Slug, &team.IsPublic, &team.OwnerEmail, &team.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, consts.ErrDBUniqueViolation
		}
		return nil, fmt.Errorf("failed to create team: %w", err)
	}
	return &team, nil
}

// AddPackageToTeam puts a package on the team's list, creating the package
// entry when missing. Adding a package twice is a no-op.
func (db *Database) AddPackageToTeam(ctx context.Context, slug, packageName string) error {
	team, err := db.GetTeamBySlug(ctx, slug)
	if err != nil {
		return err
	}
	pkg, err := db.GetOrCreatePackage(ctx, packageName)
	if err != nil {
		return err
	}

	err = db.TimedExec(ctx, "add_team_package", `
		INSERT INTO team_packages (team_id, package_id)
		VALUES ($1, $2)
		ON CONFLICT (team_id, package_id) DO NOTHING
	`, team.ID, pkg.ID)
	if err != nil {
		return fmt.Errorf("failed to add package to team: %w", err)
	}
	return nil
}

// RemovePackageFromTeam takes a package off the team's list.
func (db *Database) RemovePackageFromTeam(ctx context.Context, slug, packageName string) error {
	team, err := db.GetTeamBySlug(ctx, slug)
	if err != nil {
		return err
	}
	err = db.TimedExec(ctx, "remove_team_package", `
		DELETE FROM team_packages tp
		USING packages p
		WHERE tp.team_id = $1 AND tp.package_id = p.id AND p.name = $2
	`, team.ID, packageName)
	if err != nil {
		return fmt.Errorf("failed to remove package from team: %w", err)
	}
	return nil
}

// IsTeamMember reports whether the address belongs to the team, muted or not.
func (db *Database) IsTeamMember(ctx context.Context, slug, email string) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "is_team_member", `
		SELECT EXISTS(
			SELECT 1
			FROM team_memberships m
			JOIN teams t ON t.id = m.team_id
			JOIN user_emails u ON u.id = m.email_id
			WHERE t.slug = $1 AND LOWER(u.email) = LOWER($2)
		)
	`, slug, email).Scan(&exists)
	return exists, err
}

// AddTeamMember adds the address to the team and returns the new membership.
// The subscriber record is created when missing. A muted membership stays
// silent until confirmed.
func (db *Database) AddTeamMember(ctx context.Context, slug, email string, muted bool) (*TeamMembership, error) {
	team, err := db.GetTeamBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	ue, err := db.GetOrCreateUserEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	var m TeamMembership
	err = db.GetWritePool().QueryRow(ctx, `
		INSERT INTO team_memberships (team_id, email_id, muted)
		VALUES ($1, $2, $3)
		RETURNING id, team_id, email_id, muted, default_keywords, created_at
	`, team.ID, ue.ID, muted).Scan(
		&m.ID, &m.TeamID, &m.EmailID, &m.Muted, &m.DefaultKeywords, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateMembership
		}
		return nil, fmt.Errorf("failed to add team member: %w", err)
	}
	return &m, nil
}

// RemoveTeamMember drops the address from the team together with any
// per-package settings of the membership.
func (db *Database) RemoveTeamMember(ctx context.Context, slug, email string) error {
	err := db.TimedExec(ctx, "remove_team_member", `
		DELETE FROM team_memberships m
		USING teams t, user_emails u
		WHERE m.team_id = t.id AND m.email_id = u.id
		  AND t.slug = $1 AND LOWER(u.email) = LOWER($2)
	`, slug, email)
	if err != nil {
		return fmt.Errorf("failed to remove team member: %w", err)
	}
	return nil
}

// GetTeamPackages returns the names of the packages a team follows, sorted.
func (db *Database) GetTeamPackages(ctx context.Context, slug string) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "get_team_packages", `
		SELECT p.name
		FROM team_packages tp
		JOIN teams t ON t.id = tp.team_id
		JOIN packages p ON p.id = tp.package_id
		WHERE t.slug = $1
		ORDER BY p.name
	`, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to get team packages: %w", err)
	}
	defer rows.Close()

	var packages []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		packages = append(packages, name)
	}
	return packages, rows.Err()
}

// GetTeamsForEmail returns the teams the address belongs to, ordered by team
// name.
func (db *Database) GetTeamsForEmail(ctx context.Context, email string) ([]Team, error) {
	rows, err := db.TimedQuery(ctx, "get_teams_for_email", `
		SELECT t.id, t.name, t.slug, t.is_public, t.owner_email, t.created_at
		FROM team_memberships m
		JOIN teams t ON t.id = m.team_id
		JOIN user_emails u ON u.id = m.email_id
		WHERE LOWER(u.email) = LOWER($1)
		ORDER BY t.name
	`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get teams for email: %w", err)
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.IsPublic, &t.OwnerEmail, &t.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// GetTeamsForPackage returns every team that has the package on its list.
func (db *Database) GetTeamsForPackage(ctx context.Context, packageName string) ([]Team, error) {
	rows, err := db.TimedQuery(ctx, "get_teams_for_package", `
		SELECT t.id, t.name, t.slug, t.is_public, t.owner_email, t.created_at
		FROM team_packages tp
		JOIN teams t ON t.id = tp.team_id
		JOIN packages p ON p.id = tp.package_id
		WHERE p.name = $1
		ORDER BY t.slug
	`, packageName)
	if err != nil {
		return nil, fmt.Errorf("failed to get teams for package: %w", err)
	}
	defer rows.Close()

	var teams []Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.IsPublic, &t.OwnerEmail, &t.CreatedAt); err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// GetTeamRecipients returns one snapshot of the member addresses of a team
// that should receive a message about the given package tagged with the given
// keyword. Members muted on the membership or on the package are skipped, and
// each remaining member's effective keyword set for the package must accept
// the keyword. The set resolves per-package keywords first, then the
// membership defaults, then the member's own defaults, then the system
// defaults.
func (db *Database) GetTeamRecipients(ctx context.Context, teamID int64, packageName, keyword string) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "get_team_recipients", `
		SELECT u.email
		FROM team_memberships m
		JOIN user_emails u ON u.id = m.email_id
		JOIN packages p ON p.name = $2
		LEFT JOIN membership_package_specifics sp
		       ON sp.membership_id = m.id AND sp.package_id = p.id
		WHERE m.team_id = $1
		  AND NOT m.muted
		  AND COALESCE(sp.muted, FALSE) = FALSE
		  AND $3 = ANY(COALESCE(sp.keywords, m.default_keywords, u.default_keywords,
			(SELECT COALESCE(array_agg(name), '{}') FROM keywords WHERE default_keyword)))
		ORDER BY u.email
	`, teamID, packageName, keyword)
	if err != nil {
		return nil, fmt.Errorf("failed to get team recipients: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// UnmuteMembership clears the muted flag on a membership.
func (db *Database) UnmuteMembership(ctx context.Context, membershipID int64) error {
	err := db.TimedExec(ctx, "unmute_membership", `
		UPDATE team_memberships SET muted = FALSE WHERE id = $1
	`, membershipID)
	if err != nil {
		return fmt.Errorf("failed to unmute membership: %w", err)
	}
	return nil
}

// CountTeams returns the number of teams.
func (db *Database) CountTeams(ctx context.Context) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_teams", `SELECT COUNT(*) FROM teams`).Scan(&count)
	return count, err
}
