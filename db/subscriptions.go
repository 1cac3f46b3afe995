package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pkgwatch/herald/consts"
)

// Subscription ties a subscriber address to a package. A nil Keywords slice
// means the subscription follows the subscriber's default keyword set.
type Subscription struct {
	ID        int64
	PackageID int64
	EmailID   int64
	Active    bool
	Keywords  []string
	CreatedAt time.Time
}

// SubscriptionEntry is a denormalized subscription row used for exports.
type SubscriptionEntry struct {
	Package string
	Email   string
	Active  bool
}

// effectiveKeywordsSQL resolves a subscription's effective keyword set inside
// a query: explicit per-subscription set, then the subscriber's default set,
// then the system default set.
const effectiveKeywordsSQL = `COALESCE(s.keywords, u.default_keywords,
	(SELECT COALESCE(array_agg(name), '{}') FROM keywords WHERE default_keyword))`

// GetSubscriberEmails returns one snapshot of the active subscriber addresses
// for a package whose effective keyword set accepts the given keyword. The
// result is the complete recipient set for one fan-out.
func (db *Database) GetSubscriberEmails(ctx context.Context, packageName, keyword string) ([]string, error) {
	exists, err := db.KeywordExists(ctx, keyword)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	rows, err := db.TimedQuery(ctx, "get_subscriber_emails", `
		SELECT u.email
		FROM subscriptions s
		JOIN user_emails u ON u.id = s.email_id
		JOIN packages p ON p.id = s.package_id
		WHERE p.name = $1 AND s.active AND $2 = ANY(`+effectiveKeywordsSQL+`)
		ORDER BY u.email
	`, packageName, keyword)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscribers: %w", err)
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

// CreateSubscription subscribes an address to a package, creating the package
// entry and the subscriber record when missing. An existing subscription has
// its active flag overwritten, which is how a pending subscription becomes
// live once confirmed.
func (db *Database) CreateSubscription(ctx context.Context, packageName, email string, active bool) (*Subscription, error) {
	pkg, err := db.GetOrCreatePackage(ctx, packageName)
	if err != nil {
		return nil, err
	}
	ue, err := db.GetOrCreateUserEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	var sub Subscription
	err = db.GetWritePool().QueryRow(ctx, `
		INSERT INTO subscriptions (package_id, email_id, active)
		VALUES ($1, $2, $3)
		ON CONFLICT (package_id, email_id) DO UPDATE SET active = EXCLUDED.active
		RETURNING id, package_id, email_id, active, keywords, created_at
	`, pkg.ID, ue.ID, active).Scan(
		&sub.ID, &sub.PackageID, &sub.EmailID, &sub.Active, &sub.Keywords, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return &sub, nil
}

// DeleteSubscription removes the subscription of email to packageName. It
// reports false only when the package or the subscriber does not exist at
// all; removing an already absent subscription succeeds.
func (db *Database) DeleteSubscription(ctx context.Context, packageName, email string) (bool, error) {
	pkg, err := db.GetPackageByName(ctx, packageName)
	if err != nil {
		if errors.Is(err, ErrPackageNotFound) {
			return false, nil
		}
		return false, err
	}
	ue, err := db.GetUserEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrEmailNotFound) {
			return false, nil
		}
		return false, err
	}

	err = db.TimedExec(ctx, "delete_subscription", `
		DELETE FROM subscriptions WHERE package_id = $1 AND email_id = $2
	`, pkg.ID, ue.ID)
	if err != nil {
		return false, fmt.Errorf("failed to delete subscription: %w", err)
	}
	return true, nil
}

// IsSubscribed reports whether email has an active subscription to the
// package.
func (db *Database) IsSubscribed(ctx context.Context, packageName, email string) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "is_subscribed", `
		SELECT EXISTS(
			SELECT 1
			FROM subscriptions s
			JOIN user_emails u ON u.id = s.email_id
			JOIN packages p ON p.id = s.package_id
			WHERE p.name = $1 AND LOWER(u.email) = LOWER($2) AND s.active
		)
	`, packageName, email).Scan(&exists)
	return exists, err
}

// GetSubscribedPackages returns the names of packages the address actively
// subscribes to, sorted.
func (db *Database) GetSubscribedPackages(ctx context.Context, email string) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "get_subscribed_packages", `
		SELECT p.name
		FROM subscriptions s
		JOIN user_emails u ON u.id = s.email_id
		JOIN packages p ON p.id = s.package_id
		WHERE LOWER(u.email) = LOWER($1) AND s.active
		ORDER BY p.name
	`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscribed packages: %w", err)
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

// GetSubscriberEmailsForPackage returns every subscriber address of a
// package, active or not.
func (db *Database) GetSubscriberEmailsForPackage(ctx context.Context, packageName string) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "get_package_subscribers", `
		SELECT u.email
		FROM subscriptions s
		JOIN user_emails u ON u.id = s.email_id
		JOIN packages p ON p.id = s.package_id
		WHERE p.name = $1
		ORDER BY u.email
	`, packageName)
	if err != nil {
		return nil, fmt.Errorf("failed to get package subscribers: %w", err)
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

// UnsubscribeAll deletes every subscription of the given address and returns
// the sorted names of the packages that were followed.
func (db *Database) UnsubscribeAll(ctx context.Context, email string) ([]string, error) {
	rows, err := db.GetWritePool().Query(ctx, `
		DELETE FROM subscriptions s
		USING user_emails u, packages p
		WHERE s.email_id = u.id AND s.package_id = p.id AND LOWER(u.email) = LOWER($1)
		RETURNING p.name
	`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to unsubscribe all: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(packages)
	return packages, nil
}

// GetSubscriptionKeywords returns the effective keyword set of one
// subscription, sorted.
func (db *Database) GetSubscriptionKeywords(ctx context.Context, packageName, email string) ([]string, error) {
	ue, err := db.GetUserEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	pkg, err := db.GetPackageByName(ctx, packageName)
	if err != nil {
		return nil, err
	}

	var keywords []string
	err = db.TimedQueryRow(ctx, "get_subscription_keywords", `
		SELECT `+effectiveKeywordsSQL+`
		FROM subscriptions s
		JOIN user_emails u ON u.id = s.email_id
		WHERE s.package_id = $1 AND s.email_id = $2
	`, pkg.ID, ue.ID).Scan(&keywords)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription keywords: %w", err)
	}
	sort.Strings(keywords)
	return keywords, nil
}

// UpdateSubscriptionKeywords applies a keyword operation ("+", "-" or "=") to
// one subscription. A subscription still following the subscriber's defaults
// is materialized first so the edit only affects this package. Unknown
// keyword names are skipped and returned for warning.
func (db *Database) UpdateSubscriptionKeywords(ctx context.Context, packageName, email, operation string, names []string) (updated []string, unknown []string, err error) {
	ue, err := db.GetUserEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	pkg, err := db.GetPackageByName(ctx, packageName)
	if err != nil {
		return nil, nil, err
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, nil, consts.ErrDBBeginTransactionFailed
	}
	defer tx.Rollback(ctx)

	var subID int64
	var current []string
	err = tx.QueryRow(ctx, `
		SELECT id, keywords FROM subscriptions
		WHERE package_id = $1 AND email_id = $2
		FOR UPDATE
	`, pkg.ID, ue.ID).Scan(&subID, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrSubscriptionNotFound
		}
		return nil, nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	if current == nil {
		current, err = db.EffectiveDefaultKeywords(ctx, ue)
		if err != nil {
			return nil, nil, err
		}
	}

	known, unknown, err := db.partitionKeywords(ctx, names)
	if err != nil {
		return nil, nil, err
	}
	updated = applyKeywordOperation(operation, current, known)

	_, err = tx.Exec(ctx, `
		UPDATE subscriptions SET keywords = $2 WHERE id = $1
	`, subID, updated)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update subscription keywords: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, consts.ErrDBCommitTransactionFailed
	}
	return updated, unknown, nil
}

// GetAllSubscriptionEntries exports every subscription ordered by package
// then subscriber.
func (db *Database) GetAllSubscriptionEntries(ctx context.Context) ([]SubscriptionEntry, error) {
	rows, err := db.TimedQuery(ctx, "get_all_subscriptions", `
		SELECT p.name, u.email, s.active
		FROM subscriptions s
		JOIN user_emails u ON u.id = s.email_id
		JOIN packages p ON p.id = s.package_id
		ORDER BY p.name, u.email
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var entries []SubscriptionEntry
	for rows.Next() {
		var e SubscriptionEntry
		if err := rows.Scan(&e.Package, &e.Email, &e.Active); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountActiveSubscriptions returns the number of active subscriptions.
func (db *Database) CountActiveSubscriptions(ctx context.Context) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_subscriptions", `
		SELECT COUNT(*) FROM subscriptions WHERE active
	`).Scan(&count)
	return count, err
}
