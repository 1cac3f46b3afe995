package db

import (
	"context"
	"fmt"
	"time"
)

// BounceStats aggregates sent and bounced mail counts for one subscriber and
// one calendar day. Only the newest rows up to the configured tolerance
// window are kept per subscriber.
type BounceStats struct {
	ID           int64
	EmailID      int64
	Date         time.Time
	MailsSent    int
	MailsBounced int
}

// AddSentEvent counts one forwarded message for the subscriber on the given
// day, creating the day's row when missing and dropping rows that fall out
// of the tolerance window.
func (db *Database) AddSentEvent(ctx context.Context, email string, date time.Time, days int) error {
	return db.addBounceStatsEvent(ctx, "add_sent_event", email, date, days, `
		INSERT INTO bounce_stats (email_id, date, mails_sent)
		VALUES ($1, $2, 1)
		ON CONFLICT (email_id, date)
		DO UPDATE SET mails_sent = bounce_stats.mails_sent + 1
	`)
}

// AddBounceEvent counts one bounced message for the subscriber on the given
// day, creating the day's row when missing and dropping rows that fall out
// of the tolerance window.
func (db *Database) AddBounceEvent(ctx context.Context, email string, date time.Time, days int) error {
	return db.addBounceStatsEvent(ctx, "add_bounce_event", email, date, days, `
		INSERT INTO bounce_stats (email_id, date, mails_bounced)
		VALUES ($1, $2, 1)
		ON CONFLICT (email_id, date)
		DO UPDATE SET mails_bounced = bounce_stats.mails_bounced + 1
	`)
}

func (db *Database) addBounceStatsEvent(ctx context.Context, operation, email string, date time.Time, days int, upsertSQL string) error {
	ue, err := db.GetOrCreateUserEmail(ctx, email)
	if err != nil {
		return err
	}

	if err := db.TimedExec(ctx, operation, upsertSQL, ue.ID, date); err != nil {
		return fmt.Errorf("failed to record bounce stats event: %w", err)
	}

	// Keep only the newest rows within the tolerance window.
	err = db.TimedExec(ctx, "prune_bounce_stats", `
		DELETE FROM bounce_stats
		WHERE email_id = $1 AND id NOT IN (
			SELECT id FROM bounce_stats
			WHERE email_id = $1
			ORDER BY date DESC
			LIMIT $2
		)
	`, ue.ID, days)
	if err != nil {
		return fmt.Errorf("failed to prune bounce stats: %w", err)
	}
	return nil
}

// HasTooManyBounces reports whether every one of the subscriber's newest
// rows within the tolerance window saw at least as many bounces as sent
// mails. Days without sent mail cannot count against the subscriber, and a
// history shorter than the window never qualifies.
func (db *Database) HasTooManyBounces(ctx context.Context, email string, days int) (bool, error) {
	var count int
	err := db.TimedQueryRow(ctx, "has_too_many_bounces", `
		SELECT COUNT(*) FROM (
			SELECT bs.mails_sent, bs.mails_bounced
			FROM bounce_stats bs
			JOIN user_emails u ON u.id = bs.email_id
			WHERE LOWER(u.email) = LOWER($1)
			ORDER BY bs.date DESC
			LIMIT $2
		) recent
		WHERE recent.mails_sent > 0 AND recent.mails_bounced >= recent.mails_sent
	`, email, days).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check bounce stats: %w", err)
	}
	return count == days, nil
}

// GetBounceStats returns the subscriber's bounce history, newest day first.
func (db *Database) GetBounceStats(ctx context.Context, email string, limit int) ([]BounceStats, error) {
	rows, err := db.TimedQuery(ctx, "get_bounce_stats", `
		SELECT bs.id, bs.email_id, bs.date, bs.mails_sent, bs.mails_bounced
		FROM bounce_stats bs
		JOIN user_emails u ON u.id = bs.email_id
		WHERE LOWER(u.email) = LOWER($1)
		ORDER BY bs.date DESC
		LIMIT $2
	`, email, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get bounce stats: %w", err)
	}
	defer rows.Close()

	var stats []BounceStats
	for rows.Next() {
		var s BounceStats
		if err := rows.Scan(&s.ID, &s.EmailID, &s.Date, &s.MailsSent, &s.MailsBounced); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
