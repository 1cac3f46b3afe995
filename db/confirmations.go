package db

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pkgwatch/herald/consts"
)

// CommandConfirmation stores a batch of queued control commands behind a
// single-use key. The commands run verbatim once the key is confirmed.
type CommandConfirmation struct {
	ID        int64
	Key       string
	Commands  string
	CreatedAt time.Time
}

// MembershipConfirmation stores a single-use key that unmutes a pending team
// membership once confirmed.
type MembershipConfirmation struct {
	ID           int64
	Key          string
	MembershipID int64
	CreatedAt    time.Time
}

const confirmationKeyChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateConfirmationKey derives a 40 character hex key from 16 random
// alphanumeric characters salted with the identifier.
func generateConfirmationKey(identifier string) (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate confirmation key: %w", err)
	}
	for i, b := range raw {
		raw[i] = confirmationKeyChars[int(b)%len(confirmationKeyChars)]
	}
	salt := sha1.Sum(raw)
	sum := sha1.Sum([]byte(hex.EncodeToString(salt[:]) + identifier))
	return hex.EncodeToString(sum[:]), nil
}

// CreateCommandConfirmation stores the newline-joined command batch behind a
// fresh key. Key clashes are retried a bounded number of times.
func (db *Database) CreateCommandConfirmation(ctx context.Context, identifier, commands string) (*CommandConfirmation, error) {
	for attempt := 0; attempt < consts.MaxConfirmationKeyAttempts; attempt++ {
		key, err := generateConfirmationKey(identifier)
		if err != nil {
			return nil, err
		}

		var c CommandConfirmation
		err = db.GetWritePool().QueryRow(ctx, `
			INSERT INTO command_confirmations (key, commands)
			VALUES ($1, $2)
			RETURNING id, key, commands, created_at
		`, key, commands).Scan(&c.ID, &c.Key, &c.Commands, &c.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				continue
			}
			return nil, fmt.Errorf("failed to create confirmation: %w", err)
		}
		return &c, nil
	}
	return nil, ErrConfirmationKeyExhausted
}

// ConsumeCommandConfirmation resolves a key to its stored command batch and
// deletes it in the same statement, so a key can only ever be confirmed once.
// Keys older than expirationDays resolve as unknown.
func (db *Database) ConsumeCommandConfirmation(ctx context.Context, key string, expirationDays int) (string, error) {
	var commands string
	err := db.GetWritePool().QueryRow(ctx, `
		DELETE FROM command_confirmations
		WHERE key = $1 AND created_at > NOW() - make_interval(days => $2)
		RETURNING commands
	`, key, expirationDays).Scan(&commands)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrConfirmationNotFound
		}
		return "", fmt.Errorf("failed to consume confirmation: %w", err)
	}
	return commands, nil
}

// CreateMembershipConfirmation stores a key that will unmute the given
// membership once confirmed.
func (db *Database) CreateMembershipConfirmation(ctx context.Context, membershipID int64, identifier string) (*MembershipConfirmation, error) {
	for attempt := 0; attempt < consts.MaxConfirmationKeyAttempts; attempt++ {
		key, err := generateConfirmationKey(identifier)
		if err != nil {
			return nil, err
		}

		var c MembershipConfirmation
		err = db.GetWritePool().QueryRow(ctx, `
			INSERT INTO membership_confirmations (key, membership_id)
			VALUES ($1, $2)
			RETURNING id, key, membership_id, created_at
		`, key, membershipID).Scan(&c.ID, &c.Key, &c.MembershipID, &c.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				continue
			}
			return nil, fmt.Errorf("failed to create membership confirmation: %w", err)
		}
		return &c, nil
	}
	return nil, ErrConfirmationKeyExhausted
}

// ConsumeMembershipConfirmation resolves a key, unmutes the membership it
// points to and deletes the key, all in one transaction. Keys older than
// expirationDays resolve as unknown.
func (db *Database) ConsumeMembershipConfirmation(ctx context.Context, key string, expirationDays int) (int64, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, consts.ErrDBBeginTransactionFailed
	}
	defer tx.Rollback(ctx)

	var membershipID int64
	err = tx.QueryRow(ctx, `
		DELETE FROM membership_confirmations
		WHERE key = $1 AND created_at > NOW() - make_interval(days => $2)
		RETURNING membership_id
	`, key, expirationDays).Scan(&membershipID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrConfirmationNotFound
		}
		return 0, fmt.Errorf("failed to consume membership confirmation: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE team_memberships SET muted = FALSE WHERE id = $1
	`, membershipID)
	if err != nil {
		return 0, fmt.Errorf("failed to unmute membership: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, consts.ErrDBCommitTransactionFailed
	}
	return membershipID, nil
}

// CleanupExpiredConfirmations deletes confirmation keys of both kinds that
// are older than expirationDays and returns how many were removed.
func (db *Database) CleanupExpiredConfirmations(ctx context.Context, expirationDays int) (int64, error) {
	var removed int64
	for _, table := range []string{"command_confirmations", "membership_confirmations"} {
		tag, err := db.GetWritePool().Exec(ctx, `
			DELETE FROM `+table+`
			WHERE created_at <= NOW() - make_interval(days => $1)
		`, expirationDays)
		if err != nil {
			return removed, fmt.Errorf("failed to clean up %s: %w", table, err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}
