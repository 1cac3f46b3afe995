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

// UserEmail represents a subscriber address together with its default
// keyword set. A nil DefaultKeywords means the system default set applies.
type UserEmail struct {
	ID              int64
	Email           string
	DefaultKeywords []string
	CreatedAt       time.Time
}

// GetUserEmail looks up a subscriber address case-insensitively.
func (db *Database) GetUserEmail(ctx context.Context, email string) (*UserEmail, error) {
	var ue UserEmail
	err := db.TimedQueryRow(ctx, "get_user_email", `
		SELECT id, email, default_keywords, created_at
		FROM user_emails
		WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&ue.ID, &ue.Email, &ue.DefaultKeywords, &ue.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmailNotFound
		}
		return nil, fmt.Errorf("failed to get user email: %w", err)
	}
	return &ue, nil
}

// GetOrCreateUserEmail returns the subscriber record for the address,
// creating it on first contact.
func (db *Database) GetOrCreateUserEmail(ctx context.Context, email string) (*UserEmail, error) {
	ue, err := db.GetUserEmail(ctx, email)
	if err == nil {
		return ue, nil
	}
	if !errors.Is(err, ErrEmailNotFound) {
		return nil, err
	}

	ue = &UserEmail{}
	err = db.GetWritePool().QueryRow(ctx, `
		INSERT INTO user_emails (email)
		VALUES ($1)
		RETURNING id, email, default_keywords, created_at
	`, email).Scan(&ue.ID, &ue.Email, &ue.DefaultKeywords, &ue.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			// Lost the race to a concurrent insert.
			return db.GetUserEmail(ctx, email)
		}
		return nil, fmt.Errorf("failed to create user email: %w", err)
	}
	return ue, nil
}

// EffectiveDefaultKeywords resolves the default keyword set for a subscriber:
// their own set if they ever overrode it, the system default set otherwise.
func (db *Database) EffectiveDefaultKeywords(ctx context.Context, ue *UserEmail) ([]string, error) {
	if ue.DefaultKeywords != nil {
		return append([]string(nil), ue.DefaultKeywords...), nil
	}
	return db.GetDefaultKeywordNames(ctx)
}

// UpdateDefaultKeywords applies a keyword operation ("+", "-" or "=") to a
// subscriber's default keyword set. Unknown keyword names are skipped and
// returned so the caller can warn about them. The returned list is the new
// effective set, sorted.
func (db *Database) UpdateDefaultKeywords(ctx context.Context, email string, operation string, names []string) (updated []string, unknown []string, err error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, nil, consts.ErrDBBeginTransactionFailed
	}
	defer tx.Rollback(ctx)

	ue, err := db.GetOrCreateUserEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}

	var current []string
	err = tx.QueryRow(ctx, `
		SELECT default_keywords FROM user_emails WHERE id = $1 FOR UPDATE
	`, ue.ID).Scan(&current)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock user email: %w", err)
	}
	if current == nil {
		current, err = db.GetDefaultKeywordNames(ctx)
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
		UPDATE user_emails SET default_keywords = $2 WHERE id = $1
	`, ue.ID, updated)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update default keywords: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, consts.ErrDBCommitTransactionFailed
	}
	return updated, unknown, nil
}
