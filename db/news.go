package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// NewsItem records one news entry for a package. Items created from raw
// email messages keep their body in object storage referenced by
// ContentHash; generated items such as link announcements carry their body
// inline in Content.
type NewsItem struct {
	ID          int64
	PackageID   int64
	Package     string
	Title       string
	ContentType string
	ContentHash string
	Content     string
	CreatedBy   string
	CreatedAt   time.Time
}

// CreateNews stores a news item for an existing package. Exactly one of
// contentHash and content should be set. The package is never created here,
// so mail about unknown packages cannot grow the package table.
func (db *Database) CreateNews(ctx context.Context, packageName, title, contentType, contentHash, content, createdBy string) (*NewsItem, error) {
	pkg, err := db.GetPackageByName(ctx, packageName)
	if err != nil {
		return nil, err
	}

	item := NewsItem{Package: pkg.Name}
	err = db.GetWritePool().QueryRow(ctx, `
		INSERT INTO news (package_id, title, content_type, content_hash, content, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6)
		RETURNING id, package_id, title, content_type,
			COALESCE(content_hash, ''), COALESCE(content, ''), created_by, created_at
	`, pkg.ID, title, contentType, contentHash, content, createdBy).Scan(
		&item.ID, &item.PackageID, &item.Title, &item.ContentType,
		&item.ContentHash, &item.Content, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create news item: %w", err)
	}
	return &item, nil
}

// GetNewsByID looks up one news item.
func (db *Database) GetNewsByID(ctx context.Context, id int64) (*NewsItem, error) {
	var item NewsItem
	err := db.TimedQueryRow(ctx, "get_news", `
		SELECT n.id, n.package_id, p.name, n.title, n.content_type,
			COALESCE(n.content_hash, ''), COALESCE(n.content, ''), n.created_by, n.created_at
		FROM news n
		JOIN packages p ON p.id = n.package_id
		WHERE n.id = $1
	`, id).Scan(
		&item.ID, &item.PackageID, &item.Package, &item.Title, &item.ContentType,
		&item.ContentHash, &item.Content, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNewsNotFound
		}
		return nil, fmt.Errorf("failed to get news item: %w", err)
	}
	return &item, nil
}

// GetLatestNews returns a package's newest news items.
func (db *Database) GetLatestNews(ctx context.Context, packageName string, limit int) ([]NewsItem, error) {
	rows, err := db.TimedQuery(ctx, "get_latest_news", `
		SELECT n.id, n.package_id, p.name, n.title, n.content_type,
			COALESCE(n.content_hash, ''), COALESCE(n.content, ''), n.created_by, n.created_at
		FROM news n
		JOIN packages p ON p.id = n.package_id
		WHERE p.name = $1
		ORDER BY n.created_at DESC, n.id DESC
		LIMIT $2
	`, packageName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get news items: %w", err)
	}
	defer rows.Close()

	var items []NewsItem
	for rows.Next() {
		var item NewsItem
		if err := rows.Scan(
			&item.ID, &item.PackageID, &item.Package, &item.Title, &item.ContentType,
			&item.ContentHash, &item.Content, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountNews returns the total number of news items.
func (db *Database) CountNews(ctx context.Context) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_news", `SELECT COUNT(*) FROM news`).Scan(&count)
	return count, err
}
