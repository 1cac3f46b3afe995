package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkgwatch/herald/consts"
)

// Keyword is a named tag classifying the messages a subscriber wants to
// receive. Keywords flagged as default form the system default set.
type Keyword struct {
	ID      int64
	Name    string
	Default bool
}

// GetAllKeywords returns the global keyword set ordered by name.
func (db *Database) GetAllKeywords(ctx context.Context) ([]Keyword, error) {
	rows, err := db.TimedQuery(ctx, "get_all_keywords", `
		SELECT id, name, default_keyword FROM keywords ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get keywords: %w", err)
	}
	defer rows.Close()

	var keywords []Keyword
	for rows.Next() {
		var k Keyword
		if err := rows.Scan(&k.ID, &k.Name, &k.Default); err != nil {
			return nil, err
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// GetDefaultKeywordNames returns the names of the system default keyword set,
// sorted.
func (db *Database) GetDefaultKeywordNames(ctx context.Context) ([]string, error) {
	rows, err := db.TimedQuery(ctx, "get_default_keywords", `
		SELECT name FROM keywords WHERE default_keyword ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get default keywords: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateKeyword adds a keyword to the global set.
func (db *Database) CreateKeyword(ctx context.Context, name string, isDefault bool) (*Keyword, error) {
	var k Keyword
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO keywords (name, default_keyword)
		VALUES ($1, $2)
		RETURNING id, name, default_keyword
	`, name, isDefault).Scan(&k.ID, &k.Name, &k.Default)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, consts.ErrDBUniqueViolation
		}
		return nil, fmt.Errorf("failed to create keyword: %w", err)
	}
	return &k, nil
}

// KeywordExists reports whether a keyword name is part of the global set.
func (db *Database) KeywordExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "keyword_exists", `
		SELECT EXISTS(SELECT 1 FROM keywords WHERE name = $1)
	`, name).Scan(&exists)
	return exists, err
}

// partitionKeywords splits names into the ones present in the global keyword
// set and the ones that are not, keeping the input order of the unknown names.
func (db *Database) partitionKeywords(ctx context.Context, names []string) (known []string, unknown []string, err error) {
	all, err := db.GetAllKeywords(ctx)
	if err != nil {
		return nil, nil, err
	}
	valid := make(map[string]struct{}, len(all))
	for _, k := range all {
		valid[k.Name] = struct{}{}
	}

	for _, name := range names {
		if _, ok := valid[name]; ok {
			known = append(known, name)
		} else {
			unknown = append(unknown, name)
		}
	}
	return known, unknown, nil
}

// applyKeywordOperation computes the new keyword set for one of the three
// keyword command operations. The result is deduplicated and sorted.
func applyKeywordOperation(operation string, current, names []string) []string {
	set := make(map[string]struct{}, len(current)+len(names))
	switch operation {
	case "+":
		for _, name := range current {
			set[name] = struct{}{}
		}
		for _, name := range names {
			set[name] = struct{}{}
		}
	case "-":
		for _, name := range current {
			set[name] = struct{}{}
		}
		for _, name := range names {
			delete(set, name)
		}
	case "=":
		for _, name := range names {
			set[name] = struct{}{}
		}
	}

	result := make([]string, 0, len(set))
	for name := range set {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
