package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bounceWindowDays = 4

func setupBounceTestDatabase(t *testing.T) (*Database, string) {
	db := setupTestDatabase(t)
	testEmail := fmt.Sprintf("bounce_%s_%d@example.com", t.Name(), time.Now().UnixNano())
	return db, testEmail
}

func day(offset int) time.Time {
	base := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, offset)
}

func TestBounceStatsAccumulation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db, testEmail := setupBounceTestDatabase(t)
	defer db.Close()

	ctx := context.Background()

	// Two sends and a bounce on the same day end up in one row
	require.NoError(t, db.AddSentEvent(ctx, testEmail, day(0), bounceWindowDays))
	require.NoError(t, db.AddSentEvent(ctx, testEmail, day(0), bounceWindowDays))
	require.NoError(t, db.AddBounceEvent(ctx, testEmail, day(0), bounceWindowDays))

	stats, err := db.GetBounceStats(ctx, testEmail, 10)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].MailsSent)
	assert.Equal(t, 1, stats[0].MailsBounced)
}

func TestBounceStatsPruning(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db, testEmail := setupBounceTestDatabase(t)
	defer db.Close()

	ctx := context.Background()

	// Six distinct days with a four day window leaves the newest four
	for offset := 0; offset < 6; offset++ {
		require.NoError(t, db.AddSentEvent(ctx, testEmail, day(offset), bounceWindowDays))
	}

	stats, err := db.GetBounceStats(ctx, testEmail, 10)
	require.NoError(t, err)
	require.Len(t, stats, bounceWindowDays)
	assert.Equal(t, day(5).Format("2006-01-02"), stats[0].Date.Format("2006-01-02"))
	assert.Equal(t, day(2).Format("2006-01-02"), stats[len(stats)-1].Date.Format("2006-01-02"))
}

func TestHasTooManyBounces(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	db, testEmail := setupBounceTestDatabase(t)
	defer db.Close()

	ctx := context.Background()

	// Test 1: A history shorter than the window never qualifies
	require.NoError(t, db.AddSentEvent(ctx, testEmail, day(0), bounceWindowDays))
	require.NoError(t, db.AddBounceEvent(ctx, testEmail, day(0), bounceWindowDays))

	tooMany, err := db.HasTooManyBounces(ctx, testEmail, bounceWindowDays)
	require.NoError(t, err)
	assert.False(t, tooMany)

	// Test 2: A full window of bouncing days qualifies
	for offset := 1; offset < bounceWindowDays; offset++ {
		require.NoError(t, db.AddSentEvent(ctx, testEmail, day(offset), bounceWindowDays))
		require.NoError(t, db.AddBounceEvent(ctx, testEmail, day(offset), bounceWindowDays))
	}

	tooMany, err = db.HasTooManyBounces(ctx, testEmail, bounceWindowDays)
	require.NoError(t, err)
	assert.True(t, tooMany)

	// Test 3: One healthy delivery day in the window clears the flag
	require.NoError(t, db.AddSentEvent(ctx, testEmail, day(bounceWindowDays), bounceWindowDays))

	tooMany, err = db.HasTooManyBounces(ctx, testEmail, bounceWindowDays)
	require.NoError(t, err)
	assert.False(t, tooMany)

	// Test 4: An unknown subscriber has no bounce problem
	tooMany, err = db.HasTooManyBounces(ctx, "unknown_"+testEmail, bounceWindowDays)
	require.NoError(t, err)
	assert.False(t, tooMany)
}
