package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDatabase(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, InitDatabase(context.Background(), path))
	t.Cleanup(CloseDatabase)
}

func TestBotConfigRoundTrip(t *testing.T) {
	setupTestDatabase(t)
	ctx := context.Background()

	v, err := GetBotConfig(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, SetBotConfig(ctx, "last_reg_mode", "guild"))
	require.NoError(t, SetBotConfig(ctx, "last_reg_mode", "global"))

	v, err = GetBotConfig(ctx, "last_reg_mode")
	require.NoError(t, err)
	assert.Equal(t, "global", v)
}

func TestPlayHistoryRoundTrip(t *testing.T) {
	setupTestDatabase(t)
	ctx := context.Background()
	guildID := snowflake.ID(42)

	entry := &QueueEntry{
		Reference: "https://www.youtube.com/watch?v=abc",
		Title:     "A Song",
		Channel:   "A Channel",
		Kind:      SourceCatalog,
		Duration:  3 * time.Minute,
	}
	require.NoError(t, AddPlayHistory(ctx, guildID, entry))

	records, err := GetRecentPlayHistory(ctx, guildID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "A Song", records[0].Title)
	assert.Equal(t, "A Channel", records[0].Channel)
	assert.Equal(t, "catalog", records[0].Kind)
	assert.Equal(t, 3*time.Minute, records[0].Duration)

	count, err := GetPlayHistoryCount(ctx, guildID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPlayHistoryToleratesLegacyNullChannel(t *testing.T) {
	setupTestDatabase(t)
	ctx := context.Background()
	guildID := snowflake.ID(42)

	// Rows written before the channel column existed carry NULL there.
	_, err := DB.ExecContext(ctx, `
		INSERT INTO play_history (guild_id, reference, title, kind)
		VALUES (?, ?, ?, ?)
	`, guildID.String(), "https://youtu.be/old", "Old Song", "direct")
	require.NoError(t, err)

	records, err := GetRecentPlayHistory(ctx, guildID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Old Song", records[0].Title)
	assert.Equal(t, "", records[0].Channel)
}
