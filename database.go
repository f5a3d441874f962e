package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// ===========================
// Database
// ===========================

const (
	MsgDBMigrationFail  = "failed to migrate database: %w"
	MsgDBHistoryAddFail = "Failed to record play history: %v"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			reference TEXT NOT NULL,
			title TEXT NOT NULL,
			channel TEXT,
			kind TEXT NOT NULL,
			duration_ms INTEGER DEFAULT 0,
			played_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_play_history_guild_id ON play_history(guild_id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE play_history ADD COLUMN channel TEXT",
		"ALTER TABLE play_history ADD COLUMN duration_ms INTEGER DEFAULT 0",
		"CREATE INDEX IF NOT EXISTS idx_play_history_played_at ON play_history(played_at)",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf(MsgDBMigrationFail, err)
			}
		}
	}

	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// ===========================
// Play History
// ===========================

type PlayRecord struct {
	GuildID   snowflake.ID
	Reference string
	Title     string
	Channel   string
	Kind      string
	Duration  time.Duration
	PlayedAt  time.Time
}

func AddPlayHistory(ctx context.Context, guildID snowflake.ID, entry *QueueEntry) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO play_history (guild_id, reference, title, channel, kind, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, guildID.String(), entry.Reference, entry.Title, entry.Channel, entry.Kind.String(), entry.Duration.Milliseconds())
	return err
}

// GetRecentPlayHistory returns the most recently played distinct titles for
// a guild, newest first. Feeds the empty-query autocomplete suggestions.
func GetRecentPlayHistory(ctx context.Context, guildID snowflake.ID, limit int) ([]*PlayRecord, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT reference, title, COALESCE(channel, ''), kind, duration_ms, MAX(played_at) AS last_played
		FROM play_history
		WHERE guild_id = ?
		GROUP BY reference
		ORDER BY last_played DESC
		LIMIT ?
	`, guildID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*PlayRecord
	for rows.Next() {
		r := &PlayRecord{GuildID: guildID}
		var durationMs int64
		var playedAt string
		if err := rows.Scan(&r.Reference, &r.Title, &r.Channel, &r.Kind, &durationMs, &playedAt); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if t, err := time.Parse("2006-01-02 15:04:05", playedAt); err == nil {
			r.PlayedAt = t
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func GetPlayHistoryCount(ctx context.Context, guildID snowflake.ID) (int, error) {
	var count int
	err := DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM play_history WHERE guild_id = ?", guildID.String()).Scan(&count)
	return count, err
}
