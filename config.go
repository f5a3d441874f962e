package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ===========================
// Configuration
// ===========================

const (
	MsgConfigInvalidGuildID    = "invalid GUILD_ID: must be a valid Snowflake"
	MsgConfigInvalidIdle       = "invalid PLAYER_IDLE_TIMEOUT: %w"
	MsgConfigInvalidResolve    = "invalid PLAYER_RESOLVE_TIMEOUT: %w"
	MsgConfigInvalidVolume     = "invalid PLAYER_DEFAULT_VOLUME: must be 0-200"
	DefaultPlayerIdleTimeout   = 5 * time.Minute
	DefaultPlayerResolveLimit  = 20 * time.Second
	DefaultPlayerVolumePercent = 100

	// Environment Variables
	EnvDiscordToken   = "DISCORD_TOKEN"
	EnvSilent         = "SILENT"
	EnvOwnerIDs       = "OWNER_IDS"
	EnvGuildID        = "GUILD_ID"
	EnvIdleTimeout    = "PLAYER_IDLE_TIMEOUT"
	EnvResolveTimeout = "PLAYER_RESOLVE_TIMEOUT"
	EnvDefaultVolume  = "PLAYER_DEFAULT_VOLUME"
	EnvYtdlpProxy     = "YTDLP_PROXY"
)

type Config struct {
	Token          string
	GuildID        string
	DatabasePath   string
	OwnerIDs       []string
	Silent         bool
	IdleTimeout    time.Duration
	ResolveTimeout time.Duration
	DefaultVolume  int
	YtdlpProxy     string
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv(EnvDiscordToken)
	dbPath := filepath.Join(".", GetProjectName()+".db")

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	ownerIDsStr := os.Getenv(EnvOwnerIDs)
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:          token,
		GuildID:        os.Getenv(EnvGuildID),
		DatabasePath:   dbPath,
		OwnerIDs:       ownerIDs,
		Silent:         silent,
		IdleTimeout:    DefaultPlayerIdleTimeout,
		ResolveTimeout: DefaultPlayerResolveLimit,
		DefaultVolume:  DefaultPlayerVolumePercent,
		YtdlpProxy:     os.Getenv(EnvYtdlpProxy),
	}

	// PLAYER_IDLE_TIMEOUT=0 disables idle teardown entirely.
	if raw := os.Getenv(EnvIdleTimeout); raw != "" {
		d, err := ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf(MsgConfigInvalidIdle, err)
		}
		cfg.IdleTimeout = d
	}
	if raw := os.Getenv(EnvResolveTimeout); raw != "" {
		d, err := ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf(MsgConfigInvalidResolve, err)
		}
		if d > 0 {
			cfg.ResolveTimeout = d
		}
	}
	if raw := os.Getenv(EnvDefaultVolume); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 200 {
			return nil, fmt.Errorf(MsgConfigInvalidVolume)
		}
		cfg.DefaultVolume = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
