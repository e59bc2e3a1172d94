// Package config loads the gateway's configuration: a JSON file overlaid
// with environment variable overrides, following the same two-step
// load-then-env.Parse convention used throughout this codebase's ambient
// stack.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the gateway's top-level configuration (spec §6).
type Config struct {
	Workspace string          `json:"workspace" env:"GATEWAY_WORKSPACE"`
	Channels  ChannelsConfig  `json:"channels"`
	Cron      CronConfig      `json:"cron"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Log       LogConfig       `json:"log"`
}

// ChannelsConfig groups the two named adapter archetypes' configuration.
type ChannelsConfig struct {
	Discord DiscordConfig `json:"discord"`
	Feishu  FeishuConfig  `json:"feishu"`
}

// DiscordConfig is the archetype-A adapter's configuration surface.
type DiscordConfig struct {
	Enabled    bool     `json:"enabled"     env:"GATEWAY_CHANNELS_DISCORD_ENABLED"`
	Token      string   `json:"token"       env:"GATEWAY_CHANNELS_DISCORD_TOKEN"`
	GatewayURL string   `json:"gateway_url" env:"GATEWAY_CHANNELS_DISCORD_GATEWAY_URL"`
	Intents    int      `json:"intents"     env:"GATEWAY_CHANNELS_DISCORD_INTENTS"`
	AllowFrom  []string `json:"allow_from"  env:"GATEWAY_CHANNELS_DISCORD_ALLOW_FROM"`
}

// FeishuConfig is the archetype-B adapter's configuration surface.
type FeishuConfig struct {
	Enabled   bool     `json:"enabled"    env:"GATEWAY_CHANNELS_FEISHU_ENABLED"`
	AppID     string   `json:"app_id"     env:"GATEWAY_CHANNELS_FEISHU_APP_ID"`
	AppSecret string   `json:"app_secret" env:"GATEWAY_CHANNELS_FEISHU_APP_SECRET"`
	AllowFrom []string `json:"allow_from" env:"GATEWAY_CHANNELS_FEISHU_ALLOW_FROM"`
}

// CronConfig configures the persistent scheduled-job service.
type CronConfig struct {
	StorePath string `json:"store_path" env:"GATEWAY_CRON_STORE_PATH"`
}

// HeartbeatConfig configures the periodic workspace check-in service.
type HeartbeatConfig struct {
	Enabled  bool          `json:"enabled"  env:"GATEWAY_HEARTBEAT_ENABLED"`
	Interval time.Duration `json:"interval" env:"GATEWAY_HEARTBEAT_INTERVAL"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level     string `json:"level"      env:"GATEWAY_LOG_LEVEL"`
	Component string `json:"component"  env:"GATEWAY_LOG_COMPONENT_FILTER"`
	FilePath  string `json:"file_path"  env:"GATEWAY_LOG_FILE_PATH"`
}

// Default returns a Config with the gateway's baseline defaults, before
// any file or environment overlay is applied.
func Default() *Config {
	return &Config{
		Workspace: ".",
		Cron:      CronConfig{StorePath: "cron_store.json"},
		Heartbeat: HeartbeatConfig{Enabled: true, Interval: 30 * time.Minute},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path as JSON over Default(), then applies environment
// variable overrides. A missing file is not an error — it just means the
// defaults (plus any env overrides) are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}
