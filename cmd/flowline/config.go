package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the process configuration, resolved in three layers: defaults,
// then ~/.flowline/settings.json, then FLOWLINE_* environment variables.
type Config struct {
	ListenAddr         string `json:"listen_addr"`
	DBPath             string `json:"db_path"`
	LogLevel           string `json:"log_level"`
	TickSchedule       string `json:"tick_schedule"`
	FallbackAssigneeID string `json:"fallback_assignee_id"`
	BatchSize          int    `json:"batch_size"`
	MaxLoops           int    `json:"max_loops"`
}

func defaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ListenAddr:   ":8080",
		DBPath:       filepath.Join(home, ".flowline", "flowline.db"),
		LogLevel:     "info",
		TickSchedule: "* * * * *",
	}
}

// LoadConfig resolves the effective configuration.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()

	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".flowline", "settings.json")
		if data, err := os.ReadFile(path); err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if cfg.DBPath == "" {
		return Config{}, fmt.Errorf("db_path must not be empty")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOWLINE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FLOWLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWLINE_TICK_SCHEDULE"); v != "" {
		cfg.TickSchedule = v
	}
	if v := os.Getenv("FLOWLINE_FALLBACK_ASSIGNEE"); v != "" {
		cfg.FallbackAssigneeID = v
	}
	if v := os.Getenv("FLOWLINE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("FLOWLINE_MAX_LOOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxLoops = n
		}
	}
}
