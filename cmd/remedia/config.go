package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kastel/remedia/internal/executor"
)

// Config holds all remedia server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string   `json:"db_path"`
	LogLevel        string   `json:"log_level"`
	OllamaURL       string   `json:"ollama_url"`
	Model           string   `json:"model"`
	MonitorEnabled  bool     `json:"monitor_enabled"`
	MonitorSchedule string   `json:"monitor_schedule"`
	TaskTimeoutSecs int      `json:"task_timeout_secs"`
	TaskOutputLimit int      `json:"task_output_limit"`
	WorkDir         string   `json:"work_dir"`
	Guards          []string `json:"guards"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(remediaDir(), "remedia.db"),
		LogLevel:        "info",
		OllamaURL:       "http://localhost:11434",
		Model:           "llama3",
		MonitorEnabled:  true,
		MonitorSchedule: "* * * * *",
		TaskTimeoutSecs: 300,
		TaskOutputLimit: 1024 * 1024,
	}
}

func remediaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".remedia"
	}
	return filepath.Join(home, ".remedia")
}

func settingsPath() string {
	return filepath.Join(remediaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("REMEDIA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REMEDIA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REMEDIA_OLLAMA_URL"); v != "" {
		cfg.OllamaURL = v
	}
	if v := os.Getenv("REMEDIA_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("REMEDIA_MONITOR_ENABLED"); v != "" {
		cfg.MonitorEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("REMEDIA_MONITOR_SCHEDULE"); v != "" {
		cfg.MonitorSchedule = v
	}
	if v := os.Getenv("REMEDIA_TASK_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskTimeoutSecs = n
		}
	}
	if v := os.Getenv("REMEDIA_TASK_OUTPUT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskOutputLimit = n
		}
	}
	if v := os.Getenv("REMEDIA_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("REMEDIA_GUARDS"); v != "" {
		cfg.Guards = splitGuards(v)
	}

	return cfg
}

// executorConfig maps the runtime settings onto the task executor's
// own config type.
func executorConfig(cfg Config) executor.Config {
	return executor.Config{
		Timeout:       time.Duration(cfg.TaskTimeoutSecs) * time.Second,
		MaxOutputSize: int64(cfg.TaskOutputLimit),
		WorkDir:       cfg.WorkDir,
	}
}

// splitGuards parses a semicolon-separated guard expression list.
// Commas appear inside CEL expressions, so they can't be the separator.
func splitGuards(v string) []string {
	var guards []string
	for _, g := range strings.Split(v, ";") {
		if g = strings.TrimSpace(g); g != "" {
			guards = append(guards, g)
		}
	}
	return guards
}
