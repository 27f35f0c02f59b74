package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Chat.HistoryWindow != 10 {
		t.Errorf("expected history window 10, got %d", cfg.Chat.HistoryWindow)
	}
	if cfg.Chat.DefaultSessionID != "default" {
		t.Errorf("expected default session id 'default', got %q", cfg.Chat.DefaultSessionID)
	}
	if cfg.Chat.SessionIdleTTL != 30*time.Minute {
		t.Errorf("expected session idle ttl 30m, got %v", cfg.Chat.SessionIdleTTL)
	}
	if cfg.Knowledge.TopK != 5 {
		t.Errorf("expected top_k 5, got %d", cfg.Knowledge.TopK)
	}
	if cfg.Knowledge.ChunkSize != 1000 || cfg.Knowledge.ChunkOverlap != 100 {
		t.Errorf("unexpected chunking defaults %d/%d", cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "oracle" }, "database driver"},
		{"bad provider", func(c *Config) { c.LLM.Provider = "llama" }, "llm provider"},
		{"zero window", func(c *Config) { c.Chat.HistoryWindow = 0 }, "history_window"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"knowledge without url", func(c *Config) {
			c.Knowledge.Enabled = true
			c.Knowledge.BaseURL = ""
		}, "knowledge.base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := GetDefaultConfig().Database
	if got := d.DSN(); !strings.Contains(got, "dbname=careline") || !strings.Contains(got, "sslmode=disable") {
		t.Errorf("unexpected postgres dsn %q", got)
	}

	d.Driver = "mysql"
	if got := d.DSN(); !strings.Contains(got, "@tcp(localhost:5432)/careline") {
		t.Errorf("unexpected mysql dsn %q", got)
	}

	d.Driver = "sqlite"
	d.Path = "/tmp/x.db"
	if got := d.DSN(); got != "/tmp/x.db" {
		t.Errorf("unexpected sqlite dsn %q", got)
	}
}

func TestLoad_OverridesFromViper(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("chat.history_window", 4)
	viper.Set("llm.provider", "gemini")
	viper.Set("llm.api_keys", []string{"k1", "k2"})

	cfg := Load()
	if cfg.Chat.HistoryWindow != 4 {
		t.Errorf("expected history window override 4, got %d", cfg.Chat.HistoryWindow)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("expected provider gemini, got %s", cfg.LLM.Provider)
	}
	if len(cfg.LLM.APIKeys) != 2 {
		t.Errorf("expected 2 api keys, got %v", cfg.LLM.APIKeys)
	}
	// untouched keys keep their defaults
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestInitLogger_File(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "file"
	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"
	cfg.Log.FilePath = filepath.Join(t.TempDir(), "logs", "careline.log")

	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	t.Cleanup(func() { logger.SetReportCaller(false) })
	if logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %s", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("expected text formatter, got %T", logger.Formatter)
	}
}

func TestRegisterDefaults_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Setenv("CARELINE_LLM_PROVIDER", "offline")
	t.Setenv("CARELINE_CHAT_HISTORY_WINDOW", "3")

	RegisterDefaults(viper.GetViper())
	viper.SetEnvPrefix("CARELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if got := viper.GetString("server.host"); got != "0.0.0.0" {
		t.Errorf("expected default host registered, got %q", got)
	}
	cfg := Load()
	if cfg.LLM.Provider != "offline" {
		t.Errorf("expected env provider offline, got %s", cfg.LLM.Provider)
	}
	if cfg.Chat.HistoryWindow != 3 {
		t.Errorf("expected env history window 3, got %d", cfg.Chat.HistoryWindow)
	}
}
