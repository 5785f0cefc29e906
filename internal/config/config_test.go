package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresBotToken(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() without BOT_TOKEN returned nil error")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("DATA_DIR", "/srv/mentor")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionDBPath != "/srv/mentor/sessions.db" {
		t.Errorf("SessionDBPath = %q", cfg.SessionDBPath)
	}
	if cfg.OpsPort != "8080" || cfg.BackupRetain != 20 || cfg.SessionTTL != time.Hour {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Community.Ladder()) != 5 {
		t.Errorf("default ladder = %v", cfg.Community.Ladder())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("SESSION_TTL", "15")
	t.Setenv("DELIVERY_RATE", "2.5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("COORDINATOR_IDS", " 7, 8 ,")
	t.Setenv("TELEGRAM_API_URL", "http://localhost:9000/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionTTL != 15*time.Minute {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.DeliveryRate != 2.5 {
		t.Errorf("DeliveryRate = %v", cfg.DeliveryRate)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("SlogLevel() = %v", cfg.SlogLevel())
	}
	if got := cfg.Community.Coordinators; len(got) != 2 || got[0] != "7" || got[1] != "8" {
		t.Errorf("Coordinators = %v", got)
	}
	if cfg.TelegramAPIURL != "http://localhost:9000" {
		t.Errorf("TelegramAPIURL = %q", cfg.TelegramAPIURL)
	}
}

func TestLoadCommunityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "community.yaml")
	body := "superadmin: \"1\"\ncoordinators: [\"2\", \"3\"]\nlevels: [white, yellow, black]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("SUPERADMIN_ID", "99")
	t.Setenv("COMMUNITY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	roster := cfg.Community.Roster()
	if !roster.IsSuperAdmin("1") || !roster.IsAdmin("3") || roster.IsAdmin("99") {
		t.Errorf("roster = %+v", roster)
	}
	if l := cfg.Community.Ladder(); len(l) != 3 || l.Rank("black") != 2 {
		t.Errorf("ladder = %v", l)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			BotToken:       "t",
			DataDir:        "d",
			SessionDBPath:  "d/s.db",
			OpsPort:        "8080",
			BackupRetain:   1,
			DeliveryRate:   1,
			SessionTTL:     time.Minute,
			TelegramAPIURL: "https://api.telegram.org",
			LogLevel:       "info",
			ReportTime:     "23:59",
			Community:      Community{Levels: []string{"a", "b"}},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.OpsPort = "http" }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"retention", func(c *Config) { c.BackupRetain = 0 }},
		{"rate", func(c *Config) { c.DeliveryRate = 0 }},
		{"report time", func(c *Config) { c.ReportTime = "25:99" }},
		{"no levels", func(c *Config) { c.Community.Levels = nil }},
		{"duplicate level", func(c *Config) { c.Community.Levels = []string{"a", "a"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("Validate() returned nil")
			}
		})
	}
}

func TestLoadOfflineSkipsBotToken(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	t.Setenv("DATA_DIR", t.TempDir())
	cfg, err := LoadOffline()
	if err != nil {
		t.Fatalf("LoadOffline() error = %v", err)
	}
	if cfg.BotToken != "" {
		t.Fatalf("BotToken = %q", cfg.BotToken)
	}
}
