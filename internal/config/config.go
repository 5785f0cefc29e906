// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/mentorbot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	BotToken       string
	DataDir        string        `validate:"required"`
	SessionDBPath  string        `validate:"required"`
	OpsPort        string        `validate:"required,numeric"`
	OpsToken       string
	FrontendURL    string
	BackupRetain   int           `validate:"gte=1"`
	DeliveryRate   float64       `validate:"gt=0"`
	SessionTTL     time.Duration `validate:"gt=0"`
	TelegramAPIURL string        `validate:"required,url"`
	PollTimeout    time.Duration `validate:"gte=0"`
	LogLevel       string        `validate:"oneof=debug info warn error"`
	CommunityFile  string
	ReportChatID   string
	ReportTime     string        `validate:"omitempty,datetime=15:04"`
	Community      Community
}

// Community is the roster and level ladder of the community served.
type Community struct {
	SuperAdmin   string   `yaml:"superadmin"`
	Coordinators []string `yaml:"coordinators"`
	Levels       []string `yaml:"levels"`
}

// Roster returns the privileged accounts.
func (c Community) Roster() domain.Roster {
	return domain.Roster{SuperAdmin: c.SuperAdmin, Coordinators: c.Coordinators}
}

// Ladder returns the configured level ladder.
func (c Community) Ladder() domain.Ladder {
	out := make(domain.Ladder, len(c.Levels))
	for i, l := range c.Levels {
		out[i] = domain.Level(l)
	}
	return out
}

// Load reads configuration from environment variables and the optional
// community file.
func Load() (*Config, error) {
	return load(true)
}

// LoadOffline is Load for tools that only touch the data directory; it
// does not require BOT_TOKEN.
func LoadOffline() (*Config, error) {
	return load(false)
}

func load(online bool) (*Config, error) {
	ladder := domain.DefaultLadder()
	levels := make([]string, len(ladder))
	for i, l := range ladder {
		levels[i] = string(l)
	}

	dataDir := getEnv("DATA_DIR", "./data")
	cfg := &Config{
		BotToken:       strings.TrimSpace(os.Getenv("BOT_TOKEN")),
		DataDir:        dataDir,
		SessionDBPath:  getEnv("SESSION_DB_PATH", dataDir+"/sessions.db"),
		OpsPort:        getEnv("OPS_PORT", "8080"),
		OpsToken:       getEnv("OPS_TOKEN", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		BackupRetain:   getEnvInt("BACKUP_RETAIN", 20),
		DeliveryRate:   getEnvFloat("DELIVERY_RATE", 20),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		TelegramAPIURL: strings.TrimRight(getEnv("TELEGRAM_API_URL", "https://api.telegram.org"), "/"),
		PollTimeout:    time.Duration(getEnvInt("POLL_TIMEOUT", 30)) * time.Second,
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		CommunityFile:  getEnv("COMMUNITY_FILE", ""),
		ReportChatID:   getEnv("REPORT_CHAT_ID", ""),
		ReportTime:     getEnv("REPORT_TIME", "23:59"),
		Community: Community{
			SuperAdmin:   getEnv("SUPERADMIN_ID", ""),
			Coordinators: getEnvList("COORDINATOR_IDS"),
			Levels:       levels,
		},
	}

	if cfg.CommunityFile != "" {
		if err := cfg.loadCommunity(cfg.CommunityFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(online); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadCommunity overlays the non-empty fields of a YAML community file.
func (c *Config) loadCommunity(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read community file: %w", err)
	}
	var file Community
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse community file %s: %w", path, err)
	}
	if file.SuperAdmin != "" {
		c.Community.SuperAdmin = file.SuperAdmin
	}
	if len(file.Coordinators) > 0 {
		c.Community.Coordinators = file.Coordinators
	}
	if len(file.Levels) > 0 {
		c.Community.Levels = file.Levels
	}
	return nil
}

var validate = validator.New()

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	return c.validate(true)
}

func (c *Config) validate(online bool) error {
	if online && c.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	if len(c.Community.Levels) == 0 {
		return errors.New("community must define at least one level")
	}
	seen := make(map[string]bool, len(c.Community.Levels))
	for _, l := range c.Community.Levels {
		if strings.TrimSpace(l) == "" {
			return errors.New("community levels cannot be empty")
		}
		if seen[l] {
			return fmt.Errorf("community level %q is listed twice", l)
		}
		seen[l] = true
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90m") or a bare number of minutes.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Minute
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
