package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	xdgAppName = "todocal"
	configFile = "config.yaml"
)

type Config struct {
	Database   string     `yaml:"database"`
	Timezone   string     `yaml:"timezone,omitempty"`
	Log        Log        `yaml:"log"`
	Daemon     Daemon     `yaml:"daemon"`
	Retry      Retry      `yaml:"retry"`
	Projects   Projects   `yaml:"projects"`
	Events     Events     `yaml:"events"`
	Appearance Appearance `yaml:"appearance"`
	Icons      Icons      `yaml:"icons"`
}

type Log struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Verbose    bool   `yaml:"verbose"`
}

type Daemon struct {
	RefreshRate  time.Duration `yaml:"refresh_rate"`
	ConnErrDelay time.Duration `yaml:"conn_err_delay"`
	QuotaPause   time.Duration `yaml:"quota_pause"`
	// ActivityDelay is waited before reading the activity log, which the
	// tracker fills asynchronously.
	ActivityDelay time.Duration `yaml:"activity_delay"`
	// A side failing BreakerThreshold cycles in a row is skipped for
	// BreakerCooldown.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      bool          `yaml:"jitter"`
}

// Projects lists project names by classification.
type Projects struct {
	Excluded   []string `yaml:"excluded"`
	Standalone []string `yaml:"standalone"`
}

type Events struct {
	Reminders []Reminder `yaml:"reminders"`
}

type Reminder struct {
	Method  string `yaml:"method"`
	Minutes int    `yaml:"minutes"`
}

type Appearance struct {
	RecurringIcon          bool `yaml:"recurring_icon"`
	RecurringIconCompleted bool `yaml:"recurring_icon_completed"`
}

// Icons configures every glyph the event name codec may emit.
type Icons struct {
	Basic BasicIcons `yaml:"basic"`
	// Priority holds the glyphs for priority 4, 3, 2 and 1, in that order.
	Priority       []string          `yaml:"priority"`
	Labels         []LabelIcon       `yaml:"labels"`
	Parser         []ParserCategory  `yaml:"parser"`
	Projects       map[string]string `yaml:"projects"`
	ParentProjects map[string]string `yaml:"parent_projects"`
	// Extra tokens treated as icons when decoding titles.
	Extra []string `yaml:"extra"`
}

type BasicIcons struct {
	Recurring string `yaml:"recurring"`
	URL       string `yaml:"url"`
	Overdue   string `yaml:"overdue"`
	Completed string `yaml:"completed"`
	Notes     string `yaml:"notes"`
}

type LabelIcon struct {
	Label string `yaml:"label"`
	Icon  string `yaml:"icon"`
}

// ParserCategory is an ordered rule list; the first matching rule wins.
type ParserCategory struct {
	Name  string       `yaml:"name"`
	Rules []ParserRule `yaml:"rules"`
}

// ParserRule matches when any keyword is a word of the task content. A
// non-empty Project also requires the task's project name to match.
type ParserRule struct {
	Icon     string   `yaml:"icon"`
	Keywords []string `yaml:"keywords"`
	Project  string   `yaml:"project,omitempty"`
}

func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

func GetConfigDir() (string, error) {
	xdgHome, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(xdgHome, ".config", xdgAppName), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir, err := GetConfigDir()
	if err != nil {
		dir = "."
	}
	return &Config{
		Database: filepath.Join(dir, "state.db"),
		Log: Log{
			File:       filepath.Join(dir, "todocal.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Daemon: Daemon{
			RefreshRate:   10 * time.Second,
			ConnErrDelay:  60 * time.Second,
			QuotaPause:    24 * time.Hour,
			ActivityDelay: 2 * time.Second,

			BreakerThreshold: 5,
			BreakerCooldown:  5 * time.Minute,
		},
		Retry: Retry{
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    32 * time.Second,
			Jitter:      true,
		},
		Events: Events{
			Reminders: []Reminder{{Method: "popup", Minutes: 300}},
		},
		Appearance: Appearance{RecurringIcon: true},
		Icons: Icons{
			Basic: BasicIcons{
				Recurring: "🔁",
				URL:       "🔗",
				Overdue:   "❗",
				Completed: "✓",
				Notes:     "✉",
			},
			Priority: []string{"🔴", "🟠", "🟡", "⚪"},
		},
	}
}

// Load reads the configuration at path, or the default location when path
// is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = GetConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Database = expandHome(cfg.Database)
	cfg.Log.File = expandHome(cfg.Log.File)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, or the default location when path is empty.
func Save(cfg *Config, path string) error {
	if path == "" {
		var err error
		path, err = GetConfigPath()
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Daemon.RefreshRate <= 0 {
		errs = append(errs, errors.New("daemon.refresh_rate must be positive"))
	}
	if c.Daemon.ConnErrDelay < 0 || c.Daemon.QuotaPause < 0 || c.Daemon.ActivityDelay < 0 {
		errs = append(errs, errors.New("daemon delays must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if n := len(c.Icons.Priority); n != 0 && n != 4 {
		errs = append(errs, fmt.Errorf("icons.priority needs 4 glyphs, got %d", n))
	}
	for _, r := range c.Events.Reminders {
		if r.Minutes < 0 {
			errs = append(errs, fmt.Errorf("reminder minutes must not be negative: %d", r.Minutes))
		}
		switch r.Method {
		case "popup", "email":
		default:
			errs = append(errs, fmt.Errorf("unknown reminder method %q", r.Method))
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// IsExcluded reports whether name is listed under projects.excluded.
func (c *Config) IsExcluded(name string) bool {
	return containsFold(c.Projects.Excluded, name)
}

// IsStandalone reports whether name is listed under projects.standalone.
func (c *Config) IsStandalone(name string) bool {
	return containsFold(c.Projects.Standalone, name)
}

func containsFold(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
