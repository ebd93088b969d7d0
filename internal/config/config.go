// Package config loads the breeze configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/divijg19/breeze/internal/core"
)

const (
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config is the on-disk configuration shared by both processes.
type Config struct {
	Editor  string        `yaml:"editor,omitempty"`
	Store   StoreConfig   `yaml:"store"`
	Day     DayConfig     `yaml:"day"`
	Game    GameConfig    `yaml:"game"`
	Monitor MonitorConfig `yaml:"monitor"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	// Path is the SQLite file. Empty means the default location (see storage.ResolveDBPath).
	Path      string     `yaml:"path,omitempty"`
	CacheSize int        `yaml:"cache_size"`
	NATS      NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	Bucket        string `yaml:"bucket"`
	ResultSubject string `yaml:"result_subject"`
	Timeout       string `yaml:"timeout"`
}

type DayConfig struct {
	// Cutoff is the local time of day ("HH:MM") at which a logical day ends.
	Cutoff        string `yaml:"cutoff"`
	Timezone      string `yaml:"timezone,omitempty"`
	MorningShield bool   `yaml:"morning_shield"`
}

type GameConfig struct {
	Mode string `yaml:"mode"`
	// Modes maps a game mode to the break kinds it offers.
	Modes            map[string][]string `yaml:"modes"`
	DefaultPreset    string              `yaml:"default_preset"`
	EvolutionCeiling float64             `yaml:"evolution_ceiling"`
}

type MonitorConfig struct {
	// DueCheckInterval is how often the monitor completes timed breaks that ran out.
	DueCheckInterval string `yaml:"due_check_interval"`
	// WatchDebounce coalesces bursts of store writes before the foreground reconciles.
	WatchDebounce string `yaml:"watch_debounce"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:   BackendSQLite,
			CacheSize: 128,
			NATS: NATSConfig{
				URL:           "nats://127.0.0.1:4222",
				Bucket:        "breeze",
				ResultSubject: "breeze.results",
				Timeout:       "2s",
			},
		},
		Day: DayConfig{Cutoff: "00:00"},
		Game: GameConfig{
			Mode: "standard",
			Modes: map[string][]string{
				"standard": {string(core.BreakFree), string(core.BreakCommitted)},
				"hardcore": {string(core.BreakCommitted), string(core.BreakHardcore)},
				"relaxed":  {string(core.BreakFree)},
			},
			DefaultPreset:    string(core.PresetBalanced),
			EvolutionCeiling: core.DefaultEvolutionCeiling,
		},
		Monitor: MonitorConfig{DueCheckInterval: "30s", WatchDebounce: "250ms"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// ConfigPath returns the config file location, honouring BREEZE_CONFIG.
func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv("BREEZE_CONFIG")); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config path: %w", err)
	}
	return filepath.Join(dir, "breeze", "config.yaml"), nil
}

// Load reads the configuration from ConfigPath. A .env file in the working directory is
// applied to the environment first; a missing config file yields Default.
func Load() (Config, error) {
	_ = godotenv.Load()
	path, err := ConfigPath()
	if err != nil {
		return Default(), err
	}
	return LoadFrom(path)
}

// LoadFrom reads path over the defaults. Environment variables in the file are expanded.
func LoadFrom(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Default(), fmt.Errorf("load config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to ConfigPath.
func Save(cfg Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTo(cfg, path)
}

func SaveTo(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("save config: create dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("save config: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	return nil
}

// Validate checks the values that cannot fall back silently.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendNATS:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Backend == BackendNATS && strings.TrimSpace(c.Store.NATS.URL) == "" {
		return fmt.Errorf("store.nats.url: required for the nats backend")
	}
	if _, err := c.Cutoff(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.SelectableKinds(); err != nil {
		return err
	}
	if _, err := core.PresetRates(core.Preset(c.Game.DefaultPreset)); err != nil {
		return fmt.Errorf("game.default_preset: %w", err)
	}
	if c.Game.EvolutionCeiling < 0 || c.Game.EvolutionCeiling > core.MaxWind {
		return fmt.Errorf("game.evolution_ceiling: must be within [0, %g]", core.MaxWind)
	}
	for name, v := range map[string]string{
		"monitor.due_check_interval": c.Monitor.DueCheckInterval,
		"monitor.watch_debounce":     c.Monitor.WatchDebounce,
		"store.nats.timeout":         c.Store.NATS.Timeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// Cutoff parses day.cutoff into an offset from local midnight.
func (c Config) Cutoff() (time.Duration, error) {
	s := strings.TrimSpace(c.Day.Cutoff)
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("day.cutoff: want HH:MM, got %q", c.Day.Cutoff)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Location resolves day.timezone, defaulting to the local zone.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Day.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("day.timezone: %w", err)
	}
	return loc, nil
}

// DayClock combines the cutoff and timezone.
func (c Config) DayClock() (core.DayClock, error) {
	cutoff, err := c.Cutoff()
	if err != nil {
		return core.DayClock{}, err
	}
	loc, err := c.Location()
	if err != nil {
		return core.DayClock{}, err
	}
	return core.DayClock{Location: loc, Cutoff: cutoff}, nil
}

// SelectableKinds returns the break kinds the configured game mode offers.
func (c Config) SelectableKinds() ([]core.BreakKind, error) {
	names, ok := c.Game.Modes[c.Game.Mode]
	if !ok {
		return nil, fmt.Errorf("game.mode: unknown mode %q", c.Game.Mode)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("game.modes.%s: no break kinds", c.Game.Mode)
	}
	kinds := make([]core.BreakKind, 0, len(names))
	for _, n := range names {
		k, err := core.ParseBreakKind(n)
		if err != nil {
			return nil, fmt.Errorf("game.modes.%s: %w", c.Game.Mode, err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// SlogLevel maps logging.level to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(c.Logging.Level) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// Duration parses one of the duration settings, returning def when it is empty or invalid.
func Duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
