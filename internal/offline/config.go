package offline

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port       int    `yaml:"port"`
		Origin     string `yaml:"origin"`
		ScriptPath string `yaml:"scriptPath"`
	} `yaml:"server"`

	Cache WorkerConfig `yaml:"cache"`

	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"storage"`

	Fetch struct {
		Timeout               string `yaml:"timeout"`
		MaxBody               string `yaml:"maxBody"`
		RevalidateConcurrency int    `yaml:"revalidateConcurrency"`

		timeoutDur   time.Duration
		maxBodyBytes int64
	} `yaml:"fetch"`

	Warm struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
		Every        string   `yaml:"every"`

		initialDelayDur time.Duration
		everyDur        time.Duration
	} `yaml:"warm"`

	Controller struct {
		UpdateEvery   string `yaml:"updateEvery"`
		ToastDuration string `yaml:"toastDuration"`

		updateEveryDur   time.Duration
		toastDurationDur time.Duration
	} `yaml:"controller"`

	Notifications NotificationConfig `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level"`
		Development   bool   `yaml:"development"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// WorkerConfig is everything a single worker generation is built from.
// Re-reading it is how a newer version of the worker is detected.
type WorkerConfig struct {
	Generation    string   `yaml:"generation"`
	Prefix        string   `yaml:"prefix"`
	Precache      []string `yaml:"precache"`
	Fallback      string   `yaml:"fallback"`
	ExcludedHosts []string `yaml:"excludedHosts"`
}

type NotificationConfig struct {
	Title       string   `yaml:"title"`
	DefaultBody string   `yaml:"defaultBody"`
	Icon        string   `yaml:"icon"`
	URLs        []string `yaml:"urls"`
}

const (
	DefaultScriptPath   = "/service-worker.js"
	DefaultExcludedHost = "apps.abacus.ai"
	DefaultFallback     = "/index.html"
)

var defaultPrecache = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/app.js",
	"/manifest.json",
	"/icon-192x192.png",
	"/icon-512x512.png",
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	err := yaml.Unmarshal(b, &cfg)
	if err != nil {
		return Config{}, err
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if u, err := url.Parse(cfg.Server.Origin); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Config{}, fmt.Errorf("server.origin: invalid url %q", cfg.Server.Origin)
	}
	if cfg.Server.ScriptPath == "" {
		cfg.Server.ScriptPath = DefaultScriptPath
	}

	if err := cfg.Cache.normalize(); err != nil {
		return Config{}, fmt.Errorf("cache: %w", err)
	}

	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = "memory"
	case "memory", "leveldb":
	default:
		return Config{}, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "leveldb" && cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}

	if cfg.Fetch.timeoutDur, err = parseDurationDefault(cfg.Fetch.Timeout, 30*time.Second); err != nil {
		return Config{}, fmt.Errorf("fetch.timeout: %w", err)
	}
	if cfg.Fetch.MaxBody == "" {
		cfg.Fetch.MaxBody = "32mb"
	}
	if cfg.Fetch.maxBodyBytes, err = parseBodyLimit(cfg.Fetch.MaxBody); err != nil {
		return Config{}, err
	}
	if cfg.Fetch.RevalidateConcurrency <= 0 {
		cfg.Fetch.RevalidateConcurrency = 32
	}

	if cfg.Warm.initialDelayDur, err = parseDurationDefault(cfg.Warm.InitialDelay, 0); err != nil {
		return Config{}, fmt.Errorf("warm.initialDelay: %w", err)
	}
	if cfg.Warm.everyDur, err = parseDurationDefault(cfg.Warm.Every, 0); err != nil {
		return Config{}, fmt.Errorf("warm.every: %w", err)
	}

	if cfg.Controller.updateEveryDur, err = parseDurationDefault(cfg.Controller.UpdateEvery, time.Minute); err != nil {
		return Config{}, fmt.Errorf("controller.updateEvery: %w", err)
	}
	if cfg.Controller.toastDurationDur, err = parseDurationDefault(cfg.Controller.ToastDuration, 3*time.Second); err != nil {
		return Config{}, fmt.Errorf("controller.toastDuration: %w", err)
	}

	if cfg.Notifications.Title == "" {
		cfg.Notifications.Title = "TerapiaBot v2"
	}
	if cfg.Notifications.DefaultBody == "" {
		cfg.Notifications.DefaultBody = "New message from TerapiaBot"
	}
	if cfg.Notifications.Icon == "" {
		cfg.Notifications.Icon = "/icon-192x192.png"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	return cfg, nil
}

func (c *WorkerConfig) normalize() error {
	c.Generation = strings.TrimSpace(c.Generation)
	if c.Generation == "" {
		c.Generation = "v1"
	}
	if len(c.Precache) == 0 {
		c.Precache = append([]string(nil), defaultPrecache...)
	}
	for i, p := range c.Precache {
		p = strings.TrimSpace(p)
		if p == "" {
			return fmt.Errorf("precache[%d]: empty path", i)
		}
		if !strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
			return fmt.Errorf("precache[%d]: %q must be absolute", i, p)
		}
		c.Precache[i] = p
	}
	if c.Fallback == "" {
		c.Fallback = DefaultFallback
	}
	if c.ExcludedHosts == nil {
		c.ExcludedHosts = []string{DefaultExcludedHost}
	}
	for i, h := range c.ExcludedHosts {
		c.ExcludedHosts[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func (c Config) FetchTimeout() time.Duration { return c.Fetch.timeoutDur }
func (c Config) MaxBodyBytes() int64 { return c.Fetch.maxBodyBytes }
func (c Config) UpdateEvery() time.Duration { return c.Controller.updateEveryDur }
func (c Config) ToastDuration() time.Duration { return c.Controller.toastDurationDur }
func (c Config) LogStatsEvery() time.Duration { return c.Logging.logStatsEveryDur }
func (c Config) WarmInitialDelay() time.Duration { return c.Warm.initialDelayDur }
func (c Config) WarmEvery() time.Duration { return c.Warm.everyDur }
