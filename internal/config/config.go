package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Safe defaults substituted when the fetch budget does not fit in one cycle.
const (
	DefaultRealtimeFreq    = 15 * time.Second
	DefaultRealtimeTimeout = 3200 * time.Millisecond
	DefaultMaxAttempts     = 3
)

// DefaultFeedIDs are the subway realtime feeds of the default provider.
var DefaultFeedIDs = []string{"1", "2", "11", "16", "21", "26", "31", "36", "51"}

// Feed is an explicitly configured realtime endpoint.
type Feed struct {
	ID  string `yaml:"id" validate:"required"`
	URL string `yaml:"url" validate:"required,url"`
}

// Endpoint is a realtime feed ID with its fully expanded URL.
type Endpoint struct {
	ID  string
	URL string
}

// Config holds application configuration. Values come from defaults, an
// optional YAML file and environment variables, in that order.
type Config struct {
	SystemName string `yaml:"system_name" validate:"required"`
	APIKey     string `yaml:"api_key" validate:"required"`
	LogLevel   string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN WARNING ERROR"`

	RealtimeFreq       time.Duration `yaml:"realtime_freq" validate:"gt=0"`
	RealtimeTimeout    time.Duration `yaml:"realtime_timeout" validate:"gt=0"`
	MaxAttempts        int           `yaml:"realtime_max_attempts" validate:"min=1"`
	DataDictCap        int           `yaml:"realtime_data_dict_cap" validate:"min=1"`
	MaxInitialAttempts int           `yaml:"max_initial_merge_attempts" validate:"min=1"`
	StaticInterval     time.Duration `yaml:"static_interval" validate:"gt=0"`

	RealtimeBaseURL string            `yaml:"realtime_base_url" validate:"required,url"`
	StaticURL       string            `yaml:"static_url" validate:"required,url"`
	StationsURL     string            `yaml:"stations_url" validate:"omitempty,url"`
	FeedIDs         []string          `yaml:"feed_ids" validate:"dive,required"`
	Feeds           []Feed            `yaml:"feeds" validate:"dive"`
	RouteAliases    map[string]string `yaml:"route_aliases"`

	Port      int    `yaml:"port" validate:"min=1,max=65535"`
	RedisHost string `yaml:"redis_host" validate:"required"`
	RedisPort int    `yaml:"redis_port" validate:"min=1,max=65535"`
	DataDir   string `yaml:"data_dir" validate:"required"`
	DBPath    string `yaml:"db_path"`

	StaticOnly bool `yaml:"-"` // CLI flag: run one static refresh and exit
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		SystemName:         "MTA_subway",
		LogLevel:           "INFO",
		RealtimeFreq:       DefaultRealtimeFreq,
		RealtimeTimeout:    DefaultRealtimeTimeout,
		MaxAttempts:        DefaultMaxAttempts,
		DataDictCap:        20,
		MaxInitialAttempts: 10,
		StaticInterval:     24 * time.Hour,
		RealtimeBaseURL:    "http://datamine.mta.info/mta_esi.php",
		StaticURL:          "http://web.mta.info/developers/data/nyct/subway/google_transit.zip",
		FeedIDs:            slices.Clone(DefaultFeedIDs),
		RouteAliases:       map[string]string{"SS": "SI", "GS": "S"},
		Port:               5000,
		RedisHost:          "localhost",
		RedisPort:          6379,
		DataDir:            "/data",
	}
}

// Load builds the configuration. TRANSITDATA_CONFIG names an optional YAML
// file; environment variables override it. The result is not yet validated.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("TRANSITDATA_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.APIKey = envStr("MTA_API_KEY", cfg.APIKey)
	cfg.LogLevel = strings.ToUpper(envStr("PARSER_LOG_LEVEL", cfg.LogLevel))
	cfg.RealtimeFreq = envSeconds("REALTIME_FREQ", cfg.RealtimeFreq)
	cfg.RealtimeTimeout = envSeconds("REALTIME_TIMEOUT", cfg.RealtimeTimeout)
	cfg.MaxAttempts = envInt("REALTIME_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.DataDictCap = envInt("REALTIME_DATA_DICT_CAP", cfg.DataDictCap)
	cfg.MaxInitialAttempts = envInt("MAX_INITIAL_MERGE_ATTEMPTS", cfg.MaxInitialAttempts)
	cfg.RealtimeBaseURL = envStr("MTA_REALTIME_BASE_URL", cfg.RealtimeBaseURL)
	cfg.StaticURL = envStr("MTA_STATIC_URL", cfg.StaticURL)
	cfg.StationsURL = envStr("MTA_STATIONS_URL", cfg.StationsURL)
	cfg.Port = envInt("PARSER_SOCKETIO_SERVER_PORT", cfg.Port)
	cfg.RedisHost = envStr("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = envInt("REDIS_PORT", cfg.RedisPort)
	cfg.DataDir = envStr("TRANSITDATA_DATA_DIR", cfg.DataDir)
	cfg.DBPath = envStr("TRANSITDATA_DB_PATH", cfg.DBPath)

	return cfg, nil
}

// Validate checks field constraints and fills derived paths.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "transitdata.db")
	}
	return nil
}

// Sanitize makes sure every fetch attempt of a cycle fits inside one
// realtime period. If not, the safe defaults replace all three values and
// Sanitize reports true.
func (c *Config) Sanitize() bool {
	if time.Duration(c.MaxAttempts)*c.RealtimeTimeout < c.RealtimeFreq {
		return false
	}
	c.RealtimeFreq = DefaultRealtimeFreq
	c.RealtimeTimeout = DefaultRealtimeTimeout
	c.MaxAttempts = DefaultMaxAttempts
	return true
}

// Endpoints returns the realtime endpoints to poll. Explicit feeds win over
// feed IDs; IDs are sorted numerically and templated onto RealtimeBaseURL.
func (c *Config) Endpoints() []Endpoint {
	if len(c.Feeds) > 0 {
		out := make([]Endpoint, len(c.Feeds))
		for i, f := range c.Feeds {
			out[i] = Endpoint{ID: f.ID, URL: f.URL}
		}
		return out
	}

	ids := slices.Clone(c.FeedIDs)
	slices.SortFunc(ids, CompareFeedIDs)

	out := make([]Endpoint, 0, len(ids))
	for _, id := range ids {
		u := fmt.Sprintf("%s?key=%s&feed_id=%s", c.RealtimeBaseURL, url.QueryEscape(c.APIKey), url.QueryEscape(id))
		out = append(out, Endpoint{ID: id, URL: u})
	}
	return out
}

// CompareFeedIDs orders numeric IDs by value and places any non-numeric IDs
// after them in lexical order.
func CompareFeedIDs(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	switch {
	case errA == nil && errB == nil:
		return na - nb
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// SlogLevel maps LogLevel onto a slog level. WARNING is accepted as WARN.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedisAddr is the host:port of the store.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// StaticDir is where downloaded static bundles are kept.
func (c *Config) StaticDir() string {
	return filepath.Join(c.DataDir, "static")
}

// StaticJSONPath is the handoff file written by the static loader.
func (c *Config) StaticJSONPath() string {
	return filepath.Join(c.DataDir, "static", "parsed", "static.json")
}

// RealtimeDir holds realtime artifacts and must be writable at startup.
func (c *Config) RealtimeDir() string {
	return filepath.Join(c.DataDir, "realtime", "parsed")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envSeconds reads an integer or fractional number of seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}
