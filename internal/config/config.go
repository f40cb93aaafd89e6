// Package config loads and validates court crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/logging"
	"github.com/JakeFAU/court-crawler/internal/policy/retry"
	"github.com/JakeFAU/court-crawler/internal/portal/dialect"
)

// EnvPrefix namespaces environment overrides, e.g. COURTCRAWLER_STORE_DSN.
const EnvPrefix = "COURTCRAWLER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging logging.Config `mapstructure:"logging"`
	Store   StoreConfig    `mapstructure:"store"`
	Crawler CrawlerConfig  `mapstructure:"crawler"`
	Retry   retry.Config   `mapstructure:"retry"`
	Portal  PortalConfig   `mapstructure:"portal"`
	Sweeper SweeperConfig  `mapstructure:"sweeper"`
	Export  ExportConfig   `mapstructure:"export"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	Server  ServerConfig   `mapstructure:"server"`
	Roster  RosterConfig   `mapstructure:"roster"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and tunes the queue/ledger/case store.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	// Migrate applies the embedded schema on startup.
	Migrate bool `mapstructure:"migrate"`
}

// CrawlerConfig governs the dispatcher and orchestrators.
type CrawlerConfig struct {
	Family         string        `mapstructure:"family"`
	Workers        int           `mapstructure:"workers"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration"`
	ClaimRetries   int           `mapstructure:"claim_retries"`
	IdleBackoffMin time.Duration `mapstructure:"idle_backoff_min"`
	IdleBackoffMax time.Duration `mapstructure:"idle_backoff_max"`
	// SkipCurrentCases skips detail fetches for cases whose stored details are at least as recent.
	SkipCurrentCases bool `mapstructure:"skip_current_cases"`
	// ExitWhenEmpty stops workers once the queue drains instead of idling.
	ExitWhenEmpty bool `mapstructure:"exit_when_empty"`
}

// Portal transports.
const (
	TransportHTTP     = "http"
	TransportHeadless = "headless"
)

// PortalConfig controls how sessions talk to the court portals.
type PortalConfig struct {
	Transport         string        `mapstructure:"transport"`
	UserAgent         string        `mapstructure:"user_agent"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ChromePath        string        `mapstructure:"chrome_path"`
	// Dialects override the built-in per-family selector configuration.
	Dialects map[string]dialect.Config `mapstructure:"dialects"`
}

// SweeperConfig controls lease recovery.
type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ExportConfig configures extract publishing.
type ExportConfig struct {
	// BucketURL is a gocloud.dev blob URL (s3://, file://, mem://). Ignored when GCSBucket is set.
	BucketURL string `mapstructure:"bucket_url"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	Parquet   bool   `mapstructure:"parquet"`
	WorkDir   string `mapstructure:"work_dir"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RosterConfig points at the YAML court roster used for planning.
type RosterConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 8)
	v.SetDefault("store.migrate", true)
	v.SetDefault("crawler.family", string(court.FamilyCircuit))
	v.SetDefault("crawler.workers", 1)
	v.SetDefault("crawler.lease_duration", "30m")
	v.SetDefault("crawler.claim_retries", 5)
	v.SetDefault("crawler.idle_backoff_min", "1s")
	v.SetDefault("crawler.idle_backoff_max", "30s")
	v.SetDefault("crawler.skip_current_cases", true)
	v.SetDefault("crawler.exit_when_empty", false)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("portal.transport", TransportHTTP)
	v.SetDefault("portal.user_agent", "court-crawler/0.1")
	v.SetDefault("portal.min_interval", "1s")
	v.SetDefault("portal.request_timeout", "30s")
	v.SetDefault("portal.navigation_timeout", "45s")
	v.SetDefault("sweeper.interval", "1m")
	v.SetDefault("export.prefix", "extracts")
	v.SetDefault("export.parquet", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("roster.path", "courts.yaml")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is unknown", c.Store.Driver)
	}
	if _, err := court.ParseFamily(c.Crawler.Family); err != nil {
		return fmt.Errorf("crawler.family: %w", err)
	}
	if c.Crawler.Workers <= 0 {
		return errors.New("crawler.workers must be > 0")
	}
	if c.Crawler.LeaseDuration <= 0 {
		return errors.New("crawler.lease_duration must be > 0")
	}
	if c.Crawler.ClaimRetries <= 0 {
		return errors.New("crawler.claim_retries must be > 0")
	}
	if c.Crawler.IdleBackoffMin <= 0 || c.Crawler.IdleBackoffMax < c.Crawler.IdleBackoffMin {
		return errors.New("crawler.idle_backoff_min must be > 0 and <= crawler.idle_backoff_max")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be > 0")
	}
	switch c.Portal.Transport {
	case TransportHTTP, TransportHeadless:
	default:
		return fmt.Errorf("portal.transport %q is unknown", c.Portal.Transport)
	}
	if c.Portal.MinInterval < 0 {
		return errors.New("portal.min_interval must be >= 0")
	}
	for name := range c.Portal.Dialects {
		if _, err := court.ParseFamily(name); err != nil {
			return fmt.Errorf("portal.dialects.%s: %w", name, err)
		}
	}
	if c.Sweeper.Interval <= 0 {
		return errors.New("sweeper.interval must be > 0")
	}
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	return nil
}

// Family returns the configured crawler family. Validate guarantees it parses.
func (c Config) Family() court.Family {
	f, _ := court.ParseFamily(c.Crawler.Family)
	return f
}

// Dialect returns the effective selector configuration for family: the built-in defaults
// overlaid with any configured override.
func (c Config) Dialect(family court.Family) (dialect.Config, error) {
	base, ok := dialect.Default(family)
	if !ok {
		return dialect.Config{}, fmt.Errorf("no dialect for family %q", family)
	}
	if override, ok := c.Portal.Dialects[string(family)]; ok {
		base = dialect.Merge(base, override)
	}
	return base, nil
}
