package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "WAREHOUSE"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = "127.0.0.1:8080"

	// DefaultTransmissionURL is the default Transmission RPC endpoint.
	DefaultTransmissionURL = "http://127.0.0.1:9091/transmission/rpc"

	// DefaultSessionMaxAge is the default maximum session age (30 days).
	DefaultSessionMaxAge = "720h"

	// DefaultMaxSessionsPerUser is the default per-user session cap.
	DefaultMaxSessionsPerUser = 3

	// DefaultTorrentSizeLimit is the default per-release size ceiling.
	DefaultTorrentSizeLimit = "25GiB"
)

// Config is the root configuration for warehouse.
type Config struct {
	LogPath          string             `yaml:"log_path,omitempty" mapstructure:"log_path"`
	Server           ServerConfig       `yaml:"server" mapstructure:"server"`
	Database         DatabaseConfig     `yaml:"database" mapstructure:"database"`
	Sessions         SessionConfig      `yaml:"sessions,omitempty" mapstructure:"sessions"`
	Sites            []SiteConfig       `yaml:"sites,omitempty" mapstructure:"sites"`
	Transmission     TransmissionConfig `yaml:"transmission" mapstructure:"transmission"`
	Subscriptions    SubscriptionConfig `yaml:"subscriptions,omitempty" mapstructure:"subscriptions"`
	DiskSpace        DiskSpaceConfig    `yaml:"disk_space,omitempty" mapstructure:"disk_space"`
	Archive          ArchiveConfig      `yaml:"archive,omitempty" mapstructure:"archive"`
	TorrentSizeLimit string             `yaml:"torrent_size_limit,omitempty" mapstructure:"torrent_size_limit"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen string `yaml:"listen" mapstructure:"listen"`
	// ExternalHostname is the hostname browsers use to reach the service.
	// Requests carrying a different Origin are rejected.
	ExternalHostname string          `yaml:"external_hostname" mapstructure:"external_hostname"`
	RateLimit        RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting of the login operation.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Login   RateLimitTier `yaml:"login,omitempty" mapstructure:"login"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// SessionConfig contains session lifecycle settings.
type SessionConfig struct {
	MaxAge     string `yaml:"max_age,omitempty" mapstructure:"max_age"`
	MaxPerUser int    `yaml:"max_per_user,omitempty" mapstructure:"max_per_user"`
}

// SiteConfig holds credentials and adapter options for one catalog site.
type SiteConfig struct {
	Name     string         `yaml:"name" mapstructure:"name"`
	Username string         `yaml:"username" mapstructure:"username"`
	Password string         `yaml:"password" mapstructure:"password"`
	Options  map[string]any `yaml:"options,omitempty" mapstructure:"options"`
}

// TransmissionConfig contains download daemon RPC settings.
type TransmissionConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	Timeout  string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// SubscriptionConfig configures the subscription poller.
type SubscriptionConfig struct {
	Interval string `yaml:"interval" mapstructure:"interval"`
}

// DiskSpaceConfig configures the disk space reclaimer.
type DiskSpaceConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Path     string `yaml:"path" mapstructure:"path"`
	Minimum  string `yaml:"minimum" mapstructure:"minimum"`
	Interval string `yaml:"interval" mapstructure:"interval"`
}

// ArchiveConfig configures the S3-compatible store receiving a copy of every
// newly queued torrent file.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style,omitempty" mapstructure:"force_path_style"`
}

// Load reads a configuration file, applies WAREHOUSE_* environment
// overrides and defaults, and deobfuscates secrets.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.deobfuscate(); err != nil {
		return nil, fmt.Errorf("deobfuscating config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers defaults with viper so that env overrides apply
// to keys missing from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_path", "")
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.external_hostname", "")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.login.requests_per_minute", 10)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "warehouse.db")
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("sessions.max_age", DefaultSessionMaxAge)
	v.SetDefault("sessions.max_per_user", DefaultMaxSessionsPerUser)
	v.SetDefault("transmission.url", DefaultTransmissionURL)
	v.SetDefault("transmission.username", "")
	v.SetDefault("transmission.password", "")
	v.SetDefault("transmission.timeout", "30s")
	v.SetDefault("subscriptions.interval", "5m")
	v.SetDefault("disk_space.enabled", false)
	v.SetDefault("disk_space.path", ".")
	v.SetDefault("disk_space.minimum", "")
	v.SetDefault("disk_space.interval", "1m")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint_url", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("torrent_size_limit", DefaultTorrentSizeLimit)
}

// applyDefaults fills values an explicit empty entry in the file may have cleared.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Sessions.MaxAge == "" {
		c.Sessions.MaxAge = DefaultSessionMaxAge
	}

	if c.Sessions.MaxPerUser <= 0 {
		c.Sessions.MaxPerUser = DefaultMaxSessionsPerUser
	}

	if c.Transmission.URL == "" {
		c.Transmission.URL = DefaultTransmissionURL
	}

	if c.TorrentSizeLimit == "" {
		c.TorrentSizeLimit = DefaultTorrentSizeLimit
	}
}

func (c *Config) deobfuscate() error {
	fields := []*string{&c.Database.Postgres.Password, &c.Transmission.Password}
	for i := range c.Sites {
		fields = append(fields, &c.Sites[i].Password)
	}

	for _, f := range fields {
		plain, err := Deobfuscate(*f)
		if err != nil {
			return err
		}

		*f = plain
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ExternalHostname == "" {
		return errors.New("server.external_hostname is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return errors.New("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return errors.New("database.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	seen := make(map[string]struct{}, len(c.Sites))

	for i, s := range c.Sites {
		if s.Name == "" {
			return fmt.Errorf("site %d: name is required", i)
		}

		if _, exists := seen[s.Name]; exists {
			return fmt.Errorf("site %d: duplicate name %q", i, s.Name)
		}

		seen[s.Name] = struct{}{}
	}

	if _, err := ParseDuration(c.Sessions.MaxAge); err != nil {
		return fmt.Errorf("sessions.max_age: %w", err)
	}

	if _, err := ParseDuration(c.Subscriptions.Interval); err != nil {
		return fmt.Errorf("subscriptions.interval: %w", err)
	}

	if _, err := ParseSize(c.TorrentSizeLimit); err != nil {
		return fmt.Errorf("torrent_size_limit: %w", err)
	}

	if c.Transmission.Timeout != "" {
		if _, err := ParseDuration(c.Transmission.Timeout); err != nil {
			return fmt.Errorf("transmission.timeout: %w", err)
		}
	}

	if c.DiskSpace.Enabled {
		if c.DiskSpace.Path == "" {
			return errors.New("disk_space.path is required")
		}

		if _, err := ParseSize(c.DiskSpace.Minimum); err != nil {
			return fmt.Errorf("disk_space.minimum: %w", err)
		}

		if _, err := ParseDuration(c.DiskSpace.Interval); err != nil {
			return fmt.Errorf("disk_space.interval: %w", err)
		}
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive.bucket is required")
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.Login.RequestsPerMinute <= 0 {
		return errors.New("server.rate_limit.login.requests_per_minute must be positive")
	}

	return nil
}

// Site returns the settings of the named site.
func (c *Config) Site(name string) (*SiteConfig, bool) {
	for i := range c.Sites {
		if c.Sites[i].Name == name {
			return &c.Sites[i], true
		}
	}

	return nil, false
}

// ParseSize parses a human readable binary size such as "25GiB" or "512MB"
// into bytes.
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("size is required")
	}

	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}

	if n <= 0 {
		return 0, fmt.Errorf("size %q must be positive", s)
	}

	return n, nil
}

// ParseDuration parses a positive Go duration string.
func ParseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}

	return d, nil
}

// MustSize parses a size that Validate has already accepted. It panics on
// an invalid size.
func MustSize(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		panic(err)
	}

	return n
}

// MustDuration parses a duration that Validate has already accepted. It
// panics on an invalid duration.
func MustDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}

	return d
}

// RequestTimeout returns the configured RPC timeout, zero when unset.
func (c *TransmissionConfig) RequestTimeout() time.Duration {
	if c.Timeout == "" {
		return 0
	}

	return MustDuration(c.Timeout)
}
