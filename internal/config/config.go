// Package config provides configuration management for wubloader using
// Viper. It supports configuration from files, environment variables,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 8010
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 10
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultFanOut           = 4
	defaultPlaylistTimeout  = 5 * time.Second
	defaultSegmentTimeout   = 30 * time.Second
	defaultRetryAttempts    = 3
	defaultMaxHoursAgo      = 24
	defaultBackfillWorkers  = 4
	defaultNodeRefresh      = 5 * time.Minute
	defaultRecentInterval   = 15 * time.Second
	defaultOldInterval      = 5 * time.Minute
	defaultClaimInterval    = 30 * time.Second
	defaultRetryInterval    = 2 * time.Minute
	defaultBoundaryEpsilon  = 100 * time.Millisecond
)

// Config holds all configuration for every wubloader component. One
// file configures a whole node; each subcommand reads the sections it
// needs.
type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Channels   []ChannelConfig  `mapstructure:"channels"`
	Qualities  []string         `mapstructure:"qualities"`
	Downloader DownloaderConfig `mapstructure:"downloader"`
	Backfiller BackfillerConfig `mapstructure:"backfiller"`
	Cutter     CutterConfig     `mapstructure:"cutter"`
	Coverage   CoverageConfig   `mapstructure:"coverage"`
	// Locations maps a symbolic upload location name to a backend.
	Locations map[string]LocationConfig `mapstructure:"locations"`
}

// NodeConfig identifies this node within the fleet.
type NodeConfig struct {
	// Name is the node's unique name, recorded as `uploader` on claimed
	// rows and matched against the nodes table to exclude self.
	Name string `mapstructure:"name"`
	// BusStart is the wall-clock instant bustime zero corresponds to,
	// RFC3339. Display convenience only.
	BusStart string `mapstructure:"bus_start"`
}

// ServerConfig holds HTTP server configuration, shared by every
// component; each subcommand overrides the port via its flag.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection configuration. The database
// is shared by all nodes; sqlite is for single-node and test setups.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig locates the segment archive on this node.
type StorageConfig struct {
	// BaseDir is the archive root shared by downloader, restreamer,
	// backfiller and coverage on this node.
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ChannelConfig describes one upstream channel to archive.
type ChannelConfig struct {
	// Name is the channel's directory name in the archive.
	Name string `mapstructure:"name"`
	// URL is the upstream master playlist URL.
	URL string `mapstructure:"url"`
	// Important channels poll faster and warn when offline.
	Important bool `mapstructure:"important"`
	// AuthToken, if set, is sent as a bearer token on upstream requests
	// and refreshed on auth failures.
	AuthToken string `mapstructure:"auth_token"`
}

// DownloaderConfig tunes the live ingest workers.
type DownloaderConfig struct {
	// FanOut bounds concurrent segment downloads per (channel, quality).
	FanOut          int           `mapstructure:"fan_out"`
	PlaylistTimeout time.Duration `mapstructure:"playlist_timeout"`
	SegmentTimeout  time.Duration `mapstructure:"segment_timeout"`
	// RetryAttempts bounds retries per segment before giving up and
	// writing whatever bytes arrived as a partial.
	RetryAttempts int `mapstructure:"retry_attempts"`
}

// BackfillerConfig tunes peer replication.
type BackfillerConfig struct {
	// Peers is a static peer base-URL list. Empty means read the nodes
	// table instead.
	Peers []string `mapstructure:"peers"`
	// MaxHoursAgo bounds the lookback window.
	MaxHoursAgo int `mapstructure:"max_hours_ago"`
	// Workers bounds concurrent segment fetches per (peer, channel, quality).
	Workers int `mapstructure:"workers"`
	// NodeRefresh is how often the nodes table is re-read.
	NodeRefresh time.Duration `mapstructure:"node_refresh"`
	// RecentInterval is the sleep between passes over the newest hour.
	RecentInterval time.Duration `mapstructure:"recent_interval"`
	// OldInterval is the sleep between passes over older hours.
	OldInterval time.Duration `mapstructure:"old_interval"`
	// ExtraDirs are additional top-level directories mirrored from
	// peers as opaque content-hashed files (chat logs, emotes, media).
	ExtraDirs []string `mapstructure:"extra_dirs"`
}

// CutterConfig tunes the cut-and-upload workers.
type CutterConfig struct {
	// RestreamerURL is the local restreamer this cutter cuts through.
	RestreamerURL string `mapstructure:"restreamer_url"`
	// ClaimInterval is the idle sleep between claim attempts.
	ClaimInterval time.Duration `mapstructure:"claim_interval"`
	// RetryInterval is the backoff after a retryable failure.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	// TranscodeCron schedules the TRANSCODING status poll (6-field cron).
	TranscodeCron string `mapstructure:"transcode_cron"`
	// SmartBoundaryEpsilon is how close to a segment edge a requested
	// endpoint must land for smart cuts to take the fast path.
	SmartBoundaryEpsilon time.Duration `mapstructure:"smart_boundary_epsilon"`
	// TemplateDir holds named thumbnail template images.
	TemplateDir string `mapstructure:"template_dir"`
	// FFmpegPath overrides the ffmpeg binary (empty = $PATH lookup).
	FFmpegPath string `mapstructure:"ffmpeg_path"`
}

// CoverageConfig tunes the segment-coverage auditor.
type CoverageConfig struct {
	// Cron schedules coverage map generation (6-field cron).
	Cron string `mapstructure:"cron"`
	// OutputDir receives the PNG maps and HTML viewers. Empty means
	// {storage.base_dir}/coverage.
	OutputDir string `mapstructure:"output_dir"`
}

// OutputPath returns the coverage output directory.
func (c *CoverageConfig) OutputPath(storageBaseDir string) string {
	if c.OutputDir != "" {
		return c.OutputDir
	}
	return fmt.Sprintf("%s/coverage", storageBaseDir)
}

// LocationConfig is one upload destination. Backend selects the variant
// and only that variant's fields apply.
type LocationConfig struct {
	// Backend is the backend kind: "local" or "http".
	Backend string `mapstructure:"backend"`
	// CutType is the cut flavour for this destination:
	// fast, smart, full or webm. Defaults to smart.
	CutType string `mapstructure:"cut_type"`

	// Path is the output directory (local backend).
	Path string `mapstructure:"path"`

	// URL is the upload endpoint (http backend).
	URL string `mapstructure:"url"`
	// Token is an optional bearer token (http backend).
	Token string `mapstructure:"token"`
	// NeedsTranscode marks destinations that process uploads
	// asynchronously; committed videos sit in TRANSCODING until the
	// destination reports them ready.
	NeedsTranscode bool `mapstructure:"needs_transcode"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with WUBLOADER_ and use
// underscores for nesting. Example: WUBLOADER_SERVER_PORT=8010.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("wubloader")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wubloader")
		v.AddConfigPath("$HOME/.wubloader")
	}

	v.SetEnvPrefix("WUBLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "localhost")
	v.SetDefault("node.bus_start", "")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "wubloader.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.base_dir", "./segments")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("qualities", []string{"source"})

	v.SetDefault("downloader.fan_out", defaultFanOut)
	v.SetDefault("downloader.playlist_timeout", defaultPlaylistTimeout)
	v.SetDefault("downloader.segment_timeout", defaultSegmentTimeout)
	v.SetDefault("downloader.retry_attempts", defaultRetryAttempts)

	v.SetDefault("backfiller.max_hours_ago", defaultMaxHoursAgo)
	v.SetDefault("backfiller.workers", defaultBackfillWorkers)
	v.SetDefault("backfiller.node_refresh", defaultNodeRefresh)
	v.SetDefault("backfiller.recent_interval", defaultRecentInterval)
	v.SetDefault("backfiller.old_interval", defaultOldInterval)

	v.SetDefault("cutter.restreamer_url", "http://localhost:8010")
	v.SetDefault("cutter.claim_interval", defaultClaimInterval)
	v.SetDefault("cutter.retry_interval", defaultRetryInterval)
	v.SetDefault("cutter.transcode_cron", "0 */2 * * * *") // every 2 minutes
	v.SetDefault("cutter.smart_boundary_epsilon", defaultBoundaryEpsilon)
	v.SetDefault("cutter.template_dir", "./templates")
	v.SetDefault("cutter.ffmpeg_path", "")

	v.SetDefault("coverage.cron", "0 */5 * * * *") // every 5 minutes
	v.SetDefault("coverage.output_dir", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Node.BusStart != "" {
		if _, err := time.Parse(time.RFC3339, c.Node.BusStart); err != nil {
			return fmt.Errorf("node.bus_start must be RFC3339: %w", err)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	seen := map[string]bool{}
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channels[].name is required")
		}
		if seen[ch.Name] {
			return fmt.Errorf("duplicate channel %q", ch.Name)
		}
		seen[ch.Name] = true
	}

	for name, loc := range c.Locations {
		switch loc.Backend {
		case "local", "http":
		default:
			return fmt.Errorf("locations.%s.backend must be one of: local, http", name)
		}
		switch loc.CutType {
		case "", "fast", "smart", "full", "webm":
		default:
			return fmt.Errorf("locations.%s.cut_type must be one of: fast, smart, full, webm", name)
		}
		if loc.Backend == "local" && loc.Path == "" {
			return fmt.Errorf("locations.%s.path is required for the local backend", name)
		}
		if loc.Backend == "http" && loc.URL == "" {
			return fmt.Errorf("locations.%s.url is required for the http backend", name)
		}
	}

	if c.Downloader.FanOut < 1 {
		return fmt.Errorf("downloader.fan_out must be at least 1")
	}
	if c.Backfiller.Workers < 1 {
		return fmt.Errorf("backfiller.workers must be at least 1")
	}
	if c.Backfiller.MaxHoursAgo < 1 {
		return fmt.Errorf("backfiller.max_hours_ago must be at least 1")
	}

	return nil
}

// BusStartTime returns the parsed bus_start, or zero if unset.
// Validate has already checked the format.
func (c *Config) BusStartTime() time.Time {
	if c.Node.BusStart == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, c.Node.BusStart)
	return t
}

// Channel returns the config for a named channel, if present.
func (c *Config) Channel(name string) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}
