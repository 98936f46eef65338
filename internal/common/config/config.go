// Package config provides configuration management for clusterdesk.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for clusterdesk.
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	Clusters  map[string]ClusterConfig `mapstructure:"clusters"`
	IDEs      map[string]IDEConfig     `mapstructure:"ides"`
	SSH       SSHConfig                `mapstructure:"ssh"`
	State     StateConfig              `mapstructure:"state"`
	Poller    PollerConfig             `mapstructure:"poller"`
	Reaper    ReaperConfig             `mapstructure:"reaper"`
	Analytics AnalyticsConfig          `mapstructure:"analytics"`
	NATS      NATSConfig               `mapstructure:"nats"`
	Auth      AuthConfig               `mapstructure:"auth"`
	Logging   LoggingConfig            `mapstructure:"logging"`
	Tracing   TracingConfig            `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// ExternalHost is the public host clients reach the control plane on.
	// Rewriters strip it from upstream Location headers.
	ExternalHost string `mapstructure:"externalHost"`
}

// ClusterConfig describes one batch cluster reachable from the control plane.
type ClusterConfig struct {
	// HeadNode is the DNS name of the cluster head node commands and
	// tunnels are established through.
	HeadNode string `mapstructure:"headNode"`
	// MaxSSH caps simultaneous outbound shell sessions to this cluster.
	MaxSSH int `mapstructure:"maxSSH"`
	// Images maps release version -> IDE id -> container image path on
	// the cluster's shared filesystem.
	Images map[string]map[string]string `mapstructure:"images"`
	// DefaultRelease selects the image set when a launch names none.
	DefaultRelease string `mapstructure:"defaultRelease"`
	// LibraryRoot is the companion shared library tree mounted per release.
	LibraryRoot string `mapstructure:"libraryRoot"`
}

// IDEConfig describes one IDE family the control plane can launch.
type IDEConfig struct {
	// DefaultPort is where the port finder starts scanning, and the
	// fallback when the port file is missing.
	DefaultPort int `mapstructure:"defaultPort"`
	// BasePath is the user-facing proxy prefix, e.g. "/code".
	BasePath string `mapstructure:"basePath"`
	// InternalPath is the upstream's own base path when it differs from
	// BasePath (the notebook IDE's base_url).
	InternalPath string `mapstructure:"internalPath"`
}

// SSHConfig holds outbound shell and tunnel transport configuration.
type SSHConfig struct {
	// KeyDir contains one private key per user, named after the user.
	KeyDir string `mapstructure:"keyDir"`
	// CommandTimeout bounds a single remote shell invocation, in seconds.
	CommandTimeout int `mapstructure:"commandTimeout"`
	// ConnectTimeout is passed to the transport for session setup, in seconds.
	ConnectTimeout int `mapstructure:"connectTimeout"`
	// KeepaliveInterval is the transport keepalive period, in seconds.
	KeepaliveInterval int `mapstructure:"keepaliveInterval"`
}

// StateConfig holds session state persistence configuration.
type StateConfig struct {
	Path string `mapstructure:"path"`
	// RetentionHours is how long terminal session records are kept for
	// audit before the startup sweep drops them.
	RetentionHours int `mapstructure:"retentionHours"`
}

// PollerConfig holds adaptive poller configuration.
type PollerConfig struct {
	// BackoffThreshold is the number of consecutive unchanged ticks
	// before progressive backoff kicks in.
	BackoffThreshold int `mapstructure:"backoffThreshold"`
	// MaxIntervalMinutes caps the backed-off interval.
	MaxIntervalMinutes int `mapstructure:"maxIntervalMinutes"`
}

// ReaperConfig holds idle session reaper configuration.
type ReaperConfig struct {
	// IdleMinutes is the inactivity threshold; 0 disables reaping.
	IdleMinutes int `mapstructure:"idleMinutes"`
	// ScanSeconds is how often running sessions are scanned.
	ScanSeconds int `mapstructure:"scanSeconds"`
}

// AnalyticsConfig holds the session-event recorder configuration.
type AnalyticsConfig struct {
	// Driver selects the storage backend: "sqlite", "postgres", or "" to disable.
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// Empty URL means use the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// UserHeader names the trusted header the login gateway sets.
	UserHeader string `mapstructure:"userHeader"`
	// RevokeOnLogout cancels a user's active sessions when they log out.
	RevokeOnLogout bool `mapstructure:"revokeOnLogout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds trace export configuration. An empty endpoint
// disables tracing.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandTimeoutDuration returns the remote command timeout as a time.Duration.
func (s *SSHConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// Retention returns the terminal-record retention window as a time.Duration.
func (s *StateConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// IdleThreshold returns the reaper inactivity threshold; zero disables reaping.
func (r *ReaperConfig) IdleThreshold() time.Duration {
	return time.Duration(r.IdleMinutes) * time.Minute
}

// ScanInterval returns the reaper scan period.
func (r *ReaperConfig) ScanInterval() time.Duration {
	return time.Duration(r.ScanSeconds) * time.Second
}

// MaxInterval returns the poller's backoff cap.
func (p *PollerConfig) MaxInterval() time.Duration {
	return time.Duration(p.MaxIntervalMinutes) * time.Minute
}

// Image resolves the container image path for (release, ide) on this cluster,
// falling back to the cluster's default release.
func (c *ClusterConfig) Image(release, ide string) (string, error) {
	if release == "" {
		release = c.DefaultRelease
	}
	byIDE, ok := c.Images[release]
	if !ok {
		return "", fmt.Errorf("unknown release %q", release)
	}
	img, ok := byIDE[ide]
	if !ok {
		return "", fmt.Errorf("no %s image for release %q", ide, release)
	}
	return img, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CLUSTERDESK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // 0: SSE and proxied streams must not be cut
	v.SetDefault("server.externalHost", "")

	// IDE defaults mirror the three supported families
	v.SetDefault("ides.code.defaultPort", 8000)
	v.SetDefault("ides.code.basePath", "/code")
	v.SetDefault("ides.rstudio.defaultPort", 8787)
	v.SetDefault("ides.rstudio.basePath", "/rstudio")
	v.SetDefault("ides.jupyter.defaultPort", 8888)
	v.SetDefault("ides.jupyter.basePath", "/jupyter")
	v.SetDefault("ides.jupyter.internalPath", "/jupyter")

	// SSH defaults
	v.SetDefault("ssh.keyDir", "~/.clusterdesk/keys")
	v.SetDefault("ssh.commandTimeout", 30)
	v.SetDefault("ssh.connectTimeout", 10)
	v.SetDefault("ssh.keepaliveInterval", 30)

	// State defaults
	v.SetDefault("state.path", "./clusterdesk-state.json")
	v.SetDefault("state.retentionHours", 720) // 30 days

	// Poller defaults
	v.SetDefault("poller.backoffThreshold", 3)
	v.SetDefault("poller.maxIntervalMinutes", 60)

	// Reaper defaults
	v.SetDefault("reaper.idleMinutes", 0) // disabled unless configured
	v.SetDefault("reaper.scanSeconds", 60)

	// Analytics defaults - empty driver disables the recorder
	v.SetDefault("analytics.driver", "sqlite")
	v.SetDefault("analytics.path", "./clusterdesk-analytics.db")
	v.SetDefault("analytics.host", "localhost")
	v.SetDefault("analytics.port", 5432)
	v.SetDefault("analytics.user", "clusterdesk")
	v.SetDefault("analytics.password", "")
	v.SetDefault("analytics.dbName", "clusterdesk")
	v.SetDefault("analytics.sslMode", "disable")
	v.SetDefault("analytics.maxConns", 10)
	v.SetDefault("analytics.minConns", 2)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "clusterdesk")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.userHeader", "X-Remote-User")
	v.SetDefault("auth.revokeOnLogout", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults - follow the conventional OTLP env var when set
	v.SetDefault("tracing.endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CLUSTERDESK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/clusterdesk/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CLUSTERDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("logging.level", "CLUSTERDESK_LOG_LEVEL")
	_ = v.BindEnv("state.path", "CLUSTERDESK_STATE_PATH")
	_ = v.BindEnv("ssh.keyDir", "CLUSTERDESK_SSH_KEY_DIR")
	_ = v.BindEnv("reaper.idleMinutes", "CLUSTERDESK_REAPER_IDLE_MINUTES")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/clusterdesk/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandHome(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandHome resolves a leading ~ in filesystem paths.
func expandHome(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, p := range []*string{&cfg.SSH.KeyDir, &cfg.State.Path, &cfg.Analytics.Path} {
		if strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	for name, cluster := range cfg.Clusters {
		if cluster.HeadNode == "" {
			errs = append(errs, fmt.Sprintf("clusters.%s.headNode is required", name))
		}
		if cluster.MaxSSH <= 0 {
			cluster.MaxSSH = 4
			cfg.Clusters[name] = cluster
		}
	}

	for name, ide := range cfg.IDEs {
		if ide.DefaultPort <= 0 || ide.DefaultPort > 65535 {
			errs = append(errs, fmt.Sprintf("ides.%s.defaultPort must be between 1 and 65535", name))
		}
		if !strings.HasPrefix(ide.BasePath, "/") {
			errs = append(errs, fmt.Sprintf("ides.%s.basePath must start with /", name))
		}
	}

	if cfg.Analytics.Driver == "postgres" {
		if cfg.Analytics.User == "" {
			errs = append(errs, "analytics.user is required for postgres driver")
		}
		if cfg.Analytics.DBName == "" {
			errs = append(errs, "analytics.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string for the analytics store.
func (a *AnalyticsConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		a.Host, a.Port, a.User, a.Password, a.DBName, a.SSLMode,
	)
}
