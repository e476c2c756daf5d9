// Package config provides configuration management for workshopd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the service configuration.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	API      APIConfig      `toml:"api"`
	MCP      MCPConfig      `toml:"mcp"`
	Steam    SteamConfig    `toml:"steam"`
	Download DownloadConfig `toml:"download"`
	Archive  ArchiveConfig  `toml:"archive"`
	Observer ObserverConfig `toml:"observer"`
	Logging  LoggingConfig  `toml:"logging"`
	Security SecurityConfig `toml:"security"`
}

// ServiceConfig contains service-level settings.
type ServiceConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	DataDir         string `toml:"data_dir"`
	PIDFile         string `toml:"pid_file"`
	ShutdownTimeout int    `toml:"shutdown_timeout_seconds"`
	MaxRequestSize  int64  `toml:"max_request_size_bytes"`
}

// APIConfig contains HTTP API settings.
type APIConfig struct {
	Enabled        bool     `toml:"enabled"`
	APIKey         string   `toml:"api_key"`
	RateLimit      int      `toml:"rate_limit_per_minute"`
	AllowedOrigins []string `toml:"allowed_origins"`
	RequestTimeout int      `toml:"request_timeout_seconds"`
}

// MCPConfig contains the agent-tool-surface settings.
type MCPConfig struct {
	Enabled bool `toml:"enabled"`
}

// SteamConfig contains external-client credentials and invocation settings.
type SteamConfig struct {
	BinaryPath       string `toml:"binary_path"`
	ApplicationID    string `toml:"application_id"`
	Username         string `toml:"username"`
	Password         string `toml:"password"`
	SecondFactorCode string `toml:"second_factor_code"`
	SessionCacheMins int    `toml:"session_cache_minutes"`
	VerifyTimeoutSec int    `toml:"verify_timeout_seconds"`
	FetchTimeoutMin  int    `toml:"fetch_timeout_minutes"`
	MaxRetryAttempts int    `toml:"max_retry_attempts"`
	RetryBaseSeconds int    `toml:"retry_base_seconds"`
}

// DownloadConfig contains orchestrator admission and sweep settings.
type DownloadConfig struct {
	MaxConcurrent      int `toml:"max_concurrent"`
	JobTimeoutMinutes  int `toml:"job_timeout_minutes"`
	SweepIntervalMins  int `toml:"sweep_interval_minutes"`
	MaxArchiveSizeMB   int `toml:"max_archive_size_mb"`
	LogStreamBurstSize int `toml:"log_stream_burst_size"`
	LogRingCapacity    int `toml:"log_ring_capacity"`
}

// ArchiveConfig contains Archive Builder settings.
type ArchiveConfig struct {
	BuildTimeoutMinutes int `toml:"build_timeout_minutes"`
}

// ObserverConfig contains settings for the bearer-token admin/log-stream
// session store, independent of the Steam credential session's cache
// lifetime in SteamConfig.
type ObserverConfig struct {
	SessionTTLMinutes int `toml:"session_ttl_minutes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string      `toml:"level"`
	Format     string      `toml:"format"`
	Output     StringSlice `toml:"output"`
	TimeFormat string      `toml:"time_format"`
	MaxSizeMB  int         `toml:"max_size_mb"`
	MaxBackups int         `toml:"max_backups"`
	MaxAgeDays int         `toml:"max_age_days"`
	Compress   bool        `toml:"compress"`
}

// StringSlice is a custom type that can unmarshal from either a string or []string.
type StringSlice []string

// UnmarshalTOML implements toml.Unmarshaler for flexible config parsing.
func (s *StringSlice) UnmarshalTOML(data interface{}) error {
	switch v := data.(type) {
	case string:
		*s = []string{v}
	case []interface{}:
		result := make([]string, len(v))
		for i, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string in array, got %T", item)
			}
			result[i] = str
		}
		*s = result
	default:
		return fmt.Errorf("expected string or array, got %T", data)
	}
	return nil
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	TLSEnabled  bool   `toml:"tls_enabled"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
	CORSEnabled bool   `toml:"cors_enabled"`
}

// DefaultConfig returns the default configuration with all values set.
// Environment variables WORKSHOPD_HOST and WORKSHOPD_PORT can override defaults.
func DefaultConfig() *Config {
	dataDir := DefaultDataDir()

	host := "127.0.0.1"
	if envHost := os.Getenv("WORKSHOPD_HOST"); envHost != "" {
		host = envHost
	}

	port := 8420
	if envPort := os.Getenv("WORKSHOPD_PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			port = p
		}
	}

	return &Config{
		Service: ServiceConfig{
			Host:            host,
			Port:            port,
			DataDir:         dataDir,
			PIDFile:         filepath.Join(dataDir, "workshopd.pid"),
			ShutdownTimeout: 30,
			MaxRequestSize:  10 * 1024 * 1024,
		},
		API: APIConfig{
			Enabled:        true,
			APIKey:         "",
			RateLimit:      100,
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			RequestTimeout: 60,
		},
		MCP: MCPConfig{
			Enabled: false,
		},
		Steam: SteamConfig{
			BinaryPath:       "steamcmd",
			ApplicationID:    "",
			Username:         os.Getenv("STEAM_USERNAME"),
			Password:         os.Getenv("STEAM_PASSWORD"),
			SecondFactorCode: os.Getenv("STEAM_GUARD_CODE"),
			SessionCacheMins: 30,
			VerifyTimeoutSec: 30,
			FetchTimeoutMin:  120,
			MaxRetryAttempts: 5,
			RetryBaseSeconds: 10,
		},
		Download: DownloadConfig{
			MaxConcurrent:      3,
			JobTimeoutMinutes:  120,
			SweepIntervalMins:  10,
			MaxArchiveSizeMB:   0, // 0 = unbounded
			LogStreamBurstSize: 50,
			LogRingCapacity:    1000,
		},
		Archive: ArchiveConfig{
			BuildTimeoutMinutes: 30,
		},
		Observer: ObserverConfig{
			SessionTTLMinutes: 15,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     StringSlice{"file"},
			TimeFormat: "15:04:05.000",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Security: SecurityConfig{
			TLSEnabled:  false,
			TLSCertFile: "",
			TLSKeyFile:  "",
			CORSEnabled: true,
		},
	}
}

// DefaultDataDir returns the default data directory based on OS.
func DefaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "workshopd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "workshopd")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "workshopd")
	default:
		xdgData := os.Getenv("XDG_DATA_HOME")
		if xdgData != "" {
			return filepath.Join(xdgData, "workshopd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".workshopd")
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.toml")
}

// Load loads configuration from a file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.expandPaths()

	return cfg, nil
}

// LoadFromString loads configuration from a TOML string, merging with defaults.
func LoadFromString(tomlStr string) (*Config, error) {
	cfg := DefaultConfig()

	expanded := os.ExpandEnv(tomlStr)

	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config string: %w", err)
	}

	cfg.expandPaths()
	return cfg, nil
}

// expandPaths expands tilde in path fields.
func (c *Config) expandPaths() {
	home, _ := os.UserHomeDir()

	expandTilde := func(path string) string {
		if strings.HasPrefix(path, "~/") {
			return filepath.Join(home, path[2:])
		}
		return path
	}

	c.Service.DataDir = expandTilde(c.Service.DataDir)
	c.Service.PIDFile = expandTilde(c.Service.PIDFile)
	c.Security.TLSCertFile = expandTilde(c.Security.TLSCertFile)
	c.Security.TLSKeyFile = expandTilde(c.Security.TLSKeyFile)
}

// Save saves the configuration to a file in TOML format.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// WriteExampleConfig writes an example config file with comments.
func WriteExampleConfig(path string) error {
	example := `# workshopd configuration file
# All values shown are defaults - uncomment and modify as needed

[service]
host = "127.0.0.1"
port = 8420
# data_dir = "~/.workshopd"
# pid_file = "~/.workshopd/workshopd.pid"
shutdown_timeout_seconds = 30
max_request_size_bytes = 10485760

[api]
enabled = true
api_key = ""
rate_limit_per_minute = 100
allowed_origins = ["http://localhost:*", "http://127.0.0.1:*"]
request_timeout_seconds = 60

[mcp]
enabled = false

[steam]
binary_path = "steamcmd"
application_id = ""
username = "${STEAM_USERNAME}"
password = "${STEAM_PASSWORD}"
second_factor_code = "${STEAM_GUARD_CODE}"
session_cache_minutes = 30
verify_timeout_seconds = 30
fetch_timeout_minutes = 120
max_retry_attempts = 5
retry_base_seconds = 10

[download]
max_concurrent = 3
job_timeout_minutes = 120
sweep_interval_minutes = 10
max_archive_size_mb = 0
log_stream_burst_size = 50
log_ring_capacity = 1000

[archive]
build_timeout_minutes = 30

[observer]
session_ttl_minutes = 15

[logging]
level = "info"
format = "text"
output = ["file"]
time_format = "15:04:05.000"
max_size_mb = 100
max_backups = 5
max_age_days = 30
compress = true

[security]
tls_enabled = false
# tls_cert_file = "/path/to/cert.pem"
# tls_key_file = "/path/to/key.pem"
cors_enabled = true
`

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	return os.WriteFile(path, []byte(example), 0644)
}

// Address returns the full address string for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// WorkspacesDir returns the path to the job workspace root.
func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.Service.DataDir, "workspaces")
}

// LogPath returns the path to the service log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Service.DataDir, "logs", "service.log")
}

// PIDPath returns the path to the PID file.
func (c *Config) PIDPath() string {
	if c.Service.PIDFile != "" {
		return c.Service.PIDFile
	}
	return filepath.Join(c.Service.DataDir, "workshopd.pid")
}

// EnsureDirectories creates all necessary directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		c.WorkspacesDir(),
		filepath.Dir(c.LogPath()),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Service.Port)
	}

	if c.Service.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout_seconds must be at least 1")
	}

	if c.API.RateLimit < 0 {
		return fmt.Errorf("rate_limit_per_minute cannot be negative")
	}

	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("download.max_concurrent must be at least 1")
	}

	if c.Observer.SessionTTLMinutes < 1 {
		return fmt.Errorf("observer.session_ttl_minutes must be at least 1")
	}

	if c.Steam.ApplicationID == "" {
		return fmt.Errorf("steam.application_id must be set")
	}

	if c.Security.TLSEnabled {
		if c.Security.TLSCertFile == "" || c.Security.TLSKeyFile == "" {
			return fmt.Errorf("TLS enabled but cert/key files not specified")
		}
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	clone.API.AllowedOrigins = make([]string, len(c.API.AllowedOrigins))
	copy(clone.API.AllowedOrigins, c.API.AllowedOrigins)

	clone.Logging.Output = make(StringSlice, len(c.Logging.Output))
	copy(clone.Logging.Output, c.Logging.Output)

	return &clone
}
