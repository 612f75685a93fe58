package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. CASASTACK_PORT.
const EnvPrefix = "CASASTACK"

// Config holds all application configuration
type Config struct {
	Port          int    // HTTP port
	Hostname      string // bind address, empty for all interfaces
	DataDir       string // data directory root
	StacksDir     string // directory holding managed stacks
	DBPath        string // SQLite database path
	EnableConsole bool   // allow the main console terminal
	DockerBin     string // docker CLI binary
	DockerHost    string // docker engine endpoint for the API client
	SSLKey        string
	SSLCert       string
	LogLevel      string // debug, info, warn or error
	IsContainer   bool   // running inside the official container image
}

// SetDefaults registers every key with its default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 5001)
	v.SetDefault("hostname", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("stacks_dir", "/opt/stacks")
	v.SetDefault("db_path", "")
	v.SetDefault("enable_console", false)
	v.SetDefault("docker_bin", "docker")
	v.SetDefault("docker_host", "")
	v.SetDefault("ssl_key", "")
	v.SetDefault("ssl_cert", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("is_container", false)
}

// Load reads configuration from v, falling back to CASASTACK_* environment
// variables and defaults, and creates the data and stacks directories.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Port:          v.GetInt("port"),
		Hostname:      v.GetString("hostname"),
		DataDir:       v.GetString("data_dir"),
		StacksDir:     v.GetString("stacks_dir"),
		DBPath:        v.GetString("db_path"),
		EnableConsole: v.GetBool("enable_console"),
		DockerBin:     v.GetString("docker_bin"),
		DockerHost:    v.GetString("docker_host"),
		SSLKey:        v.GetString("ssl_key"),
		SSLCert:       v.GetString("ssl_cert"),
		LogLevel:      strings.ToLower(v.GetString("log_level")),
		IsContainer:   v.GetBool("is_container"),
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "casastack.db")
	}

	for _, dir := range []string{cfg.DataDir, cfg.StacksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}
