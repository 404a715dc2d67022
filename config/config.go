// Package config builds the process configuration once at startup. Values
// come from an optional YAML settings file, then the environment, then
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileEnv names the settings file. It is only read from the environment.
const FileEnv = "CONFIG_FILE"

type Config struct {
	Port       int    `env:"PORT" envDefault:"8898"`
	APIVersion string `env:"API_VERSION" envDefault:"v1"`

	RedisURL      string `env:"REDIS_URL"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisKey      string `env:"REDIS_KEY"`
	ChannelPrefix string `env:"REDIS_CHANNEL_PREFIX" envDefault:"chatrelay:"`

	PingInterval   time.Duration `env:"SOCKET_PING_INTERVAL" envDefault:"2s"`
	PingTimeout    time.Duration `env:"SOCKET_PING_TIMEOUT" envDefault:"10s"`
	MaxMessageSize int64         `env:"SOCKET_MAX_MESSAGE_SIZE" envDefault:"4096"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom reads the configuration from an explicit environment map. The
// settings file named by CONFIG_FILE supplies values the map does not set.
func LoadFrom(environ map[string]string) (Config, error) {
	merged := map[string]string{}
	if path := environ[FileEnv]; path != "" {
		settings, err := readSettings(path)
		if err != nil {
			return Config{}, err
		}
		for k, v := range settings {
			merged[k] = v
		}
	}
	for k, v := range environ {
		merged[k] = v
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: merged}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readSettings(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}

	settings := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		settings[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return settings, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.APIVersion == "" || strings.Contains(c.APIVersion, "/") {
		errs = append(errs, fmt.Errorf("API_VERSION %q is not a path segment", c.APIVersion))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, errors.New("SOCKET_PING_INTERVAL must be positive"))
	}
	if c.PingTimeout <= 0 {
		errs = append(errs, errors.New("SOCKET_PING_TIMEOUT must be positive"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("SOCKET_MAX_MESSAGE_SIZE must be positive"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// WSPath is the versioned websocket endpoint.
func (c Config) WSPath() string {
	return "/" + c.APIVersion + "/ws"
}

// RedisAddr returns host:port for the relay, or "" when running as a single
// process. A REDIS_URL that already carries a port keeps it.
func (c Config) RedisAddr() string {
	if c.RedisURL == "" {
		return ""
	}
	host := strings.TrimPrefix(c.RedisURL, "redis://")
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(c.RedisPort))
}
