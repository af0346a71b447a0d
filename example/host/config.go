package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// config holds the settings of the example host.
type config struct {
	Addr           string        `yaml:"addr"`
	LogLevel       string        `yaml:"log_level"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	Theme          string        `yaml:"theme"`
	Locale         string        `yaml:"locale"`
	ConfigFile     string        `yaml:"-"`
}

func (c *config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.Theme == "" {
		c.Theme = "light"
	}
	if c.Locale == "" {
		c.Locale = "en-US"
	}
}

// loadFile populates the config from a YAML file.
func (c *config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// bindFlags binds command line flags using the current values as defaults.
func (c *config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "host config file path")
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (debug, info, warn, error)")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "timeout of requests sent to apps")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "interval between pings to apps, negative to disable")
	fs.StringVar(&c.Theme, "theme", c.Theme, "theme announced to apps (light, dark)")
	fs.StringVar(&c.Locale, "locale", c.Locale, "locale announced to apps")
	fs.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
}

func (c *config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// configFileArg finds the --config argument ahead of flag parsing, so the file can be loaded
// before flags override it.
func configFileArg(args []string) string {
	for i, a := range args {
		if (a == "--config" || a == "-config") && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(a, "-config="); ok {
			return v
		}
	}
	return ""
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
