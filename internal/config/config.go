// Package config handles TOML configuration loading, CLI overrides and
// validation for the streamproxy command.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is
// given. A missing config file is not an error.
var configSearchPaths = []string{
	"/etc/streamproxy/config.toml",
	"configs/config.toml",
}

// Flags holds command-line values. Zero values mean "not given"; Port is nil
// unless the flag was set, since 0 is a valid (ephemeral) port.
type Flags struct {
	Config             string
	ListenHost         string
	Port               *int
	Upstream           string
	CacheDir           string
	CacheDB            string
	DebugListen        string
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	TCPKeepAlive       string
	BufferSize         int
	LogLevel           string
	LogFormat          string
	Verbose            bool
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Cache    CacheConfig    `toml:"cache"`
	Log      LogConfig      `toml:"log"`
	Debug    DebugConfig    `toml:"debug"`

	filePath string
}

// ServerConfig holds the proxy listener settings.
type ServerConfig struct {
	Host string `toml:"host"`
	// Port 0 picks an ephemeral port.
	Port               int      `toml:"port"`
	NegotiationTimeout Duration `toml:"negotiation_timeout"`
	TCPKeepAlive       string   `toml:"tcp_keepalive"`
	BufferSize         int      `toml:"buffer_size"`
	MaxHeaderBytes     int      `toml:"max_header_bytes"`
	Verbose            bool     `toml:"verbose"`
}

// UpstreamConfig selects how origin servers are reached.
type UpstreamConfig struct {
	URL         string   `toml:"url"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// CacheConfig enables the track cache when Dir is set.
type CacheConfig struct {
	Dir string `toml:"dir"`
	DB  string `toml:"db"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DebugConfig holds the pprof and metrics listener.
type DebugConfig struct {
	Listen string `toml:"listen"`
}

// Duration is a time.Duration written as a string ("10s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads the TOML config file if there is one and applies flag
// overrides.
func Load(f *Flags) (*Config, error) {
	var cfg Config

	path := f.Config
	if path == "" {
		path = findConfigInPaths(configSearchPaths)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyFlags(f)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// FilePath returns the config file that was loaded, if any.
func (c *Config) FilePath() string {
	return c.filePath
}

// applyFlags overrides config values with flags that were given.
func (c *Config) applyFlags(f *Flags) {
	if f.ListenHost != "" {
		c.Server.Host = f.ListenHost
	}
	if f.Port != nil {
		c.Server.Port = *f.Port
	}
	if f.NegotiationTimeout != 0 {
		c.Server.NegotiationTimeout.Duration = f.NegotiationTimeout
	}
	if f.TCPKeepAlive != "" {
		c.Server.TCPKeepAlive = f.TCPKeepAlive
	}
	if f.BufferSize != 0 {
		c.Server.BufferSize = f.BufferSize
	}
	if f.Verbose {
		c.Server.Verbose = true
	}
	if f.Upstream != "" {
		c.Upstream.URL = f.Upstream
	}
	if f.DialTimeout != 0 {
		c.Upstream.DialTimeout.Duration = f.DialTimeout
	}
	if f.CacheDir != "" {
		c.Cache.Dir = f.CacheDir
	}
	if f.CacheDB != "" {
		c.Cache.DB = f.CacheDB
	}
	if f.LogLevel != "" {
		c.Log.Level = f.LogLevel
	}
	if f.LogFormat != "" {
		c.Log.Format = f.LogFormat
	}
	if f.DebugListen != "" {
		c.Debug.Listen = f.DebugListen
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0-65535; got %d", c.Server.Port)
	}
	if c.Server.NegotiationTimeout.Duration < 0 {
		return fmt.Errorf("server.negotiation_timeout must be non-negative; got %s", c.Server.NegotiationTimeout)
	}
	if c.Server.BufferSize < 0 {
		return fmt.Errorf("server.buffer_size must be non-negative; got %d", c.Server.BufferSize)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("server.max_header_bytes must be non-negative; got %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.TCPKeepAlive != "" {
		if _, err := ParseTCPKeepAlive(c.Server.TCPKeepAlive); err != nil {
			return fmt.Errorf("server.tcp_keepalive: %w", err)
		}
	}
	if c.Upstream.DialTimeout.Duration < 0 {
		return fmt.Errorf("upstream.dial_timeout must be non-negative; got %s", c.Upstream.DialTimeout)
	}
	if c.Upstream.URL != "" {
		if _, err := url.Parse(c.Upstream.URL); err != nil {
			return fmt.Errorf("upstream.url is not a valid URL: %w", err)
		}
	}
	if c.Cache.DB != "" && c.Cache.Dir == "" {
		return errors.New("cache.db requires cache.dir")
	}
	if c.Debug.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Debug.Listen); err != nil {
			return fmt.Errorf("debug.listen: %w", err)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	return nil
}

// setDefaults fills zero-valued fields. Server.Port has no default: 0 asks
// for an ephemeral port.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.NegotiationTimeout.Duration == 0 {
		c.Server.NegotiationTimeout.Duration = 10 * time.Second
	}
	if c.Server.TCPKeepAlive == "" {
		c.Server.TCPKeepAlive = "45:45:3"
	}
	if c.Upstream.URL == "" {
		c.Upstream.URL = defaultUpstream()
	}
	if c.Upstream.DialTimeout.Duration == 0 {
		c.Upstream.DialTimeout.Duration = 10 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// KeepAlive returns the parsed server.tcp_keepalive setting.
func (c *Config) KeepAlive() net.KeepAliveConfig {
	// Validated by Load.
	ka, _ := ParseTCPKeepAlive(c.Server.TCPKeepAlive)
	return ka
}

func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func defaultUpstream() string {
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}
	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}
	return "direct://"
}

// ParseTCPKeepAlive parses on|off|keepidle:keepintvl:keepcnt, with idle and
// interval in seconds.
func ParseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	idle, intvl, cnt, ok := cut3(s, ":")
	if !ok {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositive(idle)
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositive(intvl)
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositive(cnt)
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func cut3(s, sep string) (a, b, c string, ok bool) {
	a, rest, ok1 := strings.Cut(s, sep)
	b, c, ok2 := strings.Cut(rest, sep)
	if !ok1 || !ok2 || strings.Contains(c, sep) {
		return "", "", "", false
	}
	return a, b, c, true
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
