// Package config loads engine settings from defaults, an optional YAML file
// and BTCORE_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

const envPrefix = "BTCORE"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DownloadDirectory string        `yaml:"DownloadDirectory"`
	IncomingPort      int           `yaml:"IncomingPort"`
	MaxOpenFiles      int           `yaml:"MaxOpenFiles"`
	MaxMessageLength  string        `yaml:"MaxMessageLength"`
	WriteChunk        string        `yaml:"WriteChunk"`
	UploadRate        string        `yaml:"UploadRate"`
	IdleTimeout       time.Duration `yaml:"IdleTimeout"`
	ReapInterval      time.Duration `yaml:"ReapInterval"`
	KeepAlive         time.Duration `yaml:"KeepAlive"`
	MaxPeers          int           `yaml:"MaxPeers"`
	Seed              bool          `yaml:"Seed"`
	LogLevel          string        `yaml:"LogLevel"`
	LogFile           string        `yaml:"LogFile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DownloadDirectory", "./downloads")
	v.SetDefault("IncomingPort", 6881)
	v.SetDefault("MaxOpenFiles", 50)
	v.SetDefault("MaxMessageLength", "8MB")
	v.SetDefault("WriteChunk", "16KB")
	v.SetDefault("UploadRate", "unlimited")
	v.SetDefault("IdleTimeout", "5m")
	v.SetDefault("ReapInterval", "1m")
	v.SetDefault("KeepAlive", "2m")
	v.SetDefault("MaxPeers", 30)
	v.SetDefault("Seed", false)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFile", "btcore.log")
}

// Load reads path if it exists. An empty path or a missing file leaves the
// defaults in place.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.IncomingPort < 0 || c.IncomingPort > math.MaxUint16 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.IncomingPort)
	}
	if c.MaxOpenFiles < 1 {
		return fmt.Errorf("%w: MaxOpenFiles must be positive", ErrInvalidConfig)
	}
	if _, err := c.MaxMessageBytes(); err != nil {
		return err
	}
	if _, err := c.WriteChunkBytes(); err != nil {
		return err
	}
	if _, _, err := c.uploadLimit(); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func (c *Config) MaxMessageBytes() (int, error) {
	return parseSize("MaxMessageLength", c.MaxMessageLength)
}

func (c *Config) WriteChunkBytes() (int, error) {
	return parseSize("WriteChunk", c.WriteChunk)
}

// UploadLimiter returns the limiter for UploadRate; an unparseable rate is
// treated as unlimited.
func (c *Config) UploadLimiter() *rate.Limiter {
	limit, burst, err := c.uploadLimit()
	if err != nil {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(limit, burst)
}

func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

// WriteYaml stores c at path.
func (c *Config) WriteYaml(path string) error {
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, d, 0o644)
}

func parseSize(field, s string) (int, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, field, s, err)
	}
	if v == 0 || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s %q out of range", ErrInvalidConfig, field, s)
	}
	return int(v), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: LogLevel %q", ErrInvalidConfig, s)
	}
	return level, nil
}

// uploadLimit parses UploadRate as bytes per second. The burst is one second
// of traffic.
func (c *Config) uploadLimit() (rate.Limit, int, error) {
	switch strings.ToLower(strings.TrimSpace(c.UploadRate)) {
	case "", "0", "unlimited":
		return rate.Inf, 0, nil
	}
	bytesPerSec, err := parseSize("UploadRate", c.UploadRate)
	if err != nil {
		return 0, 0, err
	}
	return rate.Limit(bytesPerSec), bytesPerSec, nil
}
