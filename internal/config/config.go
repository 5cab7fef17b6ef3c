// Package config is used to load the configuration file
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REMOTENET_DIVER_PORT.
const EnvPrefix = "remotenet"

// Defaults.
const (
	DefaultDiverHost    = "127.0.0.1"
	DefaultDiverPort    = 9977
	DefaultTimeout      = 30 * time.Second
	DefaultReadyTimeout = 10 * time.Second
	DefaultListenerIP   = "127.0.0.1"
	DefaultRelayListen  = "127.0.0.1:9988"
	DefaultGateway      = "127.0.0.1:8080"
	DefaultCacheSize    = 64
)

type diver struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Relay        string        `mapstructure:"relay"` // rNET relay address; empty dials the diver directly
	Timeout      time.Duration `mapstructure:"timeout"`
	ReadyTimeout time.Duration `mapstructure:"ready-timeout"`
}

type listener struct {
	IP string `mapstructure:"ip"`
}

type relay struct {
	Listen   string `mapstructure:"listen"`
	MaxConns int    `mapstructure:"max-conns"`
}

type gateway struct {
	Listen string `mapstructure:"listen"`
}

type scan struct {
	CacheSize int `mapstructure:"cache-size"`
	Workers   int `mapstructure:"workers"`
}

// Config is the configuration struct
type Config struct {
	Diver    diver    `mapstructure:"diver"`
	Listener listener `mapstructure:"listener"`
	Relay    relay    `mapstructure:"relay"`
	Gateway  gateway  `mapstructure:"gateway"`
	Scan     scan     `mapstructure:"scan"`
	Debug    bool     `mapstructure:"debug"`
}

// DiverAddr returns host:port of the diver.
func (c *Config) DiverAddr() string {
	return net.JoinHostPort(c.Diver.Host, fmt.Sprint(c.Diver.Port))
}

func (c *Config) verify() error {
	if c.Diver.Host == "" {
		c.Diver.Host = DefaultDiverHost
	}
	if c.Diver.Port == 0 {
		c.Diver.Port = DefaultDiverPort
	}
	if c.Diver.Port < 0 || c.Diver.Port > 65535 {
		return fmt.Errorf("diver port %d out of range", c.Diver.Port)
	}
	if c.Diver.Timeout <= 0 {
		c.Diver.Timeout = DefaultTimeout
	}
	if c.Diver.ReadyTimeout <= 0 {
		c.Diver.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Diver.Relay != "" {
		if _, _, err := net.SplitHostPort(c.Diver.Relay); err != nil {
			return fmt.Errorf("diver relay %q: %v", c.Diver.Relay, err)
		}
	}
	if c.Listener.IP == "" {
		c.Listener.IP = DefaultListenerIP
	}
	if net.ParseIP(c.Listener.IP) == nil {
		return fmt.Errorf("listener ip %q is not an IP address", c.Listener.IP)
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = DefaultRelayListen
	}
	if c.Relay.MaxConns < 0 {
		return errors.New("relay max-conns cannot be negative")
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = DefaultGateway
	}
	if c.Scan.CacheSize <= 0 {
		c.Scan.CacheSize = DefaultCacheSize
	}
	if c.Scan.Workers < 0 {
		return errors.New("scan workers cannot be negative")
	}
	return nil
}

// Init points v at cfgFile, or at ~/.config/remotenet/config.yaml when
// cfgFile is empty, and enables REMOTENET_ environment overrides. A missing
// default config file is not an error.
func Init(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "remotenet"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows about.
	for _, k := range []string{
		"diver.host", "diver.port", "diver.relay", "diver.timeout", "diver.ready-timeout",
		"listener.ip", "relay.listen", "relay.max-conns", "gateway.listen",
		"scan.cache-size", "scan.workers", "debug",
	} {
		v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("config: failed to read %s: %v", v.ConfigFileUsed(), err)
	}
	return nil
}

// Load unmarshals and verifies the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config

	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return &c, nil
}

// LoadConfig loads the configuration from the global viper instance.
func LoadConfig() (*Config, error) {
	return Load(viper.GetViper())
}
