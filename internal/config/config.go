// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Transport kinds accepted by channel.transport.
const (
	TransportNative    = "native"
	TransportWebSocket = "websocket"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Channel ChannelConfig `mapstructure:"channel" yaml:"channel"`
	Router  RouterConfig  `mapstructure:"router" yaml:"router"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Surface SurfaceConfig `mapstructure:"surface" yaml:"surface"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ChannelConfig configures the connection to the external agent process.
type ChannelConfig struct {
	Transport      string          `mapstructure:"transport" yaml:"transport"`
	ReconnectDelay time.Duration   `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	DialTimeout    time.Duration   `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	Native         NativeConfig    `mapstructure:"native" yaml:"native"`
	WebSocket      WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
}

// NativeConfig describes the agent host launched as a native-messaging subprocess.
type NativeConfig struct {
	Command        string   `mapstructure:"command" yaml:"command"`
	Args           []string `mapstructure:"args" yaml:"args"`
	WorkDir        string   `mapstructure:"work_dir" yaml:"work_dir"`
	MaxMessageSize int      `mapstructure:"max_message_size" yaml:"max_message_size"`
}

// WebSocketConfig describes an agent reachable over a websocket.
type WebSocketConfig struct {
	URL            string `mapstructure:"url" yaml:"url"`
	MaxMessageSize int64  `mapstructure:"max_message_size" yaml:"max_message_size"`
}

// RouterConfig configures the command router.
type RouterConfig struct {
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	Headless         bool          `mapstructure:"headless" yaml:"headless"`
	RemoteURL        string        `mapstructure:"remote_url" yaml:"remote_url"`
	StartURL         string        `mapstructure:"start_url" yaml:"start_url"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	Args             []string      `mapstructure:"args" yaml:"args"`
}

// SurfaceConfig configures the chat surface hub.
type SurfaceConfig struct {
	ListenAddr   string  `mapstructure:"listen_addr" yaml:"listen_addr"`
	CommandRate  float64 `mapstructure:"command_rate" yaml:"command_rate"`
	CommandBurst int     `mapstructure:"command_burst" yaml:"command_burst"`
	// AuthSecret, when set, requires surfaces to present an HS256 token
	// signed with it.
	AuthSecret string        `mapstructure:"auth_secret" yaml:"auth_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "agentxen")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Channel --
	v.SetDefault("channel.transport", TransportNative)
	v.SetDefault("channel.reconnect_delay", "5s")
	v.SetDefault("channel.dial_timeout", "10s")
	v.SetDefault("channel.native.command", "agentxen-host")
	v.SetDefault("channel.native.max_message_size", 1024*1024)
	v.SetDefault("channel.websocket.url", "ws://127.0.0.1:8765/agent")
	v.SetDefault("channel.websocket.max_message_size", 4*1024*1024)

	// -- Router --
	v.SetDefault("router.action_timeout", "30s")

	// -- Browser --
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.start_url", "about:blank")
	v.SetDefault("browser.operation_timeout", "15s")

	// -- Surface --
	v.SetDefault("surface.listen_addr", "127.0.0.1:7878")
	v.SetDefault("surface.command_rate", 2.0)
	v.SetDefault("surface.command_burst", 5)
	v.SetDefault("surface.auth_secret", "")
	v.SetDefault("surface.token_ttl", "12h")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in user supplied paths.
func (c *Config) expandPaths() error {
	var err error
	if c.Logger.LogFile, err = homedir.Expand(c.Logger.LogFile); err != nil {
		return fmt.Errorf("expanding logger.log_file: %w", err)
	}
	if c.Channel.Native.Command, err = homedir.Expand(c.Channel.Native.Command); err != nil {
		return fmt.Errorf("expanding channel.native.command: %w", err)
	}
	if c.Channel.Native.WorkDir, err = homedir.Expand(c.Channel.Native.WorkDir); err != nil {
		return fmt.Errorf("expanding channel.native.work_dir: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Channel.Validate(); err != nil {
		return fmt.Errorf("channel configuration invalid: %w", err)
	}
	if c.Router.ActionTimeout <= 0 {
		return fmt.Errorf("router.action_timeout must be a positive duration")
	}
	if c.Browser.Enabled && c.Browser.OperationTimeout <= 0 {
		return fmt.Errorf("browser.operation_timeout must be a positive duration")
	}
	if c.Surface.ListenAddr == "" {
		return fmt.Errorf("surface.listen_addr is required")
	}
	if c.Surface.CommandRate <= 0 || c.Surface.CommandBurst <= 0 {
		return fmt.Errorf("surface.command_rate and surface.command_burst must be positive")
	}
	if c.Surface.AuthSecret != "" {
		if len(c.Surface.AuthSecret) < 16 {
			return fmt.Errorf("surface.auth_secret must be at least 16 bytes")
		}
		if c.Surface.TokenTTL <= 0 {
			return fmt.Errorf("surface.token_ttl must be a positive duration")
		}
	}
	return nil
}

// Validate checks the channel settings for the selected transport.
func (c *ChannelConfig) Validate() error {
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be a positive duration")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be a positive duration")
	}
	switch strings.ToLower(c.Transport) {
	case TransportNative:
		if c.Native.Command == "" {
			return fmt.Errorf("native.command is required for the native transport")
		}
		if c.Native.MaxMessageSize <= 0 {
			return fmt.Errorf("native.max_message_size must be positive")
		}
	case TransportWebSocket:
		u, err := url.Parse(c.WebSocket.URL)
		if err != nil {
			return fmt.Errorf("websocket.url is invalid: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("websocket.url must use ws or wss, got %q", u.Scheme)
		}
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportNative, TransportWebSocket)
	}
	return nil
}
