// Package config holds the relay server configuration. Values come from
// defaults, command line flags, WALA_* environment variables and an optional
// config file, resolved through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "WALA"

// Flag and config keys.
const (
	KeyAddr                = "addr"
	KeyAdminPassword       = "admin-password"
	KeyLogLevel            = "log-level"
	KeyLogFormat           = "log-format"
	KeyStoreDriver         = "store-driver"
	KeyStoreDSN            = "store-dsn"
	KeyKeyRotationInterval = "key-rotation-interval"
	KeyRecentMessages      = "recent-messages"
	KeyCORSOrigins         = "cors-origins"
	KeyRateLimitRequests   = "rate-limit-requests"
	KeyRateLimitWindow     = "rate-limit-window"
	KeySendQueueSize       = "ws-send-queue"
	KeyInboundRate         = "ws-inbound-rate"
	KeyInboundBurst        = "ws-inbound-burst"
	KeyShutdownTimeout     = "shutdown-timeout"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Config struct {
	Addr          string
	AdminPassword string
	LogLevel      string
	// LogFormat is "json", "console", or "auto" (console when stderr is a
	// terminal).
	LogFormat string

	StoreDriver string
	StoreDSN    string

	KeyRotationInterval time.Duration
	RecentMessages      int

	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	SendQueueSize int
	InboundRate   float64
	InboundBurst  int

	ShutdownTimeout time.Duration
}

func Default() Config {
	return Config{
		Addr:                ":5000",
		AdminPassword:       "admin123",
		LogLevel:            "info",
		LogFormat:           "auto",
		StoreDriver:         DriverMemory,
		StoreDSN:            "wala.db",
		KeyRotationInterval: 30 * time.Minute,
		RecentMessages:      50,
		CORSOrigins:         []string{"http://localhost:3000"},
		RateLimitRequests:   100,
		RateLimitWindow:     15 * time.Minute,
		SendQueueSize:       256,
		InboundRate:         20,
		InboundBurst:        40,
		ShutdownTimeout:     30 * time.Second,
	}
}

// BindFlags registers every configuration flag on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(KeyAddr, d.Addr, "http listen address")
	fs.String(KeyAdminPassword, d.AdminPassword, "admin console password")
	fs.String(KeyLogLevel, d.LogLevel, "log level (debug, info, warn, error)")
	fs.String(KeyLogFormat, d.LogFormat, "log format (json, console, auto)")
	fs.String(KeyStoreDriver, d.StoreDriver, "durable store driver (memory, sqlite3, postgres)")
	fs.String(KeyStoreDSN, d.StoreDSN, "durable store data source name")
	fs.Duration(KeyKeyRotationInterval, d.KeyRotationInterval, "relay keypair rotation interval")
	fs.Int(KeyRecentMessages, d.RecentMessages, "number of recent messages in admin snapshots")
	fs.StringSlice(KeyCORSOrigins, d.CORSOrigins, "allowed CORS and websocket origins")
	fs.Int(KeyRateLimitRequests, d.RateLimitRequests, "REST requests allowed per client IP per window")
	fs.Duration(KeyRateLimitWindow, d.RateLimitWindow, "REST rate limit window")
	fs.Int(KeySendQueueSize, d.SendQueueSize, "outbound frames buffered per websocket connection")
	fs.Float64(KeyInboundRate, d.InboundRate, "inbound frames per second allowed per websocket connection")
	fs.Int(KeyInboundBurst, d.InboundBurst, "inbound frame burst per websocket connection")
	fs.Duration(KeyShutdownTimeout, d.ShutdownTimeout, "graceful shutdown timeout")
}

// Load resolves the configuration from v. Flags in fs take precedence over
// the environment, which takes precedence over configFile.
func Load(v *viper.Viper, fs *pflag.FlagSet, configFile string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("port", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind PORT: %w", err)
	}
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	// checked before defaults are registered, which IsSet also reports
	addrSet := v.IsSet(KeyAddr)

	d := Default()
	v.SetDefault(KeyAddr, d.Addr)
	v.SetDefault(KeyAdminPassword, d.AdminPassword)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyStoreDriver, d.StoreDriver)
	v.SetDefault(KeyStoreDSN, d.StoreDSN)
	v.SetDefault(KeyKeyRotationInterval, d.KeyRotationInterval)
	v.SetDefault(KeyRecentMessages, d.RecentMessages)
	v.SetDefault(KeyCORSOrigins, d.CORSOrigins)
	v.SetDefault(KeyRateLimitRequests, d.RateLimitRequests)
	v.SetDefault(KeyRateLimitWindow, d.RateLimitWindow)
	v.SetDefault(KeySendQueueSize, d.SendQueueSize)
	v.SetDefault(KeyInboundRate, d.InboundRate)
	v.SetDefault(KeyInboundBurst, d.InboundBurst)
	v.SetDefault(KeyShutdownTimeout, d.ShutdownTimeout)

	cfg := Config{
		Addr:                v.GetString(KeyAddr),
		AdminPassword:       v.GetString(KeyAdminPassword),
		LogLevel:            v.GetString(KeyLogLevel),
		LogFormat:           v.GetString(KeyLogFormat),
		StoreDriver:         v.GetString(KeyStoreDriver),
		StoreDSN:            v.GetString(KeyStoreDSN),
		KeyRotationInterval: v.GetDuration(KeyKeyRotationInterval),
		RecentMessages:      v.GetInt(KeyRecentMessages),
		CORSOrigins:         splitList(v.GetStringSlice(KeyCORSOrigins)),
		RateLimitRequests:   v.GetInt(KeyRateLimitRequests),
		RateLimitWindow:     v.GetDuration(KeyRateLimitWindow),
		SendQueueSize:       v.GetInt(KeySendQueueSize),
		InboundRate:         v.GetFloat64(KeyInboundRate),
		InboundBurst:        v.GetInt(KeyInboundBurst),
		ShutdownTimeout:     v.GetDuration(KeyShutdownTimeout),
	}

	// PORT is honoured for hosting platforms that only set a port number.
	if port := v.GetString("port"); port != "" && !addrSet {
		cfg.Addr = ":" + port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList accepts both repeated values and a single comma separated value,
// which is how lists arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.AdminPassword == "" {
		errs = append(errs, errors.New("admin password must not be empty"))
	}
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.StoreDriver != DriverMemory && c.StoreDSN == "" {
		errs = append(errs, fmt.Errorf("store driver %s needs a dsn", c.StoreDriver))
	}
	switch c.LogFormat {
	case "json", "console", "auto":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.KeyRotationInterval <= 0 {
		errs = append(errs, errors.New("key rotation interval must be positive"))
	}
	if c.RecentMessages <= 0 {
		errs = append(errs, errors.New("recent messages must be positive"))
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limit requests and window must be positive"))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("websocket send queue must be positive"))
	}
	if c.InboundRate < 0 || c.InboundBurst < 0 {
		errs = append(errs, errors.New("websocket inbound limits must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
