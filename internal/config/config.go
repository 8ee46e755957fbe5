// Package config loads indexer settings from the environment and the
// protocol deployment constants from an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned when a configured address is not a
// 20-byte hex address.
var ErrInvalidAddress = errors.New("config: invalid address")

// Config captures the runtime settings for the indexer.
type Config struct {
	RPCURL        string
	DatabaseURL   string
	RedisURL      string
	CacheTTL      time.Duration
	EventStream   string
	WatchStream   string
	ConsumerGroup string
	ConsumerName  string
	ListenAddr    string
	LogLevel      string
	ProtocolFile  string

	Protocol Protocol
}

const (
	envRPCURL        = "INDEXER_RPC_URL"
	envDatabaseURL   = "DATABASE_URL"
	envRedisURL      = "REDIS_URL"
	envCacheTTL      = "CACHE_TTL"
	envEventStream   = "EVENT_STREAM"
	envWatchStream   = "WATCH_STREAM"
	envConsumerGroup = "CONSUMER_GROUP"
	envConsumerName  = "CONSUMER_NAME"
	envListenAddr    = "LISTEN_ADDR"
	envPort          = "PORT"
	envLogLevel      = "LOG_LEVEL"
	envProtocolFile  = "PROTOCOL_FILE"
	envComptroller   = "COMPTROLLER_ADDRESS"

	defaultRPCURL        = "http://127.0.0.1:8545"
	defaultCacheTTL      = 30 * time.Second
	defaultEventStream   = "lendidx:events"
	defaultWatchStream   = "lendidx:watch"
	defaultConsumerGroup = "lendidx"
	defaultPort          = "8080"
	defaultLogLevel      = "info"
)

// Load constructs a Config from environment variables and defaults. When
// PROTOCOL_FILE is set the protocol constants are read from it; otherwise
// the built-in deployment constants are used. COMPTROLLER_ADDRESS
// overrides the file.
func Load() (Config, error) {
	cfg := Config{
		RPCURL:        stringFromEnv(envRPCURL, defaultRPCURL),
		DatabaseURL:   strings.TrimSpace(os.Getenv(envDatabaseURL)),
		RedisURL:      strings.TrimSpace(os.Getenv(envRedisURL)),
		CacheTTL:      durationFromEnv(envCacheTTL, defaultCacheTTL),
		EventStream:   stringFromEnv(envEventStream, defaultEventStream),
		WatchStream:   stringFromEnv(envWatchStream, defaultWatchStream),
		ConsumerGroup: stringFromEnv(envConsumerGroup, defaultConsumerGroup),
		ConsumerName:  strings.TrimSpace(os.Getenv(envConsumerName)),
		ListenAddr:    stringFromEnv(envListenAddr, ":"+stringFromEnv(envPort, defaultPort)),
		LogLevel:      strings.ToLower(stringFromEnv(envLogLevel, defaultLogLevel)),
		ProtocolFile:  strings.TrimSpace(os.Getenv(envProtocolFile)),
		Protocol:      DefaultProtocol(),
	}

	if cfg.ProtocolFile != "" {
		p, err := LoadProtocolFile(cfg.ProtocolFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Protocol = p
	}
	if raw := strings.TrimSpace(os.Getenv(envComptroller)); raw != "" {
		addr, err := parseAddress(envComptroller, raw)
		if err != nil {
			return Config{}, err
		}
		cfg.Protocol.Comptroller = addr
	}
	return cfg, nil
}

// Validate ensures the configuration is internally consistent.
func (cfg Config) Validate() error {
	if cfg.Protocol.Comptroller == (common.Address{}) {
		return fmt.Errorf("comptroller address required: %w", ErrInvalidAddress)
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return fmt.Errorf("rpc url required")
	}
	if cfg.RedisURL == "" {
		return fmt.Errorf("redis url required for event delivery")
	}
	if cfg.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must be non-negative")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	return cfg.Protocol.Validate()
}

// Sanitized returns a copy of the Config with URL credentials masked for
// logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	clone.RPCURL = maskURL(clone.RPCURL)
	clone.DatabaseURL = maskURL(clone.DatabaseURL)
	clone.RedisURL = maskURL(clone.RedisURL)
	return clone
}

func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s %q: %w", field, raw, ErrInvalidAddress)
	}
	return common.HexToAddress(trimmed), nil
}
