package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transports accepted in TRANSPORT.
const (
	TransportLoopback = "loopback"
	TransportRedis    = "redis"
	TransportHTTP     = "http"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Directory of <agent-id>.key files for the agents this node hosts.
	KeyDir string

	// Protocol
	ProtocolVersion string
	ProtocolTimeout time.Duration // 0 disables the default timeout

	// Delivery
	Transport string
	PeerURLs  map[string]string // agent ID -> node base URL; "*" is the fallback

	// Rate limiting
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        os.Getenv("SQLITE_PATH"),
		RedisURL:          os.Getenv("REDIS_URL"),
		KeyDir:            getEnv("KEY_DIR", "./keys"),
		ProtocolVersion:   getEnv("PROTOCOL_VERSION", "1.0"),
		ProtocolTimeout:   getDuration("PROTOCOL_TIMEOUT", 0),
		Transport:         strings.ToLower(getEnv("TRANSPORT", TransportLoopback)),
		PeerURLs:          parsePeers(os.Getenv("PEER_URLS")),
		RateLimitRequests: getInt("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDuration("RATE_LIMIT_WINDOW", time.Minute),
		AutoBlockEnabled:  getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	switch cfg.Transport {
	case TransportLoopback, TransportHTTP:
	case TransportRedis:
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required for the redis transport")
		}
	default:
		panic(fmt.Sprintf("unknown TRANSPORT %q", cfg.Transport))
	}

	// In production, require database and redis URLs
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		panic(fmt.Sprintf("%s must be a positive integer, got %q", key, value))
	}
	return n
}

// getDuration accepts Go durations ("30s") or a bare number of seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		panic(fmt.Sprintf("%s must be a duration, got %q", key, value))
	}
	return d
}

// parsePeers reads "agent=url,agent=url,*=url".
func parsePeers(raw string) map[string]string {
	peers := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		id, url, ok := strings.Cut(strings.TrimSpace(entry), "=")
		id, url = strings.TrimSpace(id), strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			continue
		}
		peers[id] = url
	}
	return peers
}
