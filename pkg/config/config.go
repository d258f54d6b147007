// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	API       APIConfig       `yaml:"api"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Relay     RelayConfig     `yaml:"relay"`
	Proximity ProximityConfig `yaml:"proximity"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url" validate:"required,url"`
	Timeout time.Duration `yaml:"timeout"`
}

type TransportConfig struct {
	// URL overrides the endpoint derived from API.BaseURL.
	URL               string          `yaml:"url"`
	HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	OutboundQueueSize int             `yaml:"outbound_queue_size" validate:"gte=1"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxRetries      int           `yaml:"max_retries" validate:"gte=0"` // 0 = unlimited
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" validate:"gte=1"`
}

type AuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	// StaticToken is used when no OAuth2 client is configured.
	StaticToken string `yaml:"static_token"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type DatabaseConfig struct {
	// URL selects the Postgres device store for the relay; empty keeps
	// devices in memory.
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrationsPath  string        `yaml:"migrations_path"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type RelayConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// BroadcastAll delivers every event to every client of a namespace,
	// regardless of what the client subscribed to.
	BroadcastAll bool          `yaml:"broadcast_all"`
	RedisChannel string        `yaml:"redis_channel"`
	PendingTTL   time.Duration `yaml:"pending_ttl"`
	// APIPrefix is the path the REST endpoints are mounted under. It must
	// match the path of API_BASE_URL used by clients.
	APIPrefix      string        `yaml:"api_prefix"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TokenExpiry    time.Duration `yaml:"token_expiry"`
	// TelemetryRateLimit caps reports per vessel per TelemetryRateWindow.
	// Only enforced when Redis is configured.
	TelemetryRateLimit  int           `yaml:"telemetry_rate_limit"`
	TelemetryRateWindow time.Duration `yaml:"telemetry_rate_window"`
	// ExpirySweepInterval is how often expired pending devices are removed.
	// Zero disables the sweep.
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
}

type ProximityConfig struct {
	RadiusKm          float64 `yaml:"radius_km" validate:"gte=0"`
	RecencyWindowDays float64 `yaml:"recency_window_days" validate:"gte=0"`
}

type SimulatorConfig struct {
	Interval   time.Duration `yaml:"interval"`
	SpeedKnots float64       `yaml:"speed_knots"`
	// Vessels is a list of "id:lat:lng" seeds.
	Vessels []string `yaml:"vessels"`
}

func defaults() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:3000/api",
			Timeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			HandshakeTimeout:  15 * time.Second,
			WriteTimeout:      5 * time.Second,
			OutboundQueueSize: 256,
			Reconnect: ReconnectConfig{
				Enabled:         true,
				MaxRetries:      0,
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsPath:  "file://migrations",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "3000",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Relay: RelayConfig{
			RedisChannel:        "fleetsync:relay",
			PendingTTL:          24 * time.Hour,
			APIPrefix:           "/api",
			TokenExpiry:         24 * time.Hour,
			TelemetryRateLimit:  120,
			TelemetryRateWindow: time.Minute,
			ExpirySweepInterval: time.Minute,
		},
		Proximity: ProximityConfig{
			RadiusKm:          100,
			RecencyWindowDays: 31,
		},
		Simulator: SimulatorConfig{
			Interval:   2 * time.Second,
			SpeedKnots: 8,
		},
	}
}

// Load reads .env (if present), then the optional YAML file named by
// FLEETSYNC_CONFIG_FILE, then environment variables. Later sources win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("FLEETSYNC_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.API.BaseURL = getEnv("API_BASE_URL", c.API.BaseURL)
	c.API.Timeout = getDurationEnv("API_TIMEOUT", c.API.Timeout)

	c.Transport.URL = getEnv("WS_URL", c.Transport.URL)
	c.Transport.HandshakeTimeout = getDurationEnv("WS_HANDSHAKE_TIMEOUT", c.Transport.HandshakeTimeout)
	c.Transport.WriteTimeout = getDurationEnv("WS_WRITE_TIMEOUT", c.Transport.WriteTimeout)
	c.Transport.OutboundQueueSize = getIntEnv("WS_OUTBOUND_QUEUE", c.Transport.OutboundQueueSize)
	c.Transport.Reconnect.Enabled = getBoolEnv("WS_RECONNECT", c.Transport.Reconnect.Enabled)
	c.Transport.Reconnect.MaxRetries = getIntEnv("WS_RECONNECT_MAX_RETRIES", c.Transport.Reconnect.MaxRetries)
	c.Transport.Reconnect.InitialInterval = getDurationEnv("WS_RECONNECT_INITIAL", c.Transport.Reconnect.InitialInterval)
	c.Transport.Reconnect.MaxInterval = getDurationEnv("WS_RECONNECT_MAX", c.Transport.Reconnect.MaxInterval)
	c.Transport.Reconnect.Multiplier = getFloatEnv("WS_RECONNECT_MULTIPLIER", c.Transport.Reconnect.Multiplier)

	c.Auth.TokenURL = getEnv("OAUTH_TOKEN_URL", c.Auth.TokenURL)
	c.Auth.ClientID = getEnv("OAUTH_CLIENT_ID", c.Auth.ClientID)
	c.Auth.ClientSecret = getEnv("OAUTH_CLIENT_SECRET", c.Auth.ClientSecret)
	if scopes := getEnv("OAUTH_SCOPES", ""); scopes != "" {
		c.Auth.Scopes = splitList(scopes)
	}
	c.Auth.StaticToken = getEnv("API_TOKEN", c.Auth.StaticToken)

	c.Redis.URL = normalizeRedisURL(getEnv("REDIS_URL", c.Redis.URL))
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntEnv("REDIS_DB", c.Redis.DB)

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = getIntEnv("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getIntEnv("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = getDurationEnv("DB_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.MigrationsPath = getEnv("MIGRATIONS_PATH", c.Database.MigrationsPath)

	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getDurationEnv("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)

	c.Relay.JWTSecret = getEnv("RELAY_JWT_SECRET", c.Relay.JWTSecret)
	c.Relay.BroadcastAll = getBoolEnv("RELAY_BROADCAST_ALL", c.Relay.BroadcastAll)
	c.Relay.RedisChannel = getEnv("RELAY_REDIS_CHANNEL", c.Relay.RedisChannel)
	c.Relay.PendingTTL = getDurationEnv("RELAY_PENDING_TTL", c.Relay.PendingTTL)
	c.Relay.APIPrefix = getEnv("RELAY_API_PREFIX", c.Relay.APIPrefix)
	if origins := getEnv("RELAY_ALLOWED_ORIGINS", ""); origins != "" {
		c.Relay.AllowedOrigins = splitList(origins)
	}
	c.Relay.TokenExpiry = getDurationEnv("RELAY_TOKEN_EXPIRY", c.Relay.TokenExpiry)
	c.Relay.TelemetryRateLimit = getIntEnv("RELAY_TELEMETRY_RATE_LIMIT", c.Relay.TelemetryRateLimit)
	c.Relay.TelemetryRateWindow = getDurationEnv("RELAY_TELEMETRY_RATE_WINDOW", c.Relay.TelemetryRateWindow)
	c.Relay.ExpirySweepInterval = getDurationEnv("RELAY_EXPIRY_SWEEP_INTERVAL", c.Relay.ExpirySweepInterval)

	c.Proximity.RadiusKm = getFloatEnv("PROXIMITY_RADIUS_KM", c.Proximity.RadiusKm)
	c.Proximity.RecencyWindowDays = getFloatEnv("PROXIMITY_RECENCY_DAYS", c.Proximity.RecencyWindowDays)

	c.Simulator.Interval = getDurationEnv("SIM_INTERVAL", c.Simulator.Interval)
	c.Simulator.SpeedKnots = getFloatEnv("SIM_SPEED_KNOTS", c.Simulator.SpeedKnots)
	if vessels := getEnv("SIM_VESSELS", ""); vessels != "" {
		c.Simulator.Vessels = splitList(vessels)
	}
}

// WebSocketBaseURL derives the push endpoint from the REST base URL:
// http becomes ws, https becomes wss, and any API path prefix is dropped.
func (c *Config) WebSocketBaseURL() (string, error) {
	if c.Transport.URL != "" {
		return strings.TrimRight(c.Transport.URL, "/"), nil
	}
	return DeriveWebSocketURL(c.API.BaseURL)
}

// DeriveWebSocketURL maps a REST base URL onto its push transport origin.
func DeriveWebSocketURL(apiBase string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("api base url %q has no host", apiBase)
	}
	return u.Scheme + "://" + u.Host, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}
