package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Node struct {
		// LocalID 0 draws a random id at startup.
		LocalID uint16 `yaml:"local_id"`
	} `yaml:"node"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Mesh struct {
		TickInterval      time.Duration `yaml:"tick_interval"`
		VoteThreshold     time.Duration `yaml:"vote_threshold"`
		ResetThreshold    time.Duration `yaml:"reset_threshold"`
		RelayTimeout      time.Duration `yaml:"relay_timeout"`
		VoteMultiplier    int           `yaml:"vote_multiplier"`
		MaxConfidence     int           `yaml:"max_confidence"`
		AnnounceInterval  time.Duration `yaml:"announce_interval"`
		EvictionTombstone time.Duration `yaml:"eviction_tombstone"`
		QueueSize         int           `yaml:"queue_size"`
		MaxIDAttempts     int           `yaml:"max_id_attempts"`
	} `yaml:"mesh"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Handshake struct {
		Enabled           bool          `yaml:"enabled"`
		Path              string        `yaml:"path"`
		Secret            string        `yaml:"secret"`
		InviteTTL         time.Duration `yaml:"invite_ttl"`
		Timeout           time.Duration `yaml:"timeout"`
		AttemptsPerMinute int           `yaml:"attempts_per_minute"`
		Burst             int           `yaml:"burst"`
		DialAttempts      int           `yaml:"dial_attempts"`
	} `yaml:"handshake"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsPath       string `yaml:"metrics_path"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Mesh
	if c.Mesh.TickInterval <= 0 {
		return fmt.Errorf("mesh.tick_interval must be > 0")
	}
	if c.Mesh.VoteThreshold <= 0 {
		return fmt.Errorf("mesh.vote_threshold must be > 0")
	}
	if c.Mesh.VoteThreshold >= c.Mesh.ResetThreshold {
		return fmt.Errorf("mesh.vote_threshold must be < mesh.reset_threshold")
	}
	if c.Mesh.RelayTimeout <= 0 {
		return fmt.Errorf("mesh.relay_timeout must be > 0")
	}
	if c.Mesh.VoteMultiplier < 1 {
		return fmt.Errorf("mesh.vote_multiplier must be >= 1")
	}
	if c.Mesh.MaxConfidence < 1 {
		return fmt.Errorf("mesh.max_confidence must be >= 1")
	}
	if c.Mesh.AnnounceInterval < c.Mesh.TickInterval {
		return fmt.Errorf("mesh.announce_interval must be >= mesh.tick_interval")
	}
	if c.Mesh.EvictionTombstone < 0 {
		return fmt.Errorf("mesh.eviction_tombstone must be >= 0")
	}
	if c.Mesh.QueueSize <= 0 {
		return fmt.Errorf("mesh.queue_size must be > 0")
	}
	if c.Mesh.MaxIDAttempts <= 0 {
		return fmt.Errorf("mesh.max_id_attempts must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Handshake
	if c.Handshake.Enabled {
		if c.Handshake.Secret == "" {
			return fmt.Errorf("handshake.secret must not be empty when handshake.enabled=true")
		}
		if c.Handshake.Path == "" {
			return fmt.Errorf("handshake.path must not be empty when handshake.enabled=true")
		}
		if c.Handshake.Timeout <= 0 {
			return fmt.Errorf("handshake.timeout must be > 0")
		}
		if c.Handshake.InviteTTL <= 0 {
			return fmt.Errorf("handshake.invite_ttl must be > 0")
		}
		if c.Handshake.AttemptsPerMinute <= 0 || c.Handshake.Burst <= 0 {
			return fmt.Errorf("handshake.attempts_per_minute and handshake.burst must be > 0")
		}
	}
	if c.Handshake.DialAttempts < 1 {
		return fmt.Errorf("handshake.dial_attempts must be >= 1")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.applyEnvOverrides(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Mesh.TickInterval = time.Second
	cfg.Mesh.VoteThreshold = 3 * time.Second
	cfg.Mesh.ResetThreshold = 6 * time.Second
	cfg.Mesh.RelayTimeout = 10 * time.Second
	cfg.Mesh.VoteMultiplier = 2
	cfg.Mesh.MaxConfidence = 10
	cfg.Mesh.AnnounceInterval = 3 * time.Second
	cfg.Mesh.EvictionTombstone = 30 * time.Second
	cfg.Mesh.QueueSize = 256
	cfg.Mesh.MaxIDAttempts = 64

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Handshake.Enabled = true
	cfg.Handshake.Path = "/join"
	cfg.Handshake.Secret = "change-me-in-production"
	cfg.Handshake.InviteTTL = 15 * time.Minute
	cfg.Handshake.Timeout = 30 * time.Second
	cfg.Handshake.AttemptsPerMinute = 30
	cfg.Handshake.Burst = 5
	cfg.Handshake.DialAttempts = 3

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "peermesh"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "peermesh:events"

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("PEERMESH_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("PEERMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PEERMESH_HANDSHAKE_SECRET"); secret != "" {
		c.Handshake.Secret = secret
	}
	if addr := os.Getenv("PEERMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if raw := os.Getenv("PEERMESH_LOCAL_ID"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return fmt.Errorf("PEERMESH_LOCAL_ID: %w", err)
		}
		c.Node.LocalID = uint16(id)
	}
	return nil
}
